package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tradeFixture() *TradeCaptureMessage {
	var ts = time.Date(2024, 1, 31, 14, 30, 0, 0, time.FixedZone("EST", -5*3600))
	return &TradeCaptureMessage{
		TradeID:        "T1",
		AccountID:      "ACC1",
		BookID:         "BOOK1",
		SecurityID:     "US0378331005",
		Source:         SourceAutomated,
		TradeDate:      "2024-01-31",
		TradeTimestamp: ts,
		SequenceNumber: 1,
		CounterpartyIDs: []string{"CP1", "CP2"},
		TradeLots: []TradeLot{{
			LotIDs: []string{"L1"},
			PriceQuantities: []PriceQuantity{
				{Quantity: 10000, QuantityUnit: "SHARES", Price: 150.25, PriceUnit: "USD"},
			},
		}},
		Metadata:     map[string]string{"desk": "NY", "strategy": "alpha"},
		PartitionKey: "ACC1-BOOK1-US0378331005",
	}
}

func TestTradeCaptureRoundTrip(t *testing.T) {
	var msg = tradeFixture()
	msg.ManualEntry = &ManualEntry{
		EnteredBy:      "ops-user",
		EntryTimestamp: msg.TradeTimestamp.Add(time.Minute),
	}

	var b, err = msg.Marshal()
	require.NoError(t, err)

	var got TradeCaptureMessage
	require.NoError(t, got.Unmarshal(b))

	require.Equal(t, msg.TradeID, got.TradeID)
	require.Equal(t, msg.AccountID, got.AccountID)
	require.Equal(t, msg.BookID, got.BookID)
	require.Equal(t, msg.SecurityID, got.SecurityID)
	require.Equal(t, msg.Source, got.Source)
	require.Equal(t, msg.TradeDate, got.TradeDate)
	require.True(t, msg.TradeTimestamp.Equal(got.TradeTimestamp))
	require.Equal(t, msg.SequenceNumber, got.SequenceNumber)
	require.Equal(t, msg.CounterpartyIDs, got.CounterpartyIDs)
	require.Equal(t, msg.TradeLots, got.TradeLots)
	require.Equal(t, msg.Metadata, got.Metadata)
	require.Equal(t, msg.PartitionKey, got.PartitionKey)
	require.NotNil(t, got.ManualEntry)
	require.Equal(t, "ops-user", got.ManualEntry.EnteredBy)
}

func TestMarshallingIsDeterministic(t *testing.T) {
	var msg = tradeFixture()

	var b1, err = msg.Marshal()
	require.NoError(t, err)
	b2, err := msg.Marshal()
	require.NoError(t, err)

	require.Equal(t, b1, b2) // Metadata keys are sorted.
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	var msg = tradeFixture()
	var b, err = msg.Marshal()
	require.NoError(t, err)

	// Append a future string field (99) and a future varint field (100).
	b = appendString(b, 99, "from-the-future")
	b = appendUint(b, 100, 42)

	var got TradeCaptureMessage
	require.NoError(t, got.Unmarshal(b))
	require.Equal(t, msg.TradeID, got.TradeID)
	require.Equal(t, msg.PartitionKey, got.PartitionKey)
}

func TestEffectiveDefaults(t *testing.T) {
	var msg = tradeFixture()

	require.Equal(t, "T1", msg.EffectiveIdempotencyKey())
	msg.IdempotencyKey = "other"
	require.Equal(t, "other", msg.EffectiveIdempotencyKey())

	require.True(t, msg.EffectiveBookingTimestamp().Equal(msg.TradeTimestamp))
	msg.BookingTimestamp = msg.TradeTimestamp.Add(time.Hour)
	require.True(t, msg.EffectiveBookingTimestamp().Equal(msg.BookingTimestamp))

	msg.PartitionKey = ""
	require.Equal(t, "ACC1-BOOK1-US0378331005", msg.EffectivePartitionKey())
}

func TestValidateCatchesStructuralErrors(t *testing.T) {
	var cases = []struct {
		mutate func(*TradeCaptureMessage)
		expect string
	}{
		{func(m *TradeCaptureMessage) { m.TradeID = "" }, "missing tradeId"},
		{func(m *TradeCaptureMessage) { m.TradeID = string(bytes.Repeat([]byte("x"), 101)) }, "tradeId exceeds"},
		{func(m *TradeCaptureMessage) { m.AccountID = "" }, "missing accountId"},
		{func(m *TradeCaptureMessage) { m.BookID = "" }, "missing bookId"},
		{func(m *TradeCaptureMessage) { m.SecurityID = "" }, "missing securityId"},
		{func(m *TradeCaptureMessage) { m.Source = 7 }, "invalid source"},
		{func(m *TradeCaptureMessage) { m.TradeTimestamp = time.Time{} }, "missing tradeTimestamp"},
	}
	for _, tc := range cases {
		var msg = tradeFixture()
		tc.mutate(msg)
		require.ErrorContains(t, msg.Validate(), tc.expect)
	}
	require.NoError(t, tradeFixture().Validate())
}

func TestSwapBlotterRoundTrip(t *testing.T) {
	var blotter = &SwapBlotter{
		TradeID:      "T1",
		PartitionKey: "ACC1-BOOK1-SEC1",
		TradeLots: []TradeLot{{
			LotIDs:          []string{"L1", "L2"},
			PriceQuantities: []PriceQuantity{{Quantity: 5, QuantityUnit: "SHARES", Price: 9.5, PriceUnit: "USD"}},
		}},
		Contract: Contract{
			ContractID:   "C-T1",
			SecurityName: "Apple Inc",
			SecurityType: "EQUITY",
			Currency:     "USD",
			AccountName:  "Account ACC1",
			BookName:     "Book BOOK1",
		},
		State:            PositionExecuted,
		EnrichmentStatus: EnrichmentComplete,
		WorkflowStatus:   WorkflowApproved,
		ProcessingMetadata: ProcessingMetadata{
			ProcessedAt:      time.Now().UTC().Truncate(time.Millisecond),
			RulesApplied:     []string{"auto-approve"},
			Sources:          []string{"security-master", "account-master"},
			ProcessingTimeMs: 12,
		},
		Version: 3,
	}

	var b, err = blotter.Marshal()
	require.NoError(t, err)

	var got SwapBlotter
	require.NoError(t, got.Unmarshal(b))
	require.Equal(t, blotter.TradeID, got.TradeID)
	require.Equal(t, blotter.Contract, got.Contract)
	require.Equal(t, blotter.State, got.State)
	require.Equal(t, blotter.WorkflowStatus, got.WorkflowStatus)
	require.Equal(t, blotter.ProcessingMetadata.RulesApplied, got.ProcessingMetadata.RulesApplied)
	require.Equal(t, blotter.Version, got.Version)
}

func TestEnvelopePreservesPayloadBytes(t *testing.T) {
	var payload = []byte{0x00, 0x01, 0xfe, 0xff, 0x80}
	var env = &Envelope{
		Key: "ACC1-BOOK1-SEC1",
		Headers: []Header{
			{Name: "tradeId", Value: "T1"},
			{Name: "messageType", Value: "trade-capture"},
		},
		Payload: payload,
	}
	var b, err = env.Marshal()
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, got.Unmarshal(b))
	require.Equal(t, env.Key, got.Key)
	require.Equal(t, env.Headers, got.Headers)
	require.Equal(t, payload, got.Payload)
	require.Equal(t, "T1", got.HeaderMap()["tradeId"])
}

func TestFraming(t *testing.T) {
	var records = [][]byte{
		[]byte("one"),
		{},
		[]byte("three"),
	}
	var b []byte
	for _, r := range records {
		b = AppendFrame(b, r)
	}

	var br = bufio.NewReader(bytes.NewReader(b))
	for _, want := range records {
		var got, err = ReadFrame(br)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	var _, err = ReadFrame(br)
	require.Equal(t, io.EOF, err)
}

func TestFramingRejectsOversizeAndPartialFrames(t *testing.T) {
	var b = binary.AppendUvarint(nil, MaxFrameLen+1)
	var _, err = ReadFrame(bufio.NewReader(bytes.NewReader(b)))
	require.ErrorContains(t, err, "exceeds maximum")

	b = AppendFrame(nil, []byte("truncated"))
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(b[:len(b)-3])))
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestPartitionKeyDeriveAndSanitize(t *testing.T) {
	require.Equal(t, "A-B-S", DerivePartitionKey("A", "B", "S"))

	require.Equal(t, "ACC1-BOOK1/SEC_1", SanitizePartitionKey("ACC1-BOOK1/SEC_1"))
	require.Equal(t, "ACC_1-BOOK_1-SEC_1", SanitizePartitionKey("ACC 1-BOOK.1-SEC:1"))
	// Sanitizing twice is a no-op.
	var once = SanitizePartitionKey("a b:c")
	require.Equal(t, once, SanitizePartitionKey(once))
}
