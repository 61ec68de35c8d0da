package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/protocol"
)

var now = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func valid() *protocol.TradeCaptureMessage {
	return &protocol.TradeCaptureMessage{
		TradeID:         "T1",
		AccountID:       "ACC1",
		BookID:          "BOOK1",
		SecurityID:      "US0378331005",
		TradeDate:       "2024-01-31",
		TradeTimestamp:  now,
		CounterpartyIDs: []string{"CP1"},
		TradeLots: []protocol.TradeLot{{
			LotIDs:          []string{"L1"},
			PriceQuantities: []protocol.PriceQuantity{{Quantity: 100, QuantityUnit: "SHARES", Price: 10, PriceUnit: "USD"}},
		}},
	}
}

func TestValidPasses(t *testing.T) {
	require.NoError(t, Validate(valid(), now))
}

func TestViolationsAreAccumulated(t *testing.T) {
	var msg = valid()
	msg.TradeID = ""
	msg.SecurityID = "NOT-AN-ISIN"
	msg.CounterpartyIDs = nil
	msg.TradeLots = nil
	msg.TradeDate = "2024-02-02"

	var err = Validate(msg, now)
	require.Error(t, err)

	var verr = err.(*Error)
	var fields []string
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	require.Equal(t, []string{"tradeId", "securityId", "counterpartyIds", "tradeLots", "tradeDate"}, fields)
}

func TestSecurityIdentifierFormat(t *testing.T) {
	for _, bad := range []string{"", "SHORT", "US03783310051", "US03783-1005"} {
		var msg = valid()
		msg.SecurityID = bad
		require.ErrorContains(t, Validate(msg, now), "securityId", "id %q", bad)
	}
	var msg = valid()
	msg.SecurityID = "us0378331005" // Lower case is structurally accepted.
	require.NoError(t, Validate(msg, now))
}

func TestFutureTradeDateRejected(t *testing.T) {
	var msg = valid()
	msg.TradeDate = "2024-02-01" // Today is allowed.
	require.NoError(t, Validate(msg, now))

	msg.TradeDate = "2024-02-02"
	require.ErrorContains(t, Validate(msg, now), "in the future")
}

func TestBoundsChecks(t *testing.T) {
	var msg = valid()
	msg.TradeID = strings.Repeat("x", protocol.MaxTradeIDLen+1)
	require.ErrorContains(t, Validate(msg, now), "tradeId")

	msg = valid()
	msg.AccountID = strings.Repeat("a", MaxIdentifierLen+1)
	require.ErrorContains(t, Validate(msg, now), "accountId")

	msg = valid()
	msg.TradeLots[0].PriceQuantities[0].Quantity = 0
	require.ErrorContains(t, Validate(msg, now), "quantity")

	msg = valid()
	msg.TradeLots[0].PriceQuantities = nil
	require.ErrorContains(t, Validate(msg, now), "price quantity")
}

func TestResolutionCheck(t *testing.T) {
	var msg = valid()
	require.NoError(t, ValidateResolution(msg, true))
	require.ErrorContains(t, ValidateResolution(msg, false), "does not resolve to a book")
}
