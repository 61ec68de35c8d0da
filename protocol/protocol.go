// Package protocol defines the wire and persisted types of the trade-capture
// core, together with their length-delimited binary codec. Messages use
// protobuf-compatible tag/varint framing so that records remain readable as
// fields are added over time; unknown fields are skipped on decode.
package protocol

import (
	"fmt"
	"time"
)

// Source identifies how a trade entered the system.
type Source int32

const (
	SourceAutomated Source = 0
	SourceManual    Source = 1
)

// String returns the canonical name of the Source.
func (s Source) String() string {
	switch s {
	case SourceAutomated:
		return "AUTOMATED"
	case SourceManual:
		return "MANUAL"
	default:
		return fmt.Sprintf("Source(%d)", int32(s))
	}
}

// Validate returns an error if the Source is not a known value.
func (s Source) Validate() error {
	if s != SourceAutomated && s != SourceManual {
		return fmt.Errorf("invalid source (%d)", s)
	}
	return nil
}

// EnrichmentStatus is the outcome of reference-data enrichment.
type EnrichmentStatus string

const (
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentPartial  EnrichmentStatus = "PARTIAL"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
)

// WorkflowStatus is the approval-workflow disposition of a blotter.
type WorkflowStatus string

const (
	WorkflowPendingApproval WorkflowStatus = "PENDING_APPROVAL"
	WorkflowApproved        WorkflowStatus = "APPROVED"
	WorkflowRejected        WorkflowStatus = "REJECTED"
)

// PositionState is the CDM lifecycle state of a trading position.
type PositionState string

const (
	PositionExecuted  PositionState = "EXECUTED"
	PositionFormed    PositionState = "FORMED"
	PositionSettled   PositionState = "SETTLED"
	PositionCancelled PositionState = "CANCELLED"
	PositionClosed    PositionState = "CLOSED"
)

// Validate returns an error if the PositionState is not a known value.
func (p PositionState) Validate() error {
	switch p {
	case PositionExecuted, PositionFormed, PositionSettled, PositionCancelled, PositionClosed:
		return nil
	}
	return fmt.Errorf("invalid position state (%q)", string(p))
}

// PriceQuantity is one priced quantity of a trade lot.
type PriceQuantity struct {
	Quantity     float64
	QuantityUnit string
	Price        float64
	PriceUnit    string
}

// TradeLot is an ordered set of lot identifiers with their priced quantities.
type TradeLot struct {
	LotIDs          []string
	PriceQuantities []PriceQuantity
}

// ManualEntry records who keyed a MANUAL trade, and when.
type ManualEntry struct {
	EnteredBy      string
	EntryTimestamp time.Time
}

// TradeCaptureMessage is the ingress wire payload.
type TradeCaptureMessage struct {
	TradeID    string
	AccountID  string
	BookID     string
	SecurityID string
	Source     Source
	// TradeDate is the calendar date of the trade, in ISO-8601 date form.
	TradeDate string
	// TradeTimestamp is the absolute instant of the trade, with zone.
	TradeTimestamp time.Time
	// BookingTimestamp is the instant the trade was booked. A zero value
	// means "not provided" and defaults to TradeTimestamp.
	BookingTimestamp time.Time
	// SequenceNumber is strictly monotone per partition. Zero means
	// "not provided" and exempts the message from sequence validation.
	SequenceNumber uint64
	// IdempotencyKey defaults to TradeID when empty.
	IdempotencyKey  string
	CounterpartyIDs []string
	TradeLots       []TradeLot
	Metadata        map[string]string
	ManualEntry     *ManualEntry
	// PartitionKey is derived from (AccountID, BookID, SecurityID).
	// Producers and consumers derive it identically; it rides on the wire
	// so that routing never needs to re-parse the triple.
	PartitionKey string
}

// MaxTradeIDLen bounds TradeID per the wire contract.
const MaxTradeIDLen = 100

// Validate performs structural checks on the wire message. Semantic checks
// (ISIN shape, resolvable account/book, date bounds) belong to the
// validation service, not the codec.
func (m *TradeCaptureMessage) Validate() error {
	if m.TradeID == "" {
		return fmt.Errorf("missing tradeId")
	} else if len(m.TradeID) > MaxTradeIDLen {
		return fmt.Errorf("tradeId exceeds %d bytes (%d)", MaxTradeIDLen, len(m.TradeID))
	} else if m.AccountID == "" {
		return fmt.Errorf("missing accountId")
	} else if m.BookID == "" {
		return fmt.Errorf("missing bookId")
	} else if m.SecurityID == "" {
		return fmt.Errorf("missing securityId")
	} else if err := m.Source.Validate(); err != nil {
		return err
	} else if m.TradeTimestamp.IsZero() {
		return fmt.Errorf("missing tradeTimestamp")
	}
	return nil
}

// EffectiveIdempotencyKey is the IdempotencyKey, defaulting to TradeID.
func (m *TradeCaptureMessage) EffectiveIdempotencyKey() string {
	if m.IdempotencyKey != "" {
		return m.IdempotencyKey
	}
	return m.TradeID
}

// EffectiveBookingTimestamp is the BookingTimestamp, defaulting to TradeTimestamp.
func (m *TradeCaptureMessage) EffectiveBookingTimestamp() time.Time {
	if !m.BookingTimestamp.IsZero() {
		return m.BookingTimestamp
	}
	return m.TradeTimestamp
}

// EffectivePartitionKey is the PartitionKey, derived from the
// (account, book, security) triple when not present on the wire.
func (m *TradeCaptureMessage) EffectivePartitionKey() string {
	if m.PartitionKey != "" {
		return m.PartitionKey
	}
	if m.AccountID == "" || m.BookID == "" || m.SecurityID == "" {
		return ""
	}
	return DerivePartitionKey(m.AccountID, m.BookID, m.SecurityID)
}

// Contract is the economic contract derived during enrichment.
type Contract struct {
	ContractID   string
	SecurityName string
	SecurityType string
	Currency     string
	AccountName  string
	BookName     string
}

// ProcessingMetadata records how a blotter was produced.
type ProcessingMetadata struct {
	ProcessedAt      time.Time
	RulesApplied     []string
	Sources          []string
	ProcessingTimeMs int64
}

// SwapBlotter is the enriched, persisted form of a captured trade.
type SwapBlotter struct {
	TradeID            string
	PartitionKey       string
	TradeLots          []TradeLot
	Contract           Contract
	State              PositionState
	EnrichmentStatus   EnrichmentStatus
	WorkflowStatus     WorkflowStatus
	ProcessingMetadata ProcessingMetadata
	// Version is a monotone counter used for optimistic concurrency.
	Version int64
}

// Header is a name/value pair carried alongside a broker payload.
type Header struct {
	Name  string
	Value string
}

// Envelope wraps a payload with its routing key and headers for transports
// which carry raw bytes (the gazette journal flavour). The mem broker keeps
// structured messages and does not envelope.
type Envelope struct {
	Key     string
	Headers []Header
	Payload []byte
}

// HeaderMap converts an Envelope's headers to a map, last-writer-wins.
func (e *Envelope) HeaderMap() map[string]string {
	if len(e.Headers) == 0 {
		return nil
	}
	var out = make(map[string]string, len(e.Headers))
	for _, h := range e.Headers {
		out[h.Name] = h.Value
	}
	return out
}
