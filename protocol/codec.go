package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Wire types of the tag/varint framing.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
)

// Timestamps travel as ISO-8601 strings with offset.
const timestampLayout = time.RFC3339Nano

// MaxFrameLen bounds a single length-delimited record. A frame larger than
// this is treated as corruption rather than an allocation request.
const MaxFrameLen = 1 << 22 // 4MB.

func appendTag(b []byte, field, wire int) []byte {
	return binary.AppendUvarint(b, uint64(field)<<3|uint64(wire))
}

func appendString(b []byte, field int, s string) []byte {
	if s == "" {
		return b
	}
	b = appendTag(b, field, wireBytes)
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, field int, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = appendTag(b, field, wireBytes)
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendUint(b []byte, field int, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = appendTag(b, field, wireVarint)
	return binary.AppendUvarint(b, v)
}

func appendDouble(b []byte, field int, v float64) []byte {
	if v == 0 {
		return b
	}
	b = appendTag(b, field, wireFixed64)
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
}

func appendTimestamp(b []byte, field int, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendString(b, field, t.Format(timestampLayout))
}

// decoder walks the fields of a single marshalled message.
type decoder struct {
	b []byte
	i int
}

func (d *decoder) done() bool { return d.i >= len(d.b) }

func (d *decoder) next() (field, wire int, err error) {
	var tag, n = binary.Uvarint(d.b[d.i:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed field tag at offset %d", d.i)
	}
	d.i += n
	return int(tag >> 3), int(tag & 7), nil
}

func (d *decoder) uintVal() (uint64, error) {
	var v, n = binary.Uvarint(d.b[d.i:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint at offset %d", d.i)
	}
	d.i += n
	return v, nil
}

func (d *decoder) doubleVal() (float64, error) {
	if d.i+8 > len(d.b) {
		return 0, fmt.Errorf("truncated fixed64 at offset %d", d.i)
	}
	var v = binary.LittleEndian.Uint64(d.b[d.i:])
	d.i += 8
	return math.Float64frombits(v), nil
}

func (d *decoder) bytesVal() ([]byte, error) {
	var l, n = binary.Uvarint(d.b[d.i:])
	if n <= 0 {
		return nil, fmt.Errorf("malformed length at offset %d", d.i)
	}
	d.i += n
	if uint64(len(d.b)-d.i) < l {
		return nil, fmt.Errorf("truncated bytes field at offset %d", d.i)
	}
	var out = d.b[d.i : d.i+int(l)]
	d.i += int(l)
	return out, nil
}

func (d *decoder) stringVal() (string, error) {
	var b, err = d.bytesVal()
	return string(b), err
}

func (d *decoder) timestampVal() (time.Time, error) {
	var s, err = d.stringVal()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// skip discards one field value of the given wire type. Unknown fields are
// skipped rather than failing, which is what keeps the format evolvable.
func (d *decoder) skip(wire int) error {
	switch wire {
	case wireVarint:
		var _, err = d.uintVal()
		return err
	case wireFixed64:
		var _, err = d.doubleVal()
		return err
	case wireBytes:
		var _, err = d.bytesVal()
		return err
	default:
		return fmt.Errorf("unknown wire type (%d)", wire)
	}
}

// TradeCaptureMessage field numbers.
const (
	tcmTradeID = 1 + iota
	tcmAccountID
	tcmBookID
	tcmSecurityID
	tcmSource
	tcmTradeDate
	tcmTradeTimestamp
	tcmBookingTimestamp
	tcmSequenceNumber
	tcmIdempotencyKey
	tcmCounterpartyID
	tcmTradeLot
	tcmMetadata
	tcmManualEntry
	tcmPartitionKey
)

// Marshal encodes the message into its wire form.
func (m *TradeCaptureMessage) Marshal() ([]byte, error) {
	var b = make([]byte, 0, 256)
	b = appendString(b, tcmTradeID, m.TradeID)
	b = appendString(b, tcmAccountID, m.AccountID)
	b = appendString(b, tcmBookID, m.BookID)
	b = appendString(b, tcmSecurityID, m.SecurityID)
	b = appendUint(b, tcmSource, uint64(m.Source))
	b = appendString(b, tcmTradeDate, m.TradeDate)
	b = appendTimestamp(b, tcmTradeTimestamp, m.TradeTimestamp)
	b = appendTimestamp(b, tcmBookingTimestamp, m.BookingTimestamp)
	b = appendUint(b, tcmSequenceNumber, m.SequenceNumber)
	b = appendString(b, tcmIdempotencyKey, m.IdempotencyKey)
	for _, c := range m.CounterpartyIDs {
		b = appendString(b, tcmCounterpartyID, c)
	}
	for i := range m.TradeLots {
		var sub, err = m.TradeLots[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, tcmTradeLot, sub)
	}
	// Metadata entries are sorted so that marshalling is deterministic.
	var keys = make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.Metadata[k])
		b = appendBytes(b, tcmMetadata, entry)
	}
	if m.ManualEntry != nil {
		var entry []byte
		entry = appendString(entry, 1, m.ManualEntry.EnteredBy)
		entry = appendTimestamp(entry, 2, m.ManualEntry.EntryTimestamp)
		b = appendBytes(b, tcmManualEntry, entry)
	}
	b = appendString(b, tcmPartitionKey, m.PartitionKey)
	return b, nil
}

// Unmarshal decodes the message from its wire form.
func (m *TradeCaptureMessage) Unmarshal(b []byte) error {
	*m = TradeCaptureMessage{}
	var d = decoder{b: b}

	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case tcmTradeID:
			m.TradeID, err = d.stringVal()
		case tcmAccountID:
			m.AccountID, err = d.stringVal()
		case tcmBookID:
			m.BookID, err = d.stringVal()
		case tcmSecurityID:
			m.SecurityID, err = d.stringVal()
		case tcmSource:
			var v uint64
			if v, err = d.uintVal(); err == nil {
				m.Source = Source(v)
			}
		case tcmTradeDate:
			m.TradeDate, err = d.stringVal()
		case tcmTradeTimestamp:
			m.TradeTimestamp, err = d.timestampVal()
		case tcmBookingTimestamp:
			m.BookingTimestamp, err = d.timestampVal()
		case tcmSequenceNumber:
			m.SequenceNumber, err = d.uintVal()
		case tcmIdempotencyKey:
			m.IdempotencyKey, err = d.stringVal()
		case tcmCounterpartyID:
			var s string
			if s, err = d.stringVal(); err == nil {
				m.CounterpartyIDs = append(m.CounterpartyIDs, s)
			}
		case tcmTradeLot:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var lot TradeLot
				if err = lot.Unmarshal(sub); err == nil {
					m.TradeLots = append(m.TradeLots, lot)
				}
			}
		case tcmMetadata:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var k, v string
				if k, v, err = unmarshalPair(sub); err == nil {
					if m.Metadata == nil {
						m.Metadata = make(map[string]string)
					}
					m.Metadata[k] = v
				}
			}
		case tcmManualEntry:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var entry ManualEntry
				if err = entry.unmarshal(sub); err == nil {
					m.ManualEntry = &entry
				}
			}
		case tcmPartitionKey:
			m.PartitionKey, err = d.stringVal()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", field, err)
		}
	}
	return nil
}

// Marshal encodes the lot.
func (l *TradeLot) Marshal() ([]byte, error) {
	var b []byte
	for _, id := range l.LotIDs {
		b = appendString(b, 1, id)
	}
	for i := range l.PriceQuantities {
		var pq = &l.PriceQuantities[i]
		var sub []byte
		sub = appendDouble(sub, 1, pq.Quantity)
		sub = appendString(sub, 2, pq.QuantityUnit)
		sub = appendDouble(sub, 3, pq.Price)
		sub = appendString(sub, 4, pq.PriceUnit)
		b = appendBytes(b, 2, sub)
	}
	return b, nil
}

// Unmarshal decodes the lot.
func (l *TradeLot) Unmarshal(b []byte) error {
	*l = TradeLot{}
	var d = decoder{b: b}

	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			var s string
			if s, err = d.stringVal(); err == nil {
				l.LotIDs = append(l.LotIDs, s)
			}
		case 2:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var pq PriceQuantity
				if err = pq.unmarshal(sub); err == nil {
					l.PriceQuantities = append(l.PriceQuantities, pq)
				}
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (pq *PriceQuantity) unmarshal(b []byte) error {
	var d = decoder{b: b}
	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			pq.Quantity, err = d.doubleVal()
		case 2:
			pq.QuantityUnit, err = d.stringVal()
		case 3:
			pq.Price, err = d.doubleVal()
		case 4:
			pq.PriceUnit, err = d.stringVal()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *ManualEntry) unmarshal(b []byte) error {
	var d = decoder{b: b}
	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			e.EnteredBy, err = d.stringVal()
		case 2:
			e.EntryTimestamp, err = d.timestampVal()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func unmarshalPair(b []byte) (k, v string, err error) {
	var d = decoder{b: b}
	for !d.done() {
		var field, wire int
		if field, wire, err = d.next(); err != nil {
			return
		}
		switch field {
		case 1:
			k, err = d.stringVal()
		case 2:
			v, err = d.stringVal()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return
		}
	}
	return
}

// SwapBlotter field numbers.
const (
	sbTradeID = 1 + iota
	sbPartitionKey
	sbTradeLot
	sbContract
	sbState
	sbEnrichmentStatus
	sbWorkflowStatus
	sbProcessingMetadata
	sbVersion
)

// Marshal encodes the blotter into its canonical serialization, which is
// both the persisted blob form and the egress payload.
func (s *SwapBlotter) Marshal() ([]byte, error) {
	var b = make([]byte, 0, 256)
	b = appendString(b, sbTradeID, s.TradeID)
	b = appendString(b, sbPartitionKey, s.PartitionKey)
	for i := range s.TradeLots {
		var sub, err = s.TradeLots[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, sbTradeLot, sub)
	}
	var contract []byte
	contract = appendString(contract, 1, s.Contract.ContractID)
	contract = appendString(contract, 2, s.Contract.SecurityName)
	contract = appendString(contract, 3, s.Contract.SecurityType)
	contract = appendString(contract, 4, s.Contract.Currency)
	contract = appendString(contract, 5, s.Contract.AccountName)
	contract = appendString(contract, 6, s.Contract.BookName)
	b = appendBytes(b, sbContract, contract)

	b = appendString(b, sbState, string(s.State))
	b = appendString(b, sbEnrichmentStatus, string(s.EnrichmentStatus))
	b = appendString(b, sbWorkflowStatus, string(s.WorkflowStatus))

	var meta []byte
	meta = appendTimestamp(meta, 1, s.ProcessingMetadata.ProcessedAt)
	for _, r := range s.ProcessingMetadata.RulesApplied {
		meta = appendString(meta, 2, r)
	}
	for _, src := range s.ProcessingMetadata.Sources {
		meta = appendString(meta, 3, src)
	}
	meta = appendUint(meta, 4, uint64(s.ProcessingMetadata.ProcessingTimeMs))
	b = appendBytes(b, sbProcessingMetadata, meta)

	b = appendUint(b, sbVersion, uint64(s.Version))
	return b, nil
}

// Unmarshal decodes the blotter from its canonical serialization.
func (s *SwapBlotter) Unmarshal(b []byte) error {
	*s = SwapBlotter{}
	var d = decoder{b: b}

	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case sbTradeID:
			s.TradeID, err = d.stringVal()
		case sbPartitionKey:
			s.PartitionKey, err = d.stringVal()
		case sbTradeLot:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var lot TradeLot
				if err = lot.Unmarshal(sub); err == nil {
					s.TradeLots = append(s.TradeLots, lot)
				}
			}
		case sbContract:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				err = s.Contract.unmarshal(sub)
			}
		case sbState:
			var v string
			if v, err = d.stringVal(); err == nil {
				s.State = PositionState(v)
			}
		case sbEnrichmentStatus:
			var v string
			if v, err = d.stringVal(); err == nil {
				s.EnrichmentStatus = EnrichmentStatus(v)
			}
		case sbWorkflowStatus:
			var v string
			if v, err = d.stringVal(); err == nil {
				s.WorkflowStatus = WorkflowStatus(v)
			}
		case sbProcessingMetadata:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				err = s.ProcessingMetadata.unmarshal(sub)
			}
		case sbVersion:
			var v uint64
			if v, err = d.uintVal(); err == nil {
				s.Version = int64(v)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", field, err)
		}
	}
	return nil
}

func (c *Contract) unmarshal(b []byte) error {
	var d = decoder{b: b}
	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			c.ContractID, err = d.stringVal()
		case 2:
			c.SecurityName, err = d.stringVal()
		case 3:
			c.SecurityType, err = d.stringVal()
		case 4:
			c.Currency, err = d.stringVal()
		case 5:
			c.AccountName, err = d.stringVal()
		case 6:
			c.BookName, err = d.stringVal()
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcessingMetadata) unmarshal(b []byte) error {
	var d = decoder{b: b}
	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			p.ProcessedAt, err = d.timestampVal()
		case 2:
			var s string
			if s, err = d.stringVal(); err == nil {
				p.RulesApplied = append(p.RulesApplied, s)
			}
		case 3:
			var s string
			if s, err = d.stringVal(); err == nil {
				p.Sources = append(p.Sources, s)
			}
		case 4:
			var v uint64
			if v, err = d.uintVal(); err == nil {
				p.ProcessingTimeMs = int64(v)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	var b = make([]byte, 0, 64+len(e.Payload))
	b = appendString(b, 1, e.Key)
	for _, h := range e.Headers {
		var sub []byte
		sub = appendString(sub, 1, h.Name)
		sub = appendString(sub, 2, h.Value)
		b = appendBytes(b, 2, sub)
	}
	b = appendBytes(b, 3, e.Payload)
	return b, nil
}

// Unmarshal decodes the envelope.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	var d = decoder{b: b}

	for !d.done() {
		var field, wire, err = d.next()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			e.Key, err = d.stringVal()
		case 2:
			var sub []byte
			if sub, err = d.bytesVal(); err == nil {
				var k, v string
				if k, v, err = unmarshalPair(sub); err == nil {
					e.Headers = append(e.Headers, Header{Name: k, Value: v})
				}
			}
		case 3:
			var p []byte
			if p, err = d.bytesVal(); err == nil {
				e.Payload = append([]byte(nil), p...)
			}
		default:
			err = d.skip(wire)
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", field, err)
		}
	}
	return nil
}

// AppendFrame appends a length-delimited record to |b|.
func AppendFrame(b, record []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(record)))
	return append(b, record...)
}

// ReadFrame reads the next length-delimited record. It returns io.EOF at a
// clean record boundary, and io.ErrUnexpectedEOF on a partial frame.
func ReadFrame(br *bufio.Reader) ([]byte, error) {
	var l, err = binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	} else if l > MaxFrameLen {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum (%d)", l, MaxFrameLen)
	}
	var record = make([]byte, l)
	if _, err = io.ReadFull(br, record); err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	}
	return record, nil
}
