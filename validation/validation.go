// Package validation performs structural and semantic checks on
// trade-capture requests, accumulating every violation rather than
// stopping at the first.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/crossrate/tradecap/protocol"
)

// MaxIdentifierLen bounds account, book and counterparty identifiers.
const MaxIdentifierLen = 64

// FieldError is one violated check.
type FieldError struct {
	Field   string
	Message string
}

// Error aggregates every violated check of one request.
type Error struct {
	TradeID string
	Fields  []FieldError
}

func (e *Error) Error() string {
	var parts = make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("trade %q failed validation: %s", e.TradeID, strings.Join(parts, "; "))
}

// Validate checks |msg| against the capture rules. It returns nil or an
// *Error listing every violation.
func Validate(msg *protocol.TradeCaptureMessage, now time.Time) error {
	var fields []FieldError
	var add = func(field, format string, args ...any) {
		fields = append(fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if msg.TradeID == "" {
		add("tradeId", "must not be empty")
	} else if len(msg.TradeID) > protocol.MaxTradeIDLen {
		add("tradeId", "exceeds %d bytes", protocol.MaxTradeIDLen)
	}

	if msg.AccountID == "" {
		add("accountId", "must not be empty")
	} else if len(msg.AccountID) > MaxIdentifierLen {
		add("accountId", "exceeds %d bytes", MaxIdentifierLen)
	}
	if msg.BookID == "" {
		add("bookId", "must not be empty")
	} else if len(msg.BookID) > MaxIdentifierLen {
		add("bookId", "exceeds %d bytes", MaxIdentifierLen)
	}

	if !isISIN(msg.SecurityID) {
		add("securityId", "%q is not a 12 character alphanumeric identifier", msg.SecurityID)
	}

	if len(msg.CounterpartyIDs) == 0 {
		add("counterpartyIds", "must not be empty")
	}
	for i, cp := range msg.CounterpartyIDs {
		if cp == "" || len(cp) > MaxIdentifierLen {
			add(fmt.Sprintf("counterpartyIds[%d]", i), "must be 1..%d bytes", MaxIdentifierLen)
		}
	}

	if len(msg.TradeLots) == 0 {
		add("tradeLots", "must not be empty")
	}
	for i, lot := range msg.TradeLots {
		if len(lot.PriceQuantities) == 0 {
			add(fmt.Sprintf("tradeLots[%d]", i), "must have at least one price quantity")
		}
		for j, pq := range lot.PriceQuantities {
			if pq.Quantity <= 0 {
				add(fmt.Sprintf("tradeLots[%d].priceQuantities[%d].quantity", i, j), "must be positive")
			}
			if pq.Price <= 0 {
				add(fmt.Sprintf("tradeLots[%d].priceQuantities[%d].price", i, j), "must be positive")
			}
		}
	}

	if msg.TradeDate == "" {
		add("tradeDate", "must not be empty")
	} else if date, err := time.Parse("2006-01-02", msg.TradeDate); err != nil {
		add("tradeDate", "%q is not a calendar date", msg.TradeDate)
	} else if today := now.UTC().Truncate(24 * time.Hour); date.After(today) {
		add("tradeDate", "%q is in the future", msg.TradeDate)
	}

	if len(fields) != 0 {
		return &Error{TradeID: msg.TradeID, Fields: fields}
	}
	return nil
}

// ValidateResolution confirms the account/book pair resolved against the
// account master. The security side is deliberately lenient: a missing
// security degrades enrichment to PARTIAL instead of failing the trade.
func ValidateResolution(msg *protocol.TradeCaptureMessage, accountResolved bool) error {
	if accountResolved {
		return nil
	}
	return &Error{TradeID: msg.TradeID, Fields: []FieldError{{
		Field:   "accountId/bookId",
		Message: fmt.Sprintf("pair %s/%s does not resolve to a book", msg.AccountID, msg.BookID),
	}}}
}

// isISIN applies the security-identifier format rule: exactly 12
// alphanumeric characters.
func isISIN(s string) bool {
	if len(s) != 12 {
		return false
	}
	for i := 0; i < len(s); i++ {
		var c = s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
