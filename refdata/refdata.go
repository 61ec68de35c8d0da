// Package refdata wraps the external reference services (security master,
// account master, approval workflow) with per-call timeouts, bounded
// retries, and circuit breakers. A tripped breaker or exhausted retry
// degrades to "not found" rather than an error, so that enrichment can
// proceed PARTIAL.
package refdata

import (
	"context"
	"errors"

	"github.com/crossrate/tradecap/protocol"
)

// ErrNotFound is the degraded outcome of a lookup: absent, timed out, or
// short-circuited by an open breaker.
var ErrNotFound = errors.New("reference data not found")

// Security is a security-master record.
type Security struct {
	SecurityID   string `json:"securityId"`
	SecurityName string `json:"securityName"`
	SecurityType string `json:"securityType"`
	Currency     string `json:"currency"`
}

// Account is an account-master record for an (account, book) pair.
type Account struct {
	AccountID   string `json:"accountId"`
	BookID      string `json:"bookId"`
	AccountName string `json:"accountName"`
	BookName    string `json:"bookName"`
}

// Client resolves reference data.
type Client interface {
	// Security resolves a security by identifier, or ErrNotFound.
	Security(ctx context.Context, securityID string) (*Security, error)
	// Account resolves an (account, book) pair, or ErrNotFound.
	Account(ctx context.Context, accountID, bookID string) (*Account, error)
}

// Approver submits a blotter to the approval workflow and reports its
// disposition.
type Approver interface {
	Submit(ctx context.Context, blotter *protocol.SwapBlotter) (protocol.WorkflowStatus, error)
}
