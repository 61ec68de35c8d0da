package refdata

import (
	"context"

	"github.com/crossrate/tradecap/protocol"
)

// Mock returns deterministic canned reference data for local development
// and tests. Identifiers listed in Missing resolve to ErrNotFound.
type Mock struct {
	Missing map[string]bool
}

// Security implements Client.
func (m *Mock) Security(_ context.Context, securityID string) (*Security, error) {
	if m.Missing[securityID] {
		return nil, ErrNotFound
	}
	return &Security{
		SecurityID:   securityID,
		SecurityName: "Security " + securityID,
		SecurityType: "EQUITY",
		Currency:     "USD",
	}, nil
}

// Account implements Client.
func (m *Mock) Account(_ context.Context, accountID, bookID string) (*Account, error) {
	if m.Missing[accountID] || m.Missing[bookID] {
		return nil, ErrNotFound
	}
	return &Account{
		AccountID:   accountID,
		BookID:      bookID,
		AccountName: "Account " + accountID,
		BookName:    "Book " + bookID,
	}, nil
}

var _ Client = (*Mock)(nil)

// MockApprover approves every submission, or answers with a fixed status.
type MockApprover struct {
	Status protocol.WorkflowStatus
}

// Submit implements Approver.
func (m *MockApprover) Submit(context.Context, *protocol.SwapBlotter) (protocol.WorkflowStatus, error) {
	if m.Status != "" {
		return m.Status, nil
	}
	return protocol.WorkflowApproved, nil
}

var _ Approver = (*MockApprover)(nil)
