package protocol

import "strings"

// PartitionKeySeparator joins the (account, book, security) triple.
const PartitionKeySeparator = "-"

// DerivePartitionKey builds the deterministic partition key of a trade.
// Producers and consumers must agree on this derivation exactly.
func DerivePartitionKey(accountID, bookID, securityID string) string {
	return accountID + PartitionKeySeparator + bookID + PartitionKeySeparator + securityID
}

// SanitizePartitionKey maps a partition key into the topic-name alphabet:
// alphanumerics, '_', '-' and '/' pass through, and every other byte is
// replaced with '_'. Sanitizing an already-sanitized key is a no-op.
func SanitizePartitionKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		var c = key[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '_', c == '-', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
