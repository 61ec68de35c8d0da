package labels

// Message header names carried on broker envelopes.
const (
	// TradeID is the business identifier of the captured trade.
	TradeID = "tradeId"
	// PartitionKey is the derived serial-processing shard of a message.
	PartitionKey = "partitionKey"
	// MessageType distinguishes payload kinds on shared topics.
	MessageType = "messageType"
	// RoutedFrom records the ingress topic a routed message was consumed from.
	RoutedFrom = "routedFrom"
	// JobID correlates an API-initiated trade with its job-status entry.
	JobID = "jobId"
	// SourceAPI names the API surface which accepted a trade, when any did.
	SourceAPI = "sourceApi"
	// PublishTimestamp is the instant at which the ingress publisher
	// converted and published the request, in RFC 3339 form.
	PublishTimestamp = "publishTimestamp"
)

// DLQ header names. A dead-lettered payload is always enveloped with all three.
const (
	DLQError     = "dlq_error"
	DLQTimestamp = "dlq_timestamp"
	DLQReason    = "dlq_reason"
)

// MessageType values.
const (
	MessageTypeTradeCapture = "trade-capture"
	MessageTypeSwapBlotter  = "swap-blotter"
)

// Topic names. Partition subtopics are formed by joining InputTopic with a
// sanitized partition key, eg "trade/capture/input/ACC1-BOOK1-SEC1".
const (
	InputTopic     = "trade/capture/input"
	DLQTopic       = "trade/capture/dlq"
	RouterDLQTopic = "trade/capture/router/dlq"
	OutputTopic    = "trade/capture/blotter"
)

// PartitionSubtopicPattern matches every partition subtopic.
const PartitionSubtopicPattern = InputTopic + "/*"

// PartitionSubtopic returns the partition-specific subtopic of a sanitized
// partition key.
func PartitionSubtopic(sanitizedKey string) string {
	return InputTopic + "/" + sanitizedKey
}
