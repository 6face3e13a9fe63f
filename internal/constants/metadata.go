// Package constants defines the reserved MQTT user-property names used to
// carry protocol metadata alongside a message payload.
package constants

// Protocol user property keys.
const (
	Protocol = "__"

	SenderClientID  = Protocol + "sndId"
	InvokerClientID = Protocol + "invId"
	Timestamp       = Protocol + "ts"
	FencingToken    = Protocol + "ft"
	ProtocolVersion = Protocol + "protVer"

	Status                        = Protocol + "stat"
	StatusMessage                 = Protocol + "stMsg"
	IsApplicationError            = Protocol + "apErr"
	InvalidPropertyName           = Protocol + "propName"
	InvalidPropertyValue          = Protocol + "propVal"
	SupportedProtocolMajorVersion = Protocol + "supProtMajVer"
	RequestProtocolVersion        = Protocol + "requestProtVer"

	// ChunkHeader carries the chunking sub-protocol's JSON-encoded sequence
	// header (message id, chunk index, and on the lead chunk, the total
	// count, checksum, and reassembly timeout).
	ChunkHeader = Protocol + "chunk"
)

// MQ user property keys.
const Partition = "$partition"

// Standard names for MQTT properties.
const (
	ContentType     = "Content Type"
	FormatIndicator = "Payload Format Indicator"
	CorrelationData = "Correlation Data"
	ResponseTopic   = "Response Topic"
	MessageExpiry   = "Message Expiry"
)
