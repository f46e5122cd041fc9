package transport

// Capabilities describes the features supported by a bus backend.
type Capabilities struct {
	// SupportsHeaders indicates message metadata travels as transport headers,
	// which trace propagation relies on.
	SupportsHeaders bool

	// SupportsDeduplication indicates the bus can drop redelivered requests that
	// carry the same deduplication key.
	SupportsDeduplication bool

	// SupportsWildcards indicates subscriptions may use subject wildcards.
	SupportsWildcards bool

	// InProcess indicates the bus never leaves the current process.
	InProcess bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the bus.
	Name string
}

// FitsPayload reports whether a payload of size bytes can be published.
func (c Capabilities) FitsPayload(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in buses.
var (
	// ChannelCapabilities for the in-memory Watermill gochannel bus.
	ChannelCapabilities = Capabilities{
		Name:            "channel",
		SupportsHeaders: true,
		InProcess:       true,
	}

	// NATSCapabilities for NATS Core. Deduplication of Nats-Msg-Id needs a
	// JetStream stream in front of the backend.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsHeaders:   true,
		SupportsWildcards: true,
		MaxMessageSize:    1048576, // server default 1MB
	}
)

// GetCapabilities returns the capabilities for a bus by name.
// Returns a Capabilities value carrying only the name if the bus is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
