// Package transports imports all built-in buses for auto-registration.
// Import this package to have every bus registered with the default registry.
package transports

import (
	// Import all buses for side-effect registration
	_ "github.com/CodingFlow/http-to-nats-proxy/transport/channel"
	_ "github.com/CodingFlow/http-to-nats-proxy/transport/nats"
)
