package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
)

// FromWatermill converts Watermill metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts a Metadata map into Watermill metadata.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// FromNATSHeader keeps the first value of each NATS header.
func FromNATSHeader(h nats.Header) Metadata {
	if len(h) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		result[k] = vs[0]
	}
	return result
}

// ToNATSHeader writes every entry into h without canonicalising the key.
func ToNATSHeader(metadata Metadata, h nats.Header) {
	for k, v := range metadata {
		h[k] = []string{v}
	}
}
