package serializers

import (
	"github.com/square-key-labs/strawgo-call/src/frames"
)

// SerializerType defines the serialization format type
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameSerializer converts frames to and from a client wire protocol.
type FrameSerializer interface {
	// Type returns the serialization type (binary or text)
	Type() SerializerType

	// Setup initializes the serializer with startup configuration
	Setup(frame frames.Frame) error

	// Serialize converts a frame to []byte (binary message), string (text
	// message) or nil when the frame has no wire form.
	Serialize(frame frames.Frame) (interface{}, error)

	// Deserialize converts a binary ([]byte) or text (string) message to a
	// frame. A nil frame with a nil error means the message is ignored.
	Deserialize(data interface{}) (frames.Frame, error)

	// Cleanup releases any resources held by the serializer
	Cleanup() error
}
