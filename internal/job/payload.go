package job

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/serialization"
)

// DefaultSerializer is the codec used for payloads created through this
// package. Protobuf by default; the format prefix keeps JSON readable too.
var DefaultSerializer = serialization.NewProtobufSerializer()

// NewWithProto creates a job whose payload is a protobuf message.
func NewWithProto(jobType string, payload proto.Message, cfg *Config) (*Job, error) {
	data, err := DefaultSerializer.Marshal(payload)
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeInvalidPayload, "payload not serializable", err)
	}
	return New(jobType, data, cfg)
}

// NewWithJSON creates a job whose payload is an arbitrary JSON-serializable
// value.
func NewWithJSON(jobType string, payload interface{}, cfg *Config) (*Job, error) {
	data, err := serialization.NewJSONSerializer().Marshal(payload)
	if err != nil {
		return nil, joberr.Wrap(joberr.CodeInvalidPayload, "payload not serializable", err)
	}
	return New(jobType, data, cfg)
}

// UnmarshalPayload deserializes the payload into v, detecting the format.
func (j *Job) UnmarshalPayload(v interface{}) error {
	if err := DefaultSerializer.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	return nil
}

// UnmarshalPayloadProto deserializes the payload into a protobuf message.
func (j *Job) UnmarshalPayloadProto(msg proto.Message) error {
	return j.UnmarshalPayload(msg)
}

// PayloadFormat returns the detected payload format.
func (j *Job) PayloadFormat() (serialization.PayloadFormat, error) {
	return DefaultSerializer.GetFormat(j.Payload)
}
