package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidFrame marks an inbound frame that failed schema validation.
var ErrInvalidFrame = errors.New("invalid event frame")

// inboundFrameSchema is the contract for file-bearing event frames pushed
// over the event stream. Frames of other types only need eventId and type.
const inboundFrameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventId", "type"],
  "properties": {
    "eventId": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "chatId": {"type": "string"},
    "messageId": {"type": "string"},
    "file": {
      "type": "object",
      "required": ["resourceId"],
      "properties": {
        "resourceId": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "kind": {"type": "string", "enum": ["image", "video", "voice", "file"]}
      }
    }
  },
  "if": {"properties": {"type": {"const": "message.file"}}},
  "then": {"required": ["eventId", "type", "chatId", "messageId", "file"]}
}`

type inboundFrame struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	File      struct {
		ResourceID string `json:"resourceId"`
		Name       string `json:"name"`
		Kind       string `json:"kind"`
	} `json:"file"`
}

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(inboundFrameSchema)))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inbound-frame.json", doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchema, frameSchemaErr = compiler.Compile("inbound-frame.json")
	})
	return frameSchema, frameSchemaErr
}

// decodeInboundFrame validates a raw frame against the schema and decodes
// it. Validation failures wrap ErrInvalidFrame so the listener can drop the
// frame without tearing down the connection.
func decodeInboundFrame(data []byte) (inboundFrame, error) {
	schema, err := compiledFrameSchema()
	if err != nil {
		return inboundFrame{}, fmt.Errorf("compile frame schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := schema.Validate(doc); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return frame, nil
}
