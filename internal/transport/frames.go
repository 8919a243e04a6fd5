package transport

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"contauth/internal/telemetry"
)

//go:embed schema/frame.schema.json
var frameSchemaJSON []byte

const frameSchemaURL = "https://contauth.dev/schemas/frame.schema.json"

// ErrInvalidFrame wraps schema and decode failures for inbound frames.
var ErrInvalidFrame = errors.New("transport: invalid frame")

// Inbound frame types.
const (
	FrameEvents = "events"
	FramePing   = "ping"
)

// Outbound frame types.
const (
	FrameHello          = "hello"
	FrameSample         = "sample"
	FrameReauthRequired = "reauth_required"
	FrameSessionEnded   = "session_ended"
	FramePong           = "pong"
	FrameError          = "error"
)

type inboundFrame struct {
	Type   string            `json:"type"`
	Events []telemetry.Event `json:"events,omitempty"`
}

type outboundFrame struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// FrameValidator checks inbound frames against the embedded JSON Schema.
type FrameValidator struct {
	schema *jsonschema.Schema
}

// NewFrameValidator compiles the embedded schema.
func NewFrameValidator() (*FrameValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(frameSchemaURL, bytes.NewReader(frameSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &FrameValidator{schema: schema}, nil
}

// Decode validates raw and decodes it. Events without a timestamp are
// stamped with now.
func (v *FrameValidator) Decode(raw []byte, now time.Time) (inboundFrame, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	for i := range f.Events {
		if f.Events[i].At.IsZero() {
			f.Events[i].At = now
		}
	}
	return f, nil
}

func encodeFrame(typ string, data interface{}) []byte {
	b, err := json.Marshal(outboundFrame{Type: typ, Data: data})
	if err != nil {
		b, _ = json.Marshal(outboundFrame{Type: FrameError, Error: err.Error()})
	}
	return b
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(outboundFrame{Type: FrameError, Error: err.Error()})
	return b
}
