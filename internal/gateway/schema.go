package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// clientFrame is the only inbound shape streaming clients may send.
// The stream is push-oriented; inbound traffic is limited to ping.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

var clientFrameSchemas frameSchemaRegistry

func initClientFrameSchema() error {
	clientFrameSchemas.once.Do(func() {
		schema, err := jsonschema.CompileString("client_frame", clientFrameSchema)
		if err != nil {
			clientFrameSchemas.initErr = err
			return
		}
		clientFrameSchemas.schema = schema
	})
	return clientFrameSchemas.initErr
}

func validateClientFrame(raw []byte) (*clientFrame, error) {
	if err := initClientFrameSchema(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := clientFrameSchemas.schema.Validate(payload); err != nil {
		return nil, err
	}

	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "enum": ["ping"] },
    "id": { "type": "string" }
  },
  "additionalProperties": false
}`
