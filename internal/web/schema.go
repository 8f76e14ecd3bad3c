package web

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type batchSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
}

var batchSchemas batchSchemaRegistry

func initBatchSchema() error {
	batchSchemas.once.Do(func() {
		schema, err := jsonschema.CompileString("batch_execution_request", batchExecutionRequestSchema)
		if err != nil {
			batchSchemas.initErr = err
			return
		}
		batchSchemas.request = schema
	})
	return batchSchemas.initErr
}

// validateBatchRequest checks the raw body against the compiled schema.
func validateBatchRequest(raw []byte) error {
	if err := initBatchSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return batchSchemas.request.Validate(payload)
}

// validationPointer returns the JSON pointer and message of the deepest
// failing node, so 400 responses name the offending field.
func validationPointer(err error) (pointer, message string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	pointer = leaf.InstanceLocation
	if pointer == "" {
		pointer = "/"
	}
	return pointer, leaf.Message
}

const batchExecutionRequestSchema = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": { "type": "string", "minLength": 1 },
          "configOverrides": { "type": "object" },
          "destroyBrowserOnCompletion": { "type": "boolean" }
        },
        "additionalProperties": true
      }
    },
    "globalConfigOverrides": { "type": "object" },
    "webhookUrl": { "type": "string" },
    "webhookSecret": { "type": "string" }
  },
  "additionalProperties": true
}`
