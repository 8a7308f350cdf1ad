package statesync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://schemas.tether.dev/statesync.json"

const schemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "calendarQuery": { "$ref": "#/$defs/calendarQuery" },
    "messagesCurrentAsOf": { "type": "integer", "minimum": 0 },
    "updatesCurrentAsOf": { "type": "integer", "minimum": 0 },
    "watchedIDs": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "sessionID": { "type": "string" },
    "clientResponses": { "$ref": "#/$defs/clientResponseList" }
  },
  "$defs": {
    "date": { "type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$" },
    "calendarQuery": {
      "type": "object",
      "required": ["startDate", "endDate"],
      "properties": {
        "startDate": { "$ref": "#/$defs/date" },
        "endDate": { "$ref": "#/$defs/date" },
        "filters": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": { "enum": ["not_deleted", "threads"] },
              "threadIDs": { "type": "array", "items": { "type": "string" } }
            }
          }
        }
      }
    },
    "clientResponseList": { "type": "array", "items": { "$ref": "#/$defs/clientResponse" } },
    "clientResponses": {
      "type": "object",
      "required": ["clientResponses"],
      "properties": { "clientResponses": { "$ref": "#/$defs/clientResponseList" } }
    },
    "clientResponse": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "enum": [
            "platform",
            "platform_details",
            "device_token",
            "thread_inconsistency",
            "entry_inconsistency",
            "check_state",
            "initial_activity_updates"
          ]
        }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "platform" } } },
          "then": { "required": ["platform"], "properties": { "platform": { "type": "string" } } }
        },
        {
          "if": { "properties": { "type": { "const": "platform_details" } } },
          "then": {
            "required": ["platformDetails"],
            "properties": {
              "platformDetails": {
                "type": "object",
                "required": ["platform"],
                "properties": {
                  "platform": { "type": "string" },
                  "codeVersion": { "type": ["integer", "null"] },
                  "stateVersion": { "type": ["integer", "null"] }
                }
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "device_token" } } },
          "then": { "required": ["deviceToken"], "properties": { "deviceToken": { "type": "string", "minLength": 1 } } }
        },
        {
          "if": { "properties": { "type": { "const": "check_state" } } },
          "then": {
            "required": ["hashResults"],
            "properties": { "hashResults": { "type": "object", "additionalProperties": { "type": "boolean" } } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "initial_activity_updates" } } },
          "then": {
            "required": ["activityUpdates"],
            "properties": {
              "activityUpdates": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["threadID", "focus"],
                  "properties": { "threadID": { "type": "string", "minLength": 1 }, "focus": { "type": "boolean" } }
                }
              }
            }
          }
        }
      ]
    }
  }
}`

var (
	syncRequestSchema     *jsonschema.Schema
	clientResponsesSchema *jsonschema.Schema
)

func init() {
	document, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDocument))
	if err != nil {
		panic("statesync: schema decoding failed: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, document); err != nil {
		panic("statesync: schema registration failed: " + err.Error())
	}
	syncRequestSchema = compiler.MustCompile(schemaURL)
	clientResponsesSchema = compiler.MustCompile(schemaURL + "#/$defs/clientResponses")
}

func validateDocument(schema *jsonschema.Schema, raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
