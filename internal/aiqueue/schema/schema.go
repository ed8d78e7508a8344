// Package schema validates the two JSON documents that cross the AI
// generation job queue's boundary: the kickoff request body and the LLM's
// draft-synthesis output.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const kickoffSchemaJSON = `{
  "type": "object",
  "required": ["projectId", "rawText", "websiteUrl", "aiModel"],
  "properties": {
    "projectId": {"type": "string", "minLength": 1},
    "rawText": {"type": "string", "minLength": 1},
    "websiteUrl": {"type": "string", "minLength": 1},
    "aiModel": {"type": "string", "minLength": 1},
    "groupName": {"type": "string"},
    "userAccountId": {"type": "string"},
    "settings": {"type": "object"}
  }
}`

// synthesisSchemaJSON only constrains the envelope shape (an object with a
// "testCases" array of objects). Per-candidate field completeness and the
// 1-10 count are enforced by llm.parseSynthesis itself, which tolerates and
// skips malformed individual candidates rather than rejecting the whole
// response for one bad entry.
const synthesisSchemaJSON = `{
  "type": "object",
  "required": ["testCases"],
  "properties": {
    "testCases": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`

var (
	kickoffSchema   *jsonschema.Schema
	synthesisSchema *jsonschema.Schema
)

func init() {
	kickoffSchema = mustCompile("kickoff.json", kickoffSchemaJSON)
	synthesisSchema = mustCompile("synthesis.json", synthesisSchemaJSON)
}

func mustCompile(resourceName, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("schema: invalid embedded schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("schema: add resource %s: %v", resourceName, err))
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("schema: compile %s: %v", resourceName, err))
	}
	return compiled
}

// ValidateKickoff validates a POST /v1/ai/generate request body.
func ValidateKickoff(payloadJSON []byte) error {
	return validate(kickoffSchema, payloadJSON)
}

// ValidateSynthesis validates the LLM's extracted `{testCases: [...]}`
// synthesis object.
func ValidateSynthesis(payloadJSON []byte) error {
	return validate(synthesisSchema, payloadJSON)
}

func validate(s *jsonschema.Schema, payloadJSON []byte) error {
	var doc any
	if err := json.Unmarshal(payloadJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return err
	}
	return nil
}
