package trace

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed logentry.schema.json
var logEntrySchemaJSON []byte

var (
	logEntrySchemaOnce sync.Once
	logEntrySchema     *jsonschema.Schema
	logEntrySchemaErr  error
)

func compiledLogEntrySchema() (*jsonschema.Schema, error) {
	logEntrySchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		logEntrySchema, logEntrySchemaErr = compiler.Compile(logEntrySchemaJSON)
	})
	if logEntrySchemaErr != nil {
		return nil, fmt.Errorf("compile log entry schema: %w", logEntrySchemaErr)
	}
	return logEntrySchema, nil
}

// ValidateLogEntryJSON checks one serialized log entry against the embedded
// schema.
func ValidateLogEntryJSON(data []byte) error {
	schema, err := compiledLogEntrySchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("log entry schema validation failed: %v", result.Errors)
}
