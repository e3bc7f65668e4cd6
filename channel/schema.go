package channel

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/streamnet/errors"
)

// SetSchema is the JSON schema every channel-set document must satisfy
// before it is decoded. Unknown keys are rejected so a misspelled field is
// reported instead of silently left empty.
//
//go:embed set.schema.json
var SetSchema []byte

var compiledSetSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(SetSchema))
})

// ValidateDocument checks a decoded JSON or YAML document against SetSchema.
// doc is the generic value produced by json.Unmarshal or yaml.Unmarshal.
func ValidateDocument(doc any) error {
	schema, err := compiledSetSchema()
	if err != nil {
		return errors.WrapFatal(err, "Set", "ValidateDocument", "compile schema")
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "Set", "ValidateDocument", "load document")
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: channel set: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Set", "ValidateDocument", "check schema")
}
