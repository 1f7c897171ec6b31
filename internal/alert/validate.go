package alert

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalid is returned (wrapped) for payloads that do not match the alert schema.
var ErrInvalid = errors.New("invalid alert payload")

// Validator checks raw alert payloads against the embedded JSON Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the embedded alert schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile alert schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Decode validates body and unmarshals it into an Alert.
func (v *Validator) Decode(body []byte) (*Alert, error) {
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}

	var al Alert
	if err := json.Unmarshal(body, &al); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &al, nil
}
