package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks raw messages against the JSON Schemas in schemas/.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

var schemaFiles = map[string]string{
	TypeHello:        "hello.schema.json",
	TypeWelcome:      "welcome.schema.json",
	TypeFill:         "fill.schema.json",
	TypeCancel:       "cancel.schema.json",
	TypePick:         "pick.schema.json",
	TypeFillAccepted: "fill_accepted.schema.json",
	TypeProgress:     "progress.schema.json",
	TypeFillResult:   "fill_result.schema.json",
	TypePickResult:   "pick_result.schema.json",
	TypeError:        "error.schema.json",
}

func LoadSchemas(dir string) (*Validator, error) {
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for typ, name := range schemaFiles {
		s, err := jsonschema.Compile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate checks b against the schema for its type. Unknown types pass.
func (v *Validator) Validate(typ string, b []byte) error {
	if v == nil {
		return nil
	}
	s := v.byType[typ]
	if s == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s: %s", typ, strings.TrimSpace(err.Error()))
	}
	return nil
}
