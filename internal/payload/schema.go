package payload

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed snapshot.schema.json
var schemaJSON []byte

const schemaURL = "https://envsync.dev/schema/snapshot.json"

type schemas struct {
	snapshot *jsonschema.Schema
	entity   *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (schemas, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return schemas{}, fmt.Errorf("parsing snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return schemas{}, fmt.Errorf("loading snapshot schema: %w", err)
	}
	snap, err := c.Compile(schemaURL)
	if err != nil {
		return schemas{}, fmt.Errorf("compiling snapshot schema: %w", err)
	}
	entity, err := c.Compile(schemaURL + "#/$defs/entity")
	if err != nil {
		return schemas{}, fmt.Errorf("compiling entity schema: %w", err)
	}
	return schemas{snapshot: snap, entity: entity}, nil
})

func validate(sch func(schemas) *jsonschema.Schema, data []byte) error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch(s).Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func validateSnapshot(data []byte) error {
	return validate(func(s schemas) *jsonschema.Schema { return s.snapshot }, data)
}

func validateEntity(data []byte) error {
	return validate(func(s schemas) *jsonschema.Schema { return s.entity }, data)
}
