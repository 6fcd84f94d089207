package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidContents is returned when a save document does not match the save schema.
var ErrInvalidContents = errors.New("rules: invalid save contents")

// SaveContents is the part of the game save that belongs to the rule store.
// The JSON keys are stable across releases.
type SaveContents struct {
	GlobalShopReduction RuleSet              `json:"globalShopReduction"`
	EventsShopReduction map[ScopeKey]RuleSet `json:"eventsShopReduction"`
}

//go:embed save_contents.schema.json
var saveContentsSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func contentsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("save_contents.schema.json", saveContentsSchema)
	})
	return compiledSchema, schemaErr
}

// EncodeSaveContents marshals contents to JSON. Nil sections are written as empty objects.
func EncodeSaveContents(contents SaveContents) ([]byte, error) {
	if contents.GlobalShopReduction == nil {
		contents.GlobalShopReduction = RuleSet{}
	}
	if contents.EventsShopReduction == nil {
		contents.EventsShopReduction = map[ScopeKey]RuleSet{}
	}
	return json.Marshal(contents)
}

// DecodeSaveContents validates data against the save schema and decodes it.
// Absent or null sections decode to empty sets.
func DecodeSaveContents(data []byte) (SaveContents, error) {
	schema, err := contentsSchema()
	if err != nil {
		return SaveContents{}, fmt.Errorf("rules: compile save schema: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return SaveContents{}, fmt.Errorf("%w: %v", ErrInvalidContents, err)
	}
	if err := schema.Validate(doc); err != nil {
		return SaveContents{}, fmt.Errorf("%w: %v", ErrInvalidContents, err)
	}

	var contents SaveContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return SaveContents{}, fmt.Errorf("%w: %v", ErrInvalidContents, err)
	}
	if contents.GlobalShopReduction == nil {
		contents.GlobalShopReduction = RuleSet{}
	}
	if contents.EventsShopReduction == nil {
		contents.EventsShopReduction = map[ScopeKey]RuleSet{}
	}
	return contents, nil
}
