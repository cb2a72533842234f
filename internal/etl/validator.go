package etl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// Schema is the JSON-schema subset used as a per-entity record contract.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property declares one field.
type Property struct {
	Type   TypeList `json:"type,omitempty"`
	Format string   `json:"format,omitempty"`
}

// TypeList holds one or more JSON types. It accepts both "string" and
// ["string", "null"] when decoding.
type TypeList []string

func (t *TypeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("type must be a string or an array of strings: %w", err)
	}
	*t = many
	return nil
}

// Has reports whether the list contains the given type.
func (t TypeList) Has(name string) bool {
	for _, v := range t {
		if v == name {
			return true
		}
	}
	return false
}

// Primary returns the first non-null type, or "" for untyped fields.
func (t TypeList) Primary() string {
	for _, v := range t {
		if v != "null" {
			return v
		}
	}
	return ""
}

type compiledSchema struct {
	def      Schema
	compiled *jsonschema.Schema
}

// SchemaRegistry holds record contracts per entity. An entity without a
// registered schema is valid in its own right: all its records are accepted.
type SchemaRegistry struct {
	log *logger.Logger

	mu      sync.RWMutex
	schemas map[string]*compiledSchema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry(log *logger.Logger) *SchemaRegistry {
	return &SchemaRegistry{log: log, schemas: make(map[string]*compiledSchema)}
}

// Register compiles and stores a schema for the entity, replacing any previous one.
func (r *SchemaRegistry) Register(entity string, s Schema) error {
	if s.Type == "" {
		s.Type = "object"
	}
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}

	resource := "mem://schemas/" + entity + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("schema for %s: %w", entity, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", entity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[entity] = &compiledSchema{def: s, compiled: compiled}
	return nil
}

// Lookup returns the schema registered for the entity, if any.
func (r *SchemaRegistry) Lookup(entity string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.schemas[entity]
	if !ok {
		return Schema{}, false
	}
	return cs.def, true
}

// Validate checks a record against the entity's schema. Required fields must
// be present and non-null; numeric strings satisfy numeric types.
func (r *SchemaRegistry) Validate(entity string, rec models.Record) models.ValidationOutcome {
	r.mu.RLock()
	cs, ok := r.schemas[entity]
	r.mu.RUnlock()
	if !ok {
		return models.ValidationOutcome{Record: rec, Accepted: true}
	}

	for _, field := range cs.def.Required {
		if v, present := rec[field]; !present || v == nil {
			return models.ValidationOutcome{Record: rec, Reason: fmt.Sprintf("required field %q is missing or null", field)}
		}
	}

	if err := cs.compiled.Validate(instance(cs.def, rec)); err != nil {
		reason := err.Error()
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := verr
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			reason = fmt.Sprintf("%s: %s", strings.TrimPrefix(leaf.InstanceLocation, "/"), leaf.Message)
		}
		return models.ValidationOutcome{Record: rec, Reason: reason}
	}
	return models.ValidationOutcome{Record: rec, Accepted: true}
}

// ValidateBatch returns the accepted records and logs how many were dropped.
// Rejection is data-quality information, never an error.
func (r *SchemaRegistry) ValidateBatch(entity string, records []models.Record) []models.Record {
	accepted := make([]models.Record, 0, len(records))
	rejected := 0
	var firstReason string
	for _, rec := range records {
		out := r.Validate(entity, rec)
		if out.Accepted {
			accepted = append(accepted, rec)
			continue
		}
		if rejected == 0 {
			firstReason = out.Reason
		}
		rejected++
	}
	if rejected > 0 {
		r.log.Warnf("%s: rejected %d of %d records (first: %s)", entity, rejected, len(records), firstReason)
	}
	return accepted
}

// instance prepares a record for the JSON-schema validator: Go integers become
// json.Number and numeric strings are coerced where the schema expects numbers.
func instance(s Schema, rec models.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		prop, declared := s.Properties[k]
		switch val := v.(type) {
		case int:
			out[k] = json.Number(strconv.Itoa(val))
		case int64:
			out[k] = json.Number(strconv.FormatInt(val, 10))
		case string:
			if declared && !prop.Type.Has("string") && (prop.Type.Has("number") || prop.Type.Has("integer")) && utils.IsNumeric(val) {
				out[k] = json.Number(strings.TrimSpace(val))
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// InferSchema derives a schema from observed records. Every field of the first
// sample becomes a property typed by its value; a field is required only when
// it is non-null in every sample.
func (r *SchemaRegistry) InferSchema(entity string, samples []models.Record) Schema {
	s := Schema{Type: "object", Properties: make(map[string]Property)}
	if len(samples) == 0 {
		return s
	}

	for field, v := range samples[0] {
		prop := Property{}
		if t := jsonType(v); t != "" {
			prop.Type = TypeList{t}
			if t == "string" && utils.LooksLikeTimestamp(v) {
				prop.Format = "date-time"
			}
		}
		required := true
		for _, sample := range samples {
			if sv, ok := sample[field]; !ok || sv == nil {
				required = false
				break
			}
		}
		if required {
			s.Required = append(s.Required, field)
		} else if len(prop.Type) > 0 {
			prop.Type = append(prop.Type, "null")
		}
		s.Properties[field] = prop
	}
	sort.Strings(s.Required)
	r.log.Debugf("%s: inferred %d properties (%d required) from %d samples", entity, len(s.Properties), len(s.Required), len(samples))
	return s
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int32, int64:
		return "number"
	default:
		return ""
	}
}

// Save writes every registered schema to dir as <entity>.json.
func (r *SchemaRegistry) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for entity, cs := range r.schemas {
		data, err := json.MarshalIndent(cs.def, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, entity+".json"), data, 0o644); err != nil {
			return fmt.Errorf("failed to write schema for %s: %w", entity, err)
		}
	}
	return nil
}

// LoadDir registers every <entity>.json schema found in dir. A missing
// directory means no schemas yet.
func (r *SchemaRegistry) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read schema file '%s': %w", path, err)
		}
		var s Schema
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to parse schema file '%s': %w", path, err)
		}
		entity := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := r.Register(entity, s); err != nil {
			return err
		}
	}
	return nil
}
