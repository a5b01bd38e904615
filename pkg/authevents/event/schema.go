package event

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// FieldType is the JSON type a payload field must have.
type FieldType string

// Supported field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeNull    FieldType = "null"
	TypeAny     FieldType = "any"
)

func (t FieldType) known() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject, TypeNull, TypeAny:
		return true
	}
	return false
}

// FieldSpec describes one payload field. Name may be a dotted path into
// nested objects ("device.ip").
type FieldSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`

	// Rule is an optional validator tag applied to present values,
	// e.g. "email", "uuid4" or "min=8".
	Rule string `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// Schema is one version of an event type's payload contract.
type Schema struct {
	Name         string      `json:"name" yaml:"name"`
	Version      int         `json:"version" yaml:"version"`
	Source       string      `json:"source,omitempty" yaml:"source,omitempty"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Fields       []FieldSpec `json:"fields" yaml:"fields"`
	Deprecated   bool        `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	RegisteredAt time.Time   `json:"registered_at" yaml:"-"`
}

// Field returns the definition of the named field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// SchemaRegistry holds versioned schemas. Versions are immutable once registered.
type SchemaRegistry struct {
	mu       sync.RWMutex
	versions map[string]map[int]*Schema
	latest   map[string]*Schema
	validate *validator.Validate
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		versions: make(map[string]map[int]*Schema),
		latest:   make(map[string]*Schema),
		validate: validator.New(),
	}
}

// Register adds a schema version. Registering an existing (name, version)
// returns *errors.DuplicateVersionError; latest tracks the highest version.
func (r *SchemaRegistry) Register(s *Schema) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("schema %s: version must be >= 1, got %d", s.Name, s.Version)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s v%d: field with empty name", s.Name, s.Version)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s v%d: duplicate field %q", s.Name, s.Version, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.known() {
			return fmt.Errorf("schema %s v%d: field %q has unknown type %q", s.Name, s.Version, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion := r.versions[s.Name]
	if byVersion == nil {
		byVersion = make(map[int]*Schema)
		r.versions[s.Name] = byVersion
	}
	if _, exists := byVersion[s.Version]; exists {
		return &aeerrors.DuplicateVersionError{Name: s.Name, Version: s.Version}
	}

	stored := *s
	stored.Fields = slices.Clone(s.Fields)
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	byVersion[s.Version] = &stored
	if cur, ok := r.latest[s.Name]; !ok || s.Version > cur.Version {
		r.latest[s.Name] = &stored
	}
	return nil
}

// MustRegister is like Register but panics on error. Intended for init-time catalogs.
func (r *SchemaRegistry) MustRegister(s *Schema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the latest version of name.
func (r *SchemaRegistry) Get(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[name]
	return s, ok
}

// Has reports whether any version of name is registered.
func (r *SchemaRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// GetVersion returns a specific version.
func (r *SchemaRegistry) GetVersion(name string, version int) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.versions[name][version]
	return s, ok
}

// Versions returns the registered versions of name in ascending order.
func (r *SchemaRegistry) Versions(name string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.versions[name]))
	for v := range r.versions[name] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Types returns every registered event type, sorted.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.latest))
	for name := range r.latest {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Validate checks evt against the schema it pins, or the latest one.
// Types without a registered schema are valid. Every problem is reported
// in a single *errors.ValidationError.
func (r *SchemaRegistry) Validate(evt *Event) error {
	var (
		s  *Schema
		ok bool
	)
	if evt.SchemaVersion > 0 {
		s, ok = r.GetVersion(evt.Type, evt.SchemaVersion)
		if !ok {
			if _, known := r.Get(evt.Type); known {
				verr := &aeerrors.ValidationError{EventType: evt.Type, SchemaVersion: evt.SchemaVersion}
				verr.Add("", "schema version %d is not registered", evt.SchemaVersion)
				return verr
			}
			return nil
		}
	} else if s, ok = r.Get(evt.Type); !ok {
		return nil
	}

	verr := &aeerrors.ValidationError{EventType: evt.Type, SchemaVersion: s.Version}
	for _, f := range s.Fields {
		v, present := lookup(evt.Payload, f.Name)
		if !present {
			if f.Required {
				verr.Add(f.Name, "required field missing")
			}
			continue
		}
		if v == nil {
			if f.Required && f.Type != TypeNull && f.Type != TypeAny {
				verr.Add(f.Name, "required field is null")
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			verr.Add(f.Name, "expected %s, got %s", f.Type, jsonTypeOf(v))
			continue
		}
		if f.Rule != "" {
			if err := r.checkRule(v, f.Rule); err != nil {
				verr.Add(f.Name, "fails rule %q", f.Rule)
			}
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// checkRule runs a validator tag. Unknown tags make validator panic, which
// is reported as a failed rule.
func (r *SchemaRegistry) checkRule(v any, rule string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule %q: %v", rule, p)
		}
	}()
	return r.validate.Var(v, rule)
}

func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeNull:
		return v == nil
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		return isNumber(v)
	case TypeInteger:
		return isInteger(v)
	case TypeArray:
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeObject:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
	}
	return false
}

func isNumber(v any) bool {
	if _, ok := v.(json.Number); ok {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isInteger(v any) bool {
	if n, ok := v.(json.Number); ok {
		_, err := n.Int64()
		return err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	}
	return false
}

func jsonTypeOf(v any) FieldType {
	switch {
	case v == nil:
		return TypeNull
	case typeMatches(TypeString, v):
		return TypeString
	case typeMatches(TypeBoolean, v):
		return TypeBoolean
	case isInteger(v):
		return TypeInteger
	case isNumber(v):
		return TypeNumber
	case typeMatches(TypeArray, v):
		return TypeArray
	case typeMatches(TypeObject, v):
		return TypeObject
	}
	return FieldType(fmt.Sprintf("%T", v))
}
