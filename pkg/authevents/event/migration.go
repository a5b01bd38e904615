package event

import (
	"fmt"
	"strings"
)

// MigrationStrategy classifies how consumers must handle a schema change.
type MigrationStrategy string

const (
	// StrategyAuto: only optional fields were added; old payloads stay valid.
	StrategyAuto MigrationStrategy = "auto"
	// StrategyCustom: new required fields need defaults or a transform.
	StrategyCustom MigrationStrategy = "custom"
	// StrategyBreaking: fields were removed or changed type.
	StrategyBreaking MigrationStrategy = "breaking"
)

// FieldChange is a field present in both versions whose contract differs.
type FieldChange struct {
	Field        string    `json:"field"`
	FromType     FieldType `json:"from_type"`
	ToType       FieldType `json:"to_type"`
	FromRequired bool      `json:"from_required"`
	ToRequired   bool      `json:"to_required"`
}

// Migration describes the difference between two schema versions.
type Migration struct {
	Name        string            `json:"name"`
	FromVersion int               `json:"from_version"`
	ToVersion   int               `json:"to_version"`
	Added       []FieldSpec       `json:"added,omitempty"`
	Removed     []FieldSpec       `json:"removed,omitempty"`
	Changed     []FieldChange     `json:"changed,omitempty"`
	Strategy    MigrationStrategy `json:"strategy"`
}

// GenerateMigration diffs two versions of the same event type.
func GenerateMigration(from, to *Schema) Migration {
	m := Migration{
		Name:        to.Name,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Strategy:    StrategyAuto,
	}

	for _, nf := range to.Fields {
		of, ok := from.Field(nf.Name)
		if !ok {
			m.Added = append(m.Added, nf)
			if nf.Required && m.Strategy == StrategyAuto {
				m.Strategy = StrategyCustom
			}
			continue
		}
		if of.Type == nf.Type && of.Required == nf.Required {
			continue
		}
		m.Changed = append(m.Changed, FieldChange{
			Field:        nf.Name,
			FromType:     of.Type,
			ToType:       nf.Type,
			FromRequired: of.Required,
			ToRequired:   nf.Required,
		})
		switch {
		case of.Type != nf.Type:
			m.Strategy = StrategyBreaking
		case nf.Required && m.Strategy == StrategyAuto:
			m.Strategy = StrategyCustom
		}
	}

	for _, of := range from.Fields {
		if _, ok := to.Field(of.Name); !ok {
			m.Removed = append(m.Removed, of)
			m.Strategy = StrategyBreaking
		}
	}
	return m
}

// Migration diffs two registered versions of name.
func (r *SchemaRegistry) Migration(name string, fromVersion, toVersion int) (Migration, error) {
	from, ok := r.GetVersion(name, fromVersion)
	if !ok {
		return Migration{}, fmt.Errorf("schema %s v%d not registered", name, fromVersion)
	}
	to, ok := r.GetVersion(name, toVersion)
	if !ok {
		return Migration{}, fmt.Errorf("schema %s v%d not registered", name, toVersion)
	}
	return GenerateMigration(from, to), nil
}

// String renders a short human-readable summary.
func (m Migration) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%d -> v%d (%s)", m.Name, m.FromVersion, m.ToVersion, m.Strategy)
	for _, f := range m.Added {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "\n  + %s %s (%s)", f.Name, f.Type, req)
	}
	for _, f := range m.Removed {
		fmt.Fprintf(&b, "\n  - %s %s", f.Name, f.Type)
	}
	for _, c := range m.Changed {
		fmt.Fprintf(&b, "\n  ~ %s %s -> %s", c.Field, c.FromType, c.ToType)
	}
	return b.String()
}
