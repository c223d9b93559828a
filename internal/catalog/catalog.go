// Package catalog describes the parent→child relations the engine can batch:
// which table backs a relation field, which column links a child row to its
// parent, and which fields discriminate child rows of one parent.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"relbatch/internal/batch"
)

// Relation describes one relation field of a parent type.
type Relation struct {
	ParentType string
	Field      string
	// Table holds the child rows. Defaults to the snake_case singular of Field.
	Table string
	// ParentColumn is the child column holding the parent identifier.
	ParentColumn string
	// KeyFields discriminate the child rows of one parent (e.g. an end-of-period
	// date). Together with the parent they form the composite row key.
	KeyFields []string
	// DefaultOrder applies when a request carries no order argument.
	DefaultOrder []batch.OrderTerm
	// Columns overrides the field→column mapping. Unlisted fields map to snake_case.
	Columns map[string]string
	// MaxWindow caps the per-parent window; zero means no relation-specific cap.
	MaxWindow int
}

// Name returns the qualified relation name.
func (r Relation) Name() string {
	return batch.RelationName(r.ParentType, r.Field)
}

// TableName returns the child table, applying the naming default.
func (r Relation) TableName() string {
	if r.Table != "" {
		return r.Table
	}
	return DefaultTableName(r.Field)
}

// Column maps a field name to its column.
func (r Relation) Column(field string) string {
	if col, ok := r.Columns[field]; ok && col != "" {
		return col
	}
	return ToSnakeCase(field)
}

// Catalog indexes relations by parent type and field.
type Catalog struct {
	relations map[string]Relation
}

// New validates and indexes relations.
func New(relations ...Relation) (*Catalog, error) {
	c := &Catalog{relations: make(map[string]Relation, len(relations))}
	for _, rel := range relations {
		if err := rel.validate(); err != nil {
			return nil, err
		}
		key := rel.Name()
		if _, dup := c.relations[key]; dup {
			return nil, fmt.Errorf("duplicate relation %s", key)
		}
		c.relations[key] = rel
	}
	return c, nil
}

// Lookup returns the relation for a parent type and field.
func (c *Catalog) Lookup(parentType, field string) (Relation, error) {
	if c == nil {
		return Relation{}, fmt.Errorf("relation %s not found: empty catalog", batch.RelationName(parentType, field))
	}
	rel, ok := c.relations[batch.RelationName(parentType, field)]
	if !ok {
		return Relation{}, fmt.Errorf("relation %s not found", batch.RelationName(parentType, field))
	}
	return rel, nil
}

// Has reports whether the parent type declares the relation field.
func (c *Catalog) Has(parentType, field string) bool {
	_, err := c.Lookup(parentType, field)
	return err == nil
}

// Relations returns all relations sorted by name.
func (c *Catalog) Relations() []Relation {
	if c == nil {
		return nil
	}
	out := make([]Relation, 0, len(c.relations))
	for _, rel := range c.relations {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r Relation) validate() error {
	if strings.TrimSpace(r.ParentType) == "" || strings.TrimSpace(r.Field) == "" {
		return fmt.Errorf("relation requires parent type and field")
	}
	if strings.TrimSpace(r.ParentColumn) == "" {
		return fmt.Errorf("relation %s requires a parent column", r.Name())
	}
	if len(r.KeyFields) == 0 {
		return fmt.Errorf("relation %s requires at least one key field", r.Name())
	}
	if r.MaxWindow < 0 {
		return fmt.Errorf("relation %s has negative max window", r.Name())
	}
	return nil
}
