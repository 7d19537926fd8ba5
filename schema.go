package quarry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Type enumerates the column value types the row mapper understands.
type Type int

const (
	TypeString Type = iota
	TypeNumber
	TypeBool
	TypeTime
	TypeJSON
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeJSON:
		return "json"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ColumnDescriptor describes one database column of an entity type.
type ColumnDescriptor struct {
	PropertyKey string // entity-side name used in where/select/order descriptors
	ColumnName  string // database-side name, defaults to PropertyKey
	Type        Type
	Hidden      bool
	Primary     bool
	SoftDelete  bool

	field reflect.StructField // resolved once at registration
}

// value reads the column field from an entity struct value.
// Nil pointer fields read as nil.
func (c *ColumnDescriptor) value(structVal reflect.Value) interface{} {
	f := structVal.FieldByIndex(c.field.Index)
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return nil
		}
		f = f.Elem()
	}
	return f.Interface()
}

// isZero reports whether the column field holds its zero value.
func (c *ColumnDescriptor) isZero(structVal reflect.Value) bool {
	return structVal.FieldByIndex(c.field.Index).IsZero()
}

// Descriptor is the immutable schema metadata for one entity type. It is
// built once, on first access, and cached process-wide.
type Descriptor struct {
	EntityName string
	TableName  string
	Columns    []*ColumnDescriptor
	Relations  []RelationDescriptor
	PrimaryKey *ColumnDescriptor // nil when the entity declares no primary key

	goType           reflect.Type
	columnsByKey     map[string]*ColumnDescriptor
	columnsByName    map[string]*ColumnDescriptor
	relationsByKey   map[string]RelationDescriptor
	softDeleteColumn *ColumnDescriptor
	beforeSave       func(entity interface{}) error
	afterLoad        func(entity interface{}) error
}

func (d *Descriptor) column(propertyKey string) (*ColumnDescriptor, bool) {
	c, ok := d.columnsByKey[propertyKey]
	return c, ok
}

// columnByAny resolves a select entry by propertyKey or columnName.
func (d *Descriptor) columnByAny(key string) (*ColumnDescriptor, bool) {
	if c, ok := d.columnsByKey[key]; ok {
		return c, true
	}
	c, ok := d.columnsByName[key]
	return c, ok
}

func (d *Descriptor) relation(propertyKey string) (RelationDescriptor, bool) {
	r, ok := d.relationsByKey[propertyKey]
	return r, ok
}

// SoftDeleteEnabled reports whether the entity carries a soft-delete column.
func (d *Descriptor) SoftDeleteEnabled() bool {
	return d.softDeleteColumn != nil
}

// EntityBuilder collects the schema declaration for one entity type.
// It is handed to the function passed to Register.
type EntityBuilder struct {
	desc *Descriptor
	errs []error
}

// Table sets the database table name. Required.
func (e *EntityBuilder) Table(name string) *EntityBuilder {
	e.desc.TableName = name
	return e
}

// Column declares a database column keyed by its entity-side property name.
// The database column name defaults to the property key.
func (e *EntityBuilder) Column(propertyKey string, columnType Type) *ColumnBuilder {
	col := &ColumnDescriptor{
		PropertyKey: propertyKey,
		ColumnName:  propertyKey,
		Type:        columnType,
	}
	e.desc.Columns = append(e.desc.Columns, col)
	return &ColumnBuilder{col: col}
}

// BeforeSave registers a hook invoked on the entity before it is mapped to a
// row. Last registered wins.
func (e *EntityBuilder) BeforeSave(fn func(entity interface{}) error) *EntityBuilder {
	e.desc.beforeSave = fn
	return e
}

// AfterLoad registers a hook invoked on each entity after hydration.
// Last registered wins.
func (e *EntityBuilder) AfterLoad(fn func(entity interface{}) error) *EntityBuilder {
	e.desc.afterLoad = fn
	return e
}

// ColumnBuilder refines a single column declaration.
type ColumnBuilder struct {
	col *ColumnDescriptor
}

// Named overrides the database column name.
func (b *ColumnBuilder) Named(columnName string) *ColumnBuilder {
	b.col.ColumnName = columnName
	return b
}

// Primary marks the column as the entity's primary key.
func (b *ColumnBuilder) Primary() *ColumnBuilder {
	b.col.Primary = true
	return b
}

// Hidden excludes the column from serialized output.
func (b *ColumnBuilder) Hidden() *ColumnBuilder {
	b.col.Hidden = true
	return b
}

// SoftDelete marks the column as the entity's soft-delete timestamp.
func (b *ColumnBuilder) SoftDelete() *ColumnBuilder {
	b.col.SoftDelete = true
	return b
}

// registry is the process-wide entity catalog. Definitions are stored as
// thunks and built lazily on first access, so mutually referencing entity
// types can register in any order.
type registry struct {
	mu      sync.Mutex
	pending map[reflect.Type]func(*EntityBuilder)
	built   map[reflect.Type]*Descriptor
}

var catalog = &registry{
	pending: make(map[reflect.Type]func(*EntityBuilder)),
	built:   make(map[reflect.Type]*Descriptor),
}

// Register declares the schema for entity type T. The define function runs
// once, the first time the type is queried. Registering the same type again
// replaces the previous definition.
func Register[T any](define func(*EntityBuilder)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	catalog.pending[t] = define
	delete(catalog.built, t)
}

// Describe returns the built descriptor for entity type T.
func Describe[T any]() (*Descriptor, error) {
	return catalog.describe(reflect.TypeOf((*T)(nil)).Elem())
}

func (r *registry) describe(t reflect.Type) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.built[t]; ok {
		return d, nil
	}

	define, ok := r.pending[t]
	if !ok {
		return nil, metadataNotFound("describe", t.Name())
	}

	b := &EntityBuilder{desc: &Descriptor{EntityName: t.Name(), goType: t}}
	define(b)

	d, err := b.finalize()
	if err != nil {
		return nil, err
	}

	r.built[t] = d
	return d, nil
}

func (b *EntityBuilder) finalize() (*Descriptor, error) {
	d := b.desc

	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	if d.TableName == "" {
		return nil, fmt.Errorf("quarry: entity %s: table name is required", d.EntityName)
	}

	if d.goType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("quarry: entity %s: expected a struct type, got %s", d.EntityName, d.goType.Kind())
	}

	d.columnsByKey = make(map[string]*ColumnDescriptor, len(d.Columns))
	d.columnsByName = make(map[string]*ColumnDescriptor, len(d.Columns))

	for _, col := range d.Columns {
		if _, dup := d.columnsByKey[col.PropertyKey]; dup {
			return nil, fmt.Errorf("quarry: entity %s: duplicate column %q", d.EntityName, col.PropertyKey)
		}

		field, ok := findEntityField(d.goType, col.PropertyKey, col.ColumnName)
		if !ok {
			return nil, fmt.Errorf("quarry: entity %s: no struct field for column %q", d.EntityName, col.PropertyKey)
		}
		if !fieldSupportsType(field.Type, col.Type) {
			return nil, fmt.Errorf("quarry: entity %s: field %s cannot hold a %s column", d.EntityName, field.Name, col.Type)
		}
		col.field = field

		d.columnsByKey[col.PropertyKey] = col
		d.columnsByName[col.ColumnName] = col

		if col.Primary {
			if d.PrimaryKey != nil {
				return nil, fmt.Errorf("quarry: entity %s: multiple primary key columns", d.EntityName)
			}
			d.PrimaryKey = col
		}

		if col.SoftDelete {
			if d.softDeleteColumn != nil {
				return nil, fmt.Errorf("quarry: entity %s: multiple soft-delete columns", d.EntityName)
			}
			if col.Type != TypeTime {
				return nil, fmt.Errorf("quarry: entity %s: soft-delete column %q must be a time column", d.EntityName, col.PropertyKey)
			}
			d.softDeleteColumn = col
		}
	}

	d.relationsByKey = make(map[string]RelationDescriptor, len(d.Relations))
	for _, rel := range d.Relations {
		c := rel.common()
		if _, dup := d.relationsByKey[c.PropertyKey]; dup {
			return nil, fmt.Errorf("quarry: entity %s: duplicate relation %q", d.EntityName, c.PropertyKey)
		}
		if err := c.resolveField(d, rel); err != nil {
			return nil, err
		}
		if err := validateRelation(d, rel); err != nil {
			return nil, err
		}
		d.relationsByKey[c.PropertyKey] = rel
	}

	return d, nil
}

// findEntityField locates the struct field backing a column, preferring an
// explicit `db` tag match on the column name over a case-insensitive match
// on the property key.
func findEntityField(t reflect.Type, propertyKey, columnName string) (reflect.StructField, bool) {
	var byName reflect.StructField
	var found bool

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, ok := f.Tag.Lookup("db"); ok && tag == columnName {
			return f, true
		}
		if !found && strings.EqualFold(f.Name, propertyKey) {
			byName = f
			found = true
		}
	}

	return byName, found
}

func fieldSupportsType(ft reflect.Type, columnType Type) bool {
	if ft.Kind() == reflect.Ptr {
		ft = ft.Elem()
	}

	switch columnType {
	case TypeString:
		return ft.Kind() == reflect.String
	case TypeNumber:
		switch ft.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case TypeBool:
		return ft.Kind() == reflect.Bool
	case TypeTime:
		return ft == reflect.TypeOf(time.Time{})
	case TypeJSON:
		return true
	default:
		return false
	}
}
