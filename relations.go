package quarry

import (
	"fmt"
	"reflect"
	"strings"
)

// TargetRef names the entity type on the far side of a relation.
type TargetRef struct {
	t reflect.Type
}

// To builds a TargetRef for entity type T.
func To[T any]() TargetRef {
	return TargetRef{t: reflect.TypeOf((*T)(nil)).Elem()}
}

// Type returns the target's struct type.
func (r TargetRef) Type() reflect.Type {
	return r.t
}

// RelationDescriptor is implemented by the four relation kinds. The set of
// implementations is closed.
type RelationDescriptor interface {
	Key() string
	TargetType() reflect.Type
	common() *relationCommon
	toMany() bool
}

// relationCommon holds the fields shared by every relation kind.
type relationCommon struct {
	PropertyKey string
	Target      TargetRef
	Where       Where // fixed filter merged into every load of this relation
	Hidden      bool

	field reflect.StructField
}

func (c *relationCommon) Key() string              { return c.PropertyKey }
func (c *relationCommon) TargetType() reflect.Type { return c.Target.Type() }
func (c *relationCommon) common() *relationCommon  { return c }

// resolveField binds the relation to its struct field on the owning entity.
// To-one relations require a *Target field, to-many a []*Target field.
func (c *relationCommon) resolveField(d *Descriptor, rel RelationDescriptor) error {
	var field reflect.StructField
	found := false
	for i := 0; i < d.goType.NumField(); i++ {
		f := d.goType.Field(i)
		if f.IsExported() && strings.EqualFold(f.Name, c.PropertyKey) {
			field = f
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("quarry: entity %s: no struct field for relation %q", d.EntityName, c.PropertyKey)
	}

	ptrTarget := reflect.PtrTo(c.Target.Type())
	if rel.toMany() {
		if field.Type.Kind() != reflect.Slice || field.Type.Elem() != ptrTarget {
			return fmt.Errorf("quarry: entity %s: relation %q requires a []*%s field", d.EntityName, c.PropertyKey, c.Target.Type().Name())
		}
	} else {
		if field.Type != ptrTarget {
			return fmt.Errorf("quarry: entity %s: relation %q requires a *%s field", d.EntityName, c.PropertyKey, c.Target.Type().Name())
		}
	}

	c.field = field
	return nil
}

// setOne assigns a loaded to-one value onto the parent entity. A nil related
// value clears the field.
func (c *relationCommon) setOne(parent reflect.Value, related interface{}) {
	f := parent.FieldByIndex(c.field.Index)
	if related == nil {
		f.Set(reflect.Zero(f.Type()))
		return
	}
	f.Set(reflect.ValueOf(related))
}

// setMany assigns loaded to-many values onto the parent entity. The slice is
// always non-nil, matching the empty-collection default.
func (c *relationCommon) setMany(parent reflect.Value, related []interface{}) {
	f := parent.FieldByIndex(c.field.Index)
	s := reflect.MakeSlice(f.Type(), 0, len(related))
	for _, r := range related {
		s = reflect.Append(s, reflect.ValueOf(r))
	}
	f.Set(s)
}

// OneToOne links the parent to a single target row. The parent carries the
// foreign key unless overridden; LocalKey names the matched target column
// and defaults to the target's primary key.
type OneToOne struct {
	relationCommon
	ForeignKey string // parent-side property holding the key, defaults to the parent primary key
	LocalKey   string // target-side property matched against, defaults to the target primary key
}

func (r *OneToOne) toMany() bool { return false }

// OneToMany links the parent to all target rows whose foreign key points
// back at it. The foreign key is taken from the inverse ManyToOne relation
// on the target unless overridden.
type OneToMany struct {
	relationCommon
	InverseSide string // name of the ManyToOne relation on the target
	ForeignKey  string // target-side property override
}

func (r *OneToMany) toMany() bool { return true }

// ManyToOne links the parent to the single target row named by a foreign
// key column on the parent.
type ManyToOne struct {
	relationCommon
	ForeignKey string // parent-side property holding the target primary key
}

func (r *ManyToOne) toMany() bool { return false }

// ManyToMany links the parent to target rows through a join table.
type ManyToMany struct {
	relationCommon
	JoinTable         string // join table name
	JoinColumn        string // join table column referencing the parent
	InverseJoinColumn string // join table column referencing the target
}

func (r *ManyToMany) toMany() bool { return true }

func validateRelation(d *Descriptor, rel RelationDescriptor) error {
	c := rel.common()

	switch r := rel.(type) {
	case *ManyToOne:
		if r.ForeignKey == "" {
			return fmt.Errorf("quarry: entity %s: relation %q requires a foreign key", d.EntityName, c.PropertyKey)
		}
		if _, ok := d.column(r.ForeignKey); !ok {
			return fmt.Errorf("quarry: entity %s: relation %q: unknown foreign key column %q", d.EntityName, c.PropertyKey, r.ForeignKey)
		}
	case *OneToOne:
		if r.ForeignKey != "" {
			if _, ok := d.column(r.ForeignKey); !ok {
				return fmt.Errorf("quarry: entity %s: relation %q: unknown foreign key column %q", d.EntityName, c.PropertyKey, r.ForeignKey)
			}
		}
	case *OneToMany:
		if r.InverseSide == "" && r.ForeignKey == "" {
			return fmt.Errorf("quarry: entity %s: relation %q requires an inverse side or a foreign key", d.EntityName, c.PropertyKey)
		}
	case *ManyToMany:
		if r.JoinTable == "" || r.JoinColumn == "" || r.InverseJoinColumn == "" {
			return fmt.Errorf("quarry: entity %s: relation %q requires a join table with both join columns", d.EntityName, c.PropertyKey)
		}
	}

	return nil
}

// OneToOne declares a to-one relation where the parent holds the key.
func (e *EntityBuilder) OneToOne(propertyKey string, target TargetRef) *OneToOneBuilder {
	rel := &OneToOne{relationCommon: relationCommon{PropertyKey: propertyKey, Target: target}}
	e.desc.Relations = append(e.desc.Relations, rel)
	return &OneToOneBuilder{rel: rel}
}

// OneToMany declares a to-many relation where the targets hold the key.
func (e *EntityBuilder) OneToMany(propertyKey string, target TargetRef) *OneToManyBuilder {
	rel := &OneToMany{relationCommon: relationCommon{PropertyKey: propertyKey, Target: target}}
	e.desc.Relations = append(e.desc.Relations, rel)
	return &OneToManyBuilder{rel: rel}
}

// ManyToOne declares a to-one relation through a foreign key column on the
// owning entity. The foreign key is required.
func (e *EntityBuilder) ManyToOne(propertyKey string, target TargetRef) *ManyToOneBuilder {
	rel := &ManyToOne{relationCommon: relationCommon{PropertyKey: propertyKey, Target: target}}
	e.desc.Relations = append(e.desc.Relations, rel)
	return &ManyToOneBuilder{rel: rel}
}

// ManyToMany declares a to-many relation through a join table.
func (e *EntityBuilder) ManyToMany(propertyKey string, target TargetRef) *ManyToManyBuilder {
	rel := &ManyToMany{relationCommon: relationCommon{PropertyKey: propertyKey, Target: target}}
	e.desc.Relations = append(e.desc.Relations, rel)
	return &ManyToManyBuilder{rel: rel}
}

// OneToOneBuilder refines a OneToOne declaration.
type OneToOneBuilder struct {
	rel *OneToOne
}

// ForeignKey names the parent-side property holding the key.
func (b *OneToOneBuilder) ForeignKey(propertyKey string) *OneToOneBuilder {
	b.rel.ForeignKey = propertyKey
	return b
}

// LocalKey names the target-side property matched against the key.
func (b *OneToOneBuilder) LocalKey(propertyKey string) *OneToOneBuilder {
	b.rel.LocalKey = propertyKey
	return b
}

// Where attaches a fixed filter merged into every load of the relation.
func (b *OneToOneBuilder) Where(w Where) *OneToOneBuilder {
	b.rel.Where = w
	return b
}

// Hidden excludes the relation from serialized output.
func (b *OneToOneBuilder) Hidden() *OneToOneBuilder {
	b.rel.Hidden = true
	return b
}

// OneToManyBuilder refines a OneToMany declaration.
type OneToManyBuilder struct {
	rel *OneToMany
}

// InverseSide names the ManyToOne relation on the target pointing back at
// the owning entity.
func (b *OneToManyBuilder) InverseSide(relationKey string) *OneToManyBuilder {
	b.rel.InverseSide = relationKey
	return b
}

// ForeignKey overrides the target-side property holding the parent key.
func (b *OneToManyBuilder) ForeignKey(propertyKey string) *OneToManyBuilder {
	b.rel.ForeignKey = propertyKey
	return b
}

// Where attaches a fixed filter merged into every load of the relation.
func (b *OneToManyBuilder) Where(w Where) *OneToManyBuilder {
	b.rel.Where = w
	return b
}

// Hidden excludes the relation from serialized output.
func (b *OneToManyBuilder) Hidden() *OneToManyBuilder {
	b.rel.Hidden = true
	return b
}

// ManyToOneBuilder refines a ManyToOne declaration.
type ManyToOneBuilder struct {
	rel *ManyToOne
}

// ForeignKey names the owning-side property holding the target primary key.
func (b *ManyToOneBuilder) ForeignKey(propertyKey string) *ManyToOneBuilder {
	b.rel.ForeignKey = propertyKey
	return b
}

// Where attaches a fixed filter merged into every load of the relation.
func (b *ManyToOneBuilder) Where(w Where) *ManyToOneBuilder {
	b.rel.Where = w
	return b
}

// Hidden excludes the relation from serialized output.
func (b *ManyToOneBuilder) Hidden() *ManyToOneBuilder {
	b.rel.Hidden = true
	return b
}

// ManyToManyBuilder refines a ManyToMany declaration.
type ManyToManyBuilder struct {
	rel *ManyToMany
}

// JoinTable names the join table and its two columns.
func (b *ManyToManyBuilder) JoinTable(table, joinColumn, inverseJoinColumn string) *ManyToManyBuilder {
	b.rel.JoinTable = table
	b.rel.JoinColumn = joinColumn
	b.rel.InverseJoinColumn = inverseJoinColumn
	return b
}

// Where attaches a fixed filter merged into every load of the relation.
func (b *ManyToManyBuilder) Where(w Where) *ManyToManyBuilder {
	b.rel.Where = w
	return b
}

// Hidden excludes the relation from serialized output.
func (b *ManyToManyBuilder) Hidden() *ManyToManyBuilder {
	b.rel.Hidden = true
	return b
}
