package quarry

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// parentKeyAlias labels the join-table parent key in many-to-many loads so
// rows can be stitched back onto their parents.
const parentKeyAlias = "__quarry_parent"

// RelationSpec names a relation to resolve on loaded entities, with
// optional shaping of the related query. A dotted Name descends through
// intermediate relations; shaping then applies to the final segment only.
type RelationSpec struct {
	Name      string
	Where     Where
	OrderBy   []Order
	Select    []string
	Limit     *uint64
	Offset    *uint64
	Relations []RelationSpec
}

// Rel is shorthand for a RelationSpec with default shaping.
func Rel(name string) RelationSpec {
	return RelationSpec{Name: name}
}

// resolveRelations loads each requested relation across the whole parent
// batch. Every relation level costs a fixed number of queries regardless of
// batch size. Relations unknown to the entity are skipped.
func (t *table) resolveRelations(ctx context.Context, parents []interface{}, specs []RelationSpec) error {
	for _, spec := range specs {
		if err := t.resolveSpec(ctx, parents, spec); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) resolveSpec(ctx context.Context, parents []interface{}, spec RelationSpec) error {
	head := spec.Name
	rest := ""
	if i := strings.IndexByte(head, '.'); i >= 0 {
		head, rest = head[:i], head[i+1:]
	}

	rel, ok := t.desc.relation(head)
	if !ok {
		return nil
	}

	// A dotted path defers the spec's shaping to its final segment; every
	// intermediate hop loads with defaults.
	cfg := spec
	childSpecs := spec.Relations
	if rest != "" {
		nested := spec
		nested.Name = rest
		cfg = RelationSpec{Name: head}
		childSpecs = []RelationSpec{nested}
	}

	var (
		children []interface{}
		childT   *table
		err      error
	)

	switch r := rel.(type) {
	case *ManyToOne:
		children, childT, err = t.loadManyToOne(ctx, parents, r, cfg)
	case *OneToOne:
		children, childT, err = t.loadOneToOne(ctx, parents, r, cfg)
	case *OneToMany:
		children, childT, err = t.loadOneToMany(ctx, parents, r, cfg)
	case *ManyToMany:
		children, childT, err = t.loadManyToMany(ctx, parents, r, cfg)
	default:
		err = fmt.Errorf("quarry: entity %s: relation %q has unknown kind %T", t.desc.EntityName, head, rel)
	}
	if err != nil {
		return err
	}

	if len(childSpecs) > 0 && len(children) > 0 {
		return childT.resolveRelations(ctx, children, childSpecs)
	}
	return nil
}

// loadManyToOne resolves parents' foreign keys to target rows with one
// batched find keyed on the target primary key.
func (t *table) loadManyToOne(ctx context.Context, parents []interface{}, rel *ManyToOne, cfg RelationSpec) ([]interface{}, *table, error) {
	childT, err := t.forType(rel.TargetType())
	if err != nil {
		return nil, nil, err
	}
	targetPK := childT.desc.PrimaryKey
	if targetPK == nil {
		return nil, nil, &Error{Op: "find", Entity: childT.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	fkCol, _ := t.desc.column(rel.ForeignKey)
	keys := collectKeys(parents, fkCol)
	if len(keys) == 0 {
		clearToOne(parents, rel.common())
		return nil, childT, nil
	}

	where := mergeRelationWhere(rel.Where, cfg.Where, targetPK.PropertyKey, keys)
	children, err := childT.find(ctx, where, relationFindOptions(cfg, targetPK.PropertyKey))
	if err != nil {
		return nil, nil, err
	}

	index := indexByKey(children, childT.desc, targetPK)
	for _, p := range parents {
		structVal := reflect.ValueOf(p).Elem()
		fkv := fkCol.value(structVal)
		if fkv == nil {
			rel.setOne(structVal, nil)
			continue
		}
		rel.setOne(structVal, index[normalizeKey(fkv)])
	}
	return children, childT, nil
}

// loadOneToOne resolves a to-one relation where the parent carries the key.
// The key defaults to the parent primary key, matched against the target
// primary key unless LocalKey overrides it.
func (t *table) loadOneToOne(ctx context.Context, parents []interface{}, rel *OneToOne, cfg RelationSpec) ([]interface{}, *table, error) {
	childT, err := t.forType(rel.TargetType())
	if err != nil {
		return nil, nil, err
	}

	fkCol := t.desc.PrimaryKey
	if rel.ForeignKey != "" {
		fkCol, _ = t.desc.column(rel.ForeignKey)
	}
	if fkCol == nil {
		return nil, nil, &Error{Op: "find", Entity: t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	localKey := childT.desc.PrimaryKey
	if rel.LocalKey != "" {
		lk, ok := childT.desc.column(rel.LocalKey)
		if !ok {
			return nil, nil, columnNotFound("find", rel.LocalKey, childT.desc.EntityName)
		}
		localKey = lk
	}
	if localKey == nil {
		return nil, nil, &Error{Op: "find", Entity: childT.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	keys := collectKeys(parents, fkCol)
	if len(keys) == 0 {
		clearToOne(parents, rel.common())
		return nil, childT, nil
	}

	where := mergeRelationWhere(rel.Where, cfg.Where, localKey.PropertyKey, keys)
	children, err := childT.find(ctx, where, relationFindOptions(cfg, localKey.PropertyKey))
	if err != nil {
		return nil, nil, err
	}

	index := indexByKey(children, childT.desc, localKey)
	for _, p := range parents {
		structVal := reflect.ValueOf(p).Elem()
		fkv := fkCol.value(structVal)
		if fkv == nil {
			rel.setOne(structVal, nil)
			continue
		}
		rel.setOne(structVal, index[normalizeKey(fkv)])
	}
	return children, childT, nil
}

// loadOneToMany resolves a to-many relation where targets point back at the
// parent. The target-side key comes from the inverse ManyToOne relation
// unless the declaration overrides it. Parents with no matches get an empty,
// non-nil slice.
func (t *table) loadOneToMany(ctx context.Context, parents []interface{}, rel *OneToMany, cfg RelationSpec) ([]interface{}, *table, error) {
	childT, err := t.forType(rel.TargetType())
	if err != nil {
		return nil, nil, err
	}

	fkProp := rel.ForeignKey
	if fkProp == "" {
		inverse, ok := childT.desc.relation(rel.InverseSide)
		if !ok {
			return nil, nil, fmt.Errorf("quarry: entity %s: relation %q: target %s has no relation %q", t.desc.EntityName, rel.PropertyKey, childT.desc.EntityName, rel.InverseSide)
		}
		mto, ok := inverse.(*ManyToOne)
		if !ok {
			return nil, nil, fmt.Errorf("quarry: entity %s: relation %q: inverse side %q is not a to-one relation", t.desc.EntityName, rel.PropertyKey, rel.InverseSide)
		}
		fkProp = mto.ForeignKey
	}
	fkCol, ok := childT.desc.column(fkProp)
	if !ok {
		return nil, nil, columnNotFound("find", fkProp, childT.desc.EntityName)
	}

	parentPK := t.desc.PrimaryKey
	if parentPK == nil {
		return nil, nil, &Error{Op: "find", Entity: t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	keys := collectKeys(parents, parentPK)
	if len(keys) == 0 {
		clearToMany(parents, rel.common())
		return nil, childT, nil
	}

	where := mergeRelationWhere(rel.Where, cfg.Where, fkCol.PropertyKey, keys)
	children, err := childT.find(ctx, where, relationFindOptions(cfg, fkCol.PropertyKey))
	if err != nil {
		return nil, nil, err
	}

	groups := make(map[interface{}][]interface{}, len(parents))
	for _, c := range children {
		k := normalizeKey(fkCol.value(reflect.ValueOf(c).Elem()))
		if k == nil {
			continue
		}
		groups[k] = append(groups[k], c)
	}

	for _, p := range parents {
		structVal := reflect.ValueOf(p).Elem()
		k := normalizeKey(parentPK.value(structVal))
		rel.setMany(structVal, groups[k])
	}
	return children, childT, nil
}

// loadManyToMany resolves targets through the join table in one query,
// projecting the join-side parent key under a fixed alias for stitching.
// Limit and offset, when set, bound the combined batch rather than each
// parent's slice.
func (t *table) loadManyToMany(ctx context.Context, parents []interface{}, rel *ManyToMany, cfg RelationSpec) ([]interface{}, *table, error) {
	childT, err := t.forType(rel.TargetType())
	if err != nil {
		return nil, nil, err
	}
	targetPK := childT.desc.PrimaryKey
	if targetPK == nil {
		return nil, nil, &Error{Op: "find", Entity: childT.desc.EntityName, Err: ErrNoPrimaryKey}
	}
	parentPK := t.desc.PrimaryKey
	if parentPK == nil {
		return nil, nil, &Error{Op: "find", Entity: t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	keys := collectKeys(parents, parentPK)
	if len(keys) == 0 {
		clearToMany(parents, rel.common())
		return nil, childT, nil
	}

	cols, err := renderSelect("find", childT.desc, ensureSelected(cfg.Select, targetPK.PropertyKey))
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, "t."+c.ColumnName)
	}
	names = append(names, "jt."+rel.JoinColumn+" AS "+parentKeyAlias)

	qb := t.builder().Select(names...).
		From(rel.JoinTable + " jt").
		Join(childT.desc.TableName + " t ON t." + targetPK.ColumnName + " = jt." + rel.InverseJoinColumn).
		Where(sq.Eq{"jt." + rel.JoinColumn: keys})

	targetWhere := overlayWhere(rel.Where, cfg.Where)
	pred, err := renderWhere("find", childT.desc, targetWhere, false, "t.")
	if err != nil {
		return nil, nil, err
	}
	if pred != nil {
		qb = qb.Where(pred)
	}

	order, err := renderOrderBy("find", childT.desc, cfg.OrderBy)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range order {
		qb = qb.OrderBy("t." + o)
	}
	if cfg.Limit != nil {
		qb = qb.Limit(*cfg.Limit)
	}
	if cfg.Offset != nil {
		qb = qb.Offset(*cfg.Offset)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, nil, &Error{Op: "find", Entity: childT.desc.EntityName, Err: err}
	}

	rows, err := childT.queryRows(ctx, OpFind, query, args)
	if err != nil {
		return nil, nil, err
	}

	// Rows repeat a target once per linked parent; hydrate each target only
	// once so nested resolution sees a deduplicated batch.
	hydrated := make(map[interface{}]interface{})
	var children []interface{}
	groups := make(map[interface{}][]interface{})

	for _, row := range rows {
		parentKey := normalizeKey(row[parentKeyAlias])
		delete(row, parentKeyAlias)

		pkVal := normalizeKey(row[targetPK.ColumnName])
		child, seen := hydrated[pkVal]
		if !seen {
			child, err = childT.desc.toEntity(row)
			if err != nil {
				return nil, nil, err
			}
			hydrated[pkVal] = child
			children = append(children, child)
		}
		if parentKey != nil {
			groups[parentKey] = append(groups[parentKey], child)
		}
	}

	for _, p := range parents {
		structVal := reflect.ValueOf(p).Elem()
		k := normalizeKey(parentPK.value(structVal))
		rel.setMany(structVal, groups[k])
	}
	return children, childT, nil
}

// collectKeys gathers the distinct non-NULL key values across the batch.
func collectKeys(parents []interface{}, col *ColumnDescriptor) []interface{} {
	seen := make(map[interface{}]bool, len(parents))
	keys := make([]interface{}, 0, len(parents))
	for _, p := range parents {
		v := col.value(reflect.ValueOf(p).Elem())
		if v == nil {
			continue
		}
		k := normalizeKey(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, v)
	}
	return keys
}

func indexByKey(entities []interface{}, desc *Descriptor, col *ColumnDescriptor) map[interface{}]interface{} {
	index := make(map[interface{}]interface{}, len(entities))
	for _, e := range entities {
		k := normalizeKey(col.value(reflect.ValueOf(e).Elem()))
		if k == nil {
			continue
		}
		if _, dup := index[k]; !dup {
			index[k] = e
		}
	}
	return index
}

func clearToOne(parents []interface{}, c *relationCommon) {
	for _, p := range parents {
		c.setOne(reflect.ValueOf(p).Elem(), nil)
	}
}

func clearToMany(parents []interface{}, c *relationCommon) {
	for _, p := range parents {
		c.setMany(reflect.ValueOf(p).Elem(), nil)
	}
}

// overlayWhere merges the relation's fixed filter with the per-call filter;
// per-call entries win on conflict.
func overlayWhere(base, extra Where) Where {
	out := make(Where, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// mergeRelationWhere overlays the filters and restricts keyProp to the
// batch's key set. An existing condition on keyProp is kept alongside the
// restriction.
func mergeRelationWhere(base, extra Where, keyProp string, keys []interface{}) Where {
	out := overlayWhere(base, extra)

	existing, ok := out[keyProp]
	if !ok {
		out[keyProp] = Op{"in": keys}
		return out
	}

	switch m := existing.(type) {
	case Op:
		merged := make(Op, len(m)+1)
		for k, v := range m {
			merged[k] = v
		}
		merged["in"] = keys
		out[keyProp] = merged
	case map[string]interface{}:
		merged := make(Op, len(m)+1)
		for k, v := range m {
			merged[k] = v
		}
		merged["in"] = keys
		out[keyProp] = merged
	default:
		out[keyProp] = Op{"eq": existing, "in": keys}
	}
	return out
}

// ensureSelected appends the stitch key to a non-empty projection so loaded
// rows can be matched back onto parents. An empty projection already covers
// every column.
func ensureSelected(selected []string, keyProp string) []string {
	if len(selected) == 0 {
		return nil
	}
	for _, s := range selected {
		if s == keyProp {
			return selected
		}
	}
	out := make([]string, 0, len(selected)+1)
	out = append(out, selected...)
	return append(out, keyProp)
}

func relationFindOptions(cfg RelationSpec, keyProp string) FindOptions {
	return FindOptions{
		Select:  ensureSelected(cfg.Select, keyProp),
		OrderBy: cfg.OrderBy,
		Limit:   cfg.Limit,
		Offset:  cfg.Offset,
	}
}
