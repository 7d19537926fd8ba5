package quarry

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Where filters rows by entity property. A bare value means equality; an Op
// map selects explicit operators.
type Where map[string]interface{}

// Op is an operator object applied to a single property inside a Where.
type Op map[string]interface{}

// Order names a property and a direction for result ordering. Directions
// other than "asc", "desc" and "" are skipped.
type Order struct {
	Field string
	Dir   string
}

// opOrder fixes the rendering order of operator keys inside a single Op so
// generated SQL is deterministic.
var opOrder = []string{
	"eq", "ne", "gt", "gte", "lt", "lte",
	"in", "notIn",
	"like", "notLike",
	"between", "notBetween",
	"isNull", "notNull",
}

var knownOps = func() map[string]bool {
	m := make(map[string]bool, len(opOrder))
	for _, op := range opOrder {
		m[op] = true
	}
	return m
}()

// renderWhere turns a Where descriptor into a squirrel predicate. Property
// keys are validated up front so no SQL is emitted for a bad descriptor.
// Conditions follow the entity's column declaration order; the soft-delete
// filter, when active, is appended last. A nil result means no filtering.
func renderWhere(op string, desc *Descriptor, where Where, includeDeleted bool, prefix string) (sq.Sqlizer, error) {
	for key := range where {
		if _, ok := desc.column(key); !ok {
			return nil, columnNotFound(op, key, desc.EntityName)
		}
	}

	var conj sq.And
	for _, col := range desc.Columns {
		raw, ok := where[col.PropertyKey]
		if !ok {
			continue
		}
		name := prefix + col.ColumnName

		switch v := raw.(type) {
		case Op:
			preds, err := renderOp(op, col, name, map[string]interface{}(v))
			if err != nil {
				return nil, err
			}
			conj = append(conj, preds...)
		case map[string]interface{}:
			preds, err := renderOp(op, col, name, v)
			if err != nil {
				return nil, err
			}
			conj = append(conj, preds...)
		default:
			conj = append(conj, sq.Eq{name: columnValue(col, raw)})
		}
	}

	if desc.softDeleteColumn != nil && !includeDeleted {
		conj = append(conj, sq.Eq{prefix + desc.softDeleteColumn.ColumnName: nil})
	}

	if len(conj) == 0 {
		return nil, nil
	}
	return conj, nil
}

// renderOp expands one operator object into predicates, in opOrder.
func renderOp(op string, col *ColumnDescriptor, name string, ops map[string]interface{}) ([]sq.Sqlizer, error) {
	for key := range ops {
		if !knownOps[key] {
			return nil, unsupportedOperator(op, key)
		}
	}

	var preds []sq.Sqlizer
	for _, key := range opOrder {
		raw, ok := ops[key]
		if !ok {
			continue
		}

		switch key {
		case "eq":
			preds = append(preds, sq.Eq{name: columnValue(col, raw)})
		case "ne":
			preds = append(preds, sq.NotEq{name: columnValue(col, raw)})
		case "gt":
			preds = append(preds, sq.Gt{name: columnValue(col, raw)})
		case "gte":
			preds = append(preds, sq.GtOrEq{name: columnValue(col, raw)})
		case "lt":
			preds = append(preds, sq.Lt{name: columnValue(col, raw)})
		case "lte":
			preds = append(preds, sq.LtOrEq{name: columnValue(col, raw)})
		case "in":
			preds = append(preds, sq.Eq{name: columnValues(col, raw)})
		case "notIn":
			preds = append(preds, sq.NotEq{name: columnValues(col, raw)})
		case "like":
			preds = append(preds, sq.Like{name: raw})
		case "notLike":
			preds = append(preds, sq.NotLike{name: raw})
		case "between":
			lo, hi, err := betweenBounds(op, key, raw)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sq.Expr(name+" BETWEEN ? AND ?", columnValue(col, lo), columnValue(col, hi)))
		case "notBetween":
			lo, hi, err := betweenBounds(op, key, raw)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sq.Expr(name+" NOT BETWEEN ? AND ?", columnValue(col, lo), columnValue(col, hi)))
		case "isNull":
			if asBool(raw) {
				preds = append(preds, sq.Eq{name: nil})
			} else {
				preds = append(preds, sq.NotEq{name: nil})
			}
		case "notNull":
			if asBool(raw) {
				preds = append(preds, sq.NotEq{name: nil})
			} else {
				preds = append(preds, sq.Eq{name: nil})
			}
		}
	}

	return preds, nil
}

func betweenBounds(op, key string, raw interface{}) (interface{}, interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		if len(v) == 2 {
			return v[0], v[1], nil
		}
	case [2]interface{}:
		return v[0], v[1], nil
	}
	return nil, nil, &Error{Op: op, Operator: key, Err: fmt.Errorf("%w: expects a two-element range", ErrUnsupportedOperator)}
}

func asBool(raw interface{}) bool {
	if b, ok := raw.(bool); ok {
		return b
	}
	return true
}

// renderOrderBy turns Order entries into ORDER BY expressions. Unknown
// properties fail; unrecognized directions skip the entry.
func renderOrderBy(op string, desc *Descriptor, orderBy []Order) ([]string, error) {
	var out []string
	for _, o := range orderBy {
		col, ok := desc.column(o.Field)
		if !ok {
			return nil, columnNotFound(op, o.Field, desc.EntityName)
		}
		switch o.Dir {
		case "", "asc", "ASC":
			out = append(out, col.ColumnName+" ASC")
		case "desc", "DESC":
			out = append(out, col.ColumnName+" DESC")
		}
	}
	return out, nil
}

// renderSelect resolves a projection to column descriptors. Entries match by
// property key first, then by database column name. An empty projection
// selects every column in declaration order.
func renderSelect(op string, desc *Descriptor, selected []string) ([]*ColumnDescriptor, error) {
	if len(selected) == 0 {
		return desc.Columns, nil
	}

	out := make([]*ColumnDescriptor, 0, len(selected))
	for _, key := range selected {
		col, ok := desc.columnByAny(key)
		if !ok {
			return nil, columnNotFound(op, key, desc.EntityName)
		}
		out = append(out, col)
	}
	return out, nil
}
