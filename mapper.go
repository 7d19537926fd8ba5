package quarry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// timeLayout is the MySQL DATETIME text format used for bound time values
// and for parsing driver rows that arrive as text.
const timeLayout = "2006-01-02 15:04:05"

// columnValue coerces an outbound value to its database representation.
// Nil stays nil so NULL binds survive the trip.
func columnValue(col *ColumnDescriptor, v interface{}) interface{} {
	if v == nil {
		return nil
	}

	switch col.Type {
	case TypeTime:
		switch t := v.(type) {
		case time.Time:
			return t.Format(timeLayout)
		case *time.Time:
			if t == nil {
				return nil
			}
			return t.Format(timeLayout)
		}
		return v
	case TypeJSON:
		switch j := v.(type) {
		case string:
			return j
		case []byte:
			return string(j)
		case JSONData:
			return j.String()
		}
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	case TypeBool:
		switch b := v.(type) {
		case bool:
			if b {
				return 1
			}
			return 0
		case *bool:
			if b == nil {
				return nil
			}
			if *b {
				return 1
			}
			return 0
		}
		return v
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil
			}
			return rv.Elem().Interface()
		}
		return v
	}
}

// columnValues coerces each element of an in/notIn operand.
func columnValues(col *ColumnDescriptor, raw interface{}) []interface{} {
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []interface{}{columnValue(col, raw)}
	}

	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = columnValue(col, rv.Index(i).Interface())
	}
	return out
}

// toRow maps an entity to a column-name keyed row for INSERT. The beforeSave
// hook runs first. A zero-valued primary key is omitted so auto-increment
// columns can fill it in.
func (d *Descriptor) toRow(entity interface{}) (map[string]interface{}, error) {
	if d.beforeSave != nil {
		if err := d.beforeSave(entity); err != nil {
			return nil, &Error{Op: "toRow", Entity: d.EntityName, Err: err}
		}
	}

	structVal := reflect.ValueOf(entity)
	if structVal.Kind() == reflect.Ptr {
		structVal = structVal.Elem()
	}

	row := make(map[string]interface{}, len(d.Columns))
	for _, col := range d.Columns {
		if col.Primary && col.isZero(structVal) {
			continue
		}
		row[col.ColumnName] = columnValue(col, col.value(structVal))
	}
	return row, nil
}

// rowFromMap validates and coerces a property-keyed partial map into a
// column-name keyed row. Hooks do not run for map partials.
func (d *Descriptor) rowFromMap(op string, values map[string]interface{}) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(values))
	for key, v := range values {
		col, ok := d.column(key)
		if !ok {
			return nil, columnNotFound(op, key, d.EntityName)
		}
		row[col.ColumnName] = columnValue(col, v)
	}
	return row, nil
}

// toEntity hydrates a new entity from a column-name keyed row. Missing and
// NULL columns leave the field at its zero value. The afterLoad hook runs on
// the hydrated entity. The result is a *T boxed as interface{}.
func (d *Descriptor) toEntity(row map[string]interface{}) (interface{}, error) {
	ptr := reflect.New(d.goType)
	structVal := ptr.Elem()

	for _, col := range d.Columns {
		raw, ok := row[col.ColumnName]
		if !ok || raw == nil {
			continue
		}
		if err := col.assign(structVal, raw); err != nil {
			return nil, &Error{Op: "toEntity", Entity: d.EntityName, Column: col.PropertyKey, Err: err}
		}
	}

	entity := ptr.Interface()
	if d.afterLoad != nil {
		if err := d.afterLoad(entity); err != nil {
			return nil, &Error{Op: "toEntity", Entity: d.EntityName, Err: err}
		}
	}
	return entity, nil
}

// assign coerces a driver value into the column's struct field. Drivers hand
// back a narrow set of shapes; each column type normalizes from those.
func (c *ColumnDescriptor) assign(structVal reflect.Value, raw interface{}) error {
	f := structVal.FieldByIndex(c.field.Index)

	ft := f.Type()
	if ft.Kind() == reflect.Ptr {
		ft = ft.Elem()
	}

	target := reflect.New(ft).Elem()
	if err := coerceInto(c.Type, target, raw); err != nil {
		return err
	}

	if f.Kind() == reflect.Ptr {
		p := reflect.New(ft)
		p.Elem().Set(target)
		f.Set(p)
	} else {
		f.Set(target)
	}
	return nil
}

func coerceInto(columnType Type, target reflect.Value, raw interface{}) error {
	switch columnType {
	case TypeString:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		target.SetString(s)

	case TypeNumber:
		switch target.Kind() {
		case reflect.Float32, reflect.Float64:
			fv, err := asFloat(raw)
			if err != nil {
				return err
			}
			target.SetFloat(fv)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			iv, err := asInt(raw)
			if err != nil {
				return err
			}
			target.SetUint(uint64(iv))
		default:
			iv, err := asInt(raw)
			if err != nil {
				return err
			}
			target.SetInt(iv)
		}

	case TypeBool:
		switch v := raw.(type) {
		case bool:
			target.SetBool(v)
		default:
			iv, err := asInt(raw)
			if err != nil {
				return err
			}
			target.SetBool(iv != 0)
		}

	case TypeTime:
		switch v := raw.(type) {
		case time.Time:
			target.Set(reflect.ValueOf(v))
		default:
			s, err := asString(raw)
			if err != nil {
				return err
			}
			t, err := parseTime(s)
			if err != nil {
				return err
			}
			target.Set(reflect.ValueOf(t))
		}

	case TypeJSON:
		var data []byte
		switch v := raw.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		case json.RawMessage:
			data = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			data = b
		}
		if err := json.Unmarshal(data, target.Addr().Interface()); err != nil {
			return fmt.Errorf("decode json column: %w", err)
		}

	default:
		return fmt.Errorf("unhandled column type %s", columnType)
	}

	return nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func asString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprintf("%v", raw), nil
	}
}

func asInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		var iv int64
		if _, err := fmt.Sscanf(string(v), "%d", &iv); err != nil {
			return 0, fmt.Errorf("parse integer %q: %w", string(v), err)
		}
		return iv, nil
	case string:
		var iv int64
		if _, err := fmt.Sscanf(v, "%d", &iv); err != nil {
			return 0, fmt.Errorf("parse integer %q: %w", v, err)
		}
		return iv, nil
	default:
		return 0, fmt.Errorf("cannot read %T as an integer", raw)
	}
}

func asFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case []byte:
		var fv float64
		if _, err := fmt.Sscanf(string(v), "%g", &fv); err != nil {
			return 0, fmt.Errorf("parse float %q: %w", string(v), err)
		}
		return fv, nil
	case string:
		var fv float64
		if _, err := fmt.Sscanf(v, "%g", &fv); err != nil {
			return 0, fmt.Errorf("parse float %q: %w", v, err)
		}
		return fv, nil
	default:
		return 0, fmt.Errorf("cannot read %T as a float", raw)
	}
}

// normalizeKey folds driver key values to a comparable canonical form so
// loaded rows stitch back onto the right parents.
func normalizeKey(v interface{}) interface{} {
	switch k := v.(type) {
	case nil:
		return nil
	case int:
		return int64(k)
	case int8:
		return int64(k)
	case int16:
		return int64(k)
	case int32:
		return int64(k)
	case int64:
		return k
	case uint:
		return int64(k)
	case uint8:
		return int64(k)
	case uint16:
		return int64(k)
	case uint32:
		return int64(k)
	case uint64:
		return int64(k)
	case float32:
		return float64(k)
	case float64:
		return k
	case []byte:
		return string(k)
	default:
		return v
	}
}
