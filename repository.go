package quarry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// FindOptions shapes a find beyond its Where filter.
type FindOptions struct {
	Select      []string
	OrderBy     []Order
	Limit       *uint64
	Offset      *uint64
	WithDeleted bool
	Relations   []RelationSpec
}

// UpdateOptions shapes an update beyond its Where filter.
type UpdateOptions struct {
	WithDeleted bool
}

// Limit boxes a limit or offset literal for FindOptions.
func Limit(n uint64) *uint64 {
	return &n
}

// table is the untyped execution core shared by all repositories over one
// entity type. It renders statements, runs them through the middleware
// chain and maps rows.
type table struct {
	client *Quarry
	db     DBExecutor
	desc   *Descriptor
}

func newTable(q *Quarry, t reflect.Type) (*table, error) {
	desc, err := catalog.describe(t)
	if err != nil {
		return nil, err
	}
	return &table{client: q, db: q.db, desc: desc}, nil
}

// forType builds a sibling table over another entity type, sharing the
// executor. Used by relation loading.
func (t *table) forType(target reflect.Type) (*table, error) {
	desc, err := catalog.describe(target)
	if err != nil {
		return nil, err
	}
	return &table{client: t.client, db: t.db, desc: desc}, nil
}

func (t *table) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// queryRows runs a SELECT through the middleware chain and scans every row
// into a generic map.
func (t *table) queryRows(ctx context.Context, op OperationType, query string, args []interface{}) ([]map[string]interface{}, error) {
	mc := &MiddlewareContext{
		Context:   ctx,
		Operation: op,
		Entity:    t.desc.EntityName,
		Table:     t.desc.TableName,
		Query:     query,
		Args:      args,
	}

	var out []map[string]interface{}
	err := t.client.middleware.execute(mc, func(mc *MiddlewareContext) error {
		rows, err := t.db.QueryxContext(mc.Context, mc.Query, mc.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			row := make(map[string]interface{})
			if err := rows.MapScan(row); err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &Error{Op: string(op), Entity: t.desc.EntityName, Table: t.desc.TableName, Err: err}
	}
	return out, nil
}

// execStatement runs a write through the middleware chain and reports the
// affected row count and last insert id.
func (t *table) execStatement(ctx context.Context, op OperationType, query string, args []interface{}) (affected, lastID int64, err error) {
	mc := &MiddlewareContext{
		Context:   ctx,
		Operation: op,
		Entity:    t.desc.EntityName,
		Table:     t.desc.TableName,
		Query:     query,
		Args:      args,
	}

	err = t.client.middleware.execute(mc, func(mc *MiddlewareContext) error {
		res, err := t.db.ExecContext(mc.Context, mc.Query, mc.Args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		lastID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return 0, 0, &Error{Op: string(op), Entity: t.desc.EntityName, Table: t.desc.TableName, Err: err}
	}
	return affected, lastID, nil
}

// find renders and runs a SELECT, hydrates entities and resolves any
// requested relations. All descriptor validation happens before SQL is sent.
func (t *table) find(ctx context.Context, where Where, opts FindOptions) ([]interface{}, error) {
	cols, err := renderSelect("find", t.desc, opts.Select)
	if err != nil {
		return nil, err
	}
	pred, err := renderWhere("find", t.desc, where, opts.WithDeleted, "")
	if err != nil {
		return nil, err
	}
	order, err := renderOrderBy("find", t.desc, opts.OrderBy)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.ColumnName
	}

	qb := t.builder().Select(names...).From(t.desc.TableName)
	if pred != nil {
		qb = qb.Where(pred)
	}
	if len(order) > 0 {
		qb = qb.OrderBy(order...)
	}
	if opts.Limit != nil {
		qb = qb.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		qb = qb.Offset(*opts.Offset)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, &Error{Op: "find", Entity: t.desc.EntityName, Err: err}
	}

	rows, err := t.queryRows(ctx, OpFind, query, args)
	if err != nil {
		return nil, err
	}

	entities := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		e, err := t.desc.toEntity(row)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	if len(opts.Relations) > 0 && len(entities) > 0 {
		if err := t.resolveRelations(ctx, entities, opts.Relations); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func (t *table) count(ctx context.Context, where Where, withDeleted bool) (int64, error) {
	pred, err := renderWhere("count", t.desc, where, withDeleted, "")
	if err != nil {
		return 0, err
	}

	qb := t.builder().Select("COUNT(*)").From(t.desc.TableName)
	if pred != nil {
		qb = qb.Where(pred)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return 0, &Error{Op: "count", Entity: t.desc.EntityName, Err: err}
	}

	mc := &MiddlewareContext{
		Context:   ctx,
		Operation: OpCount,
		Entity:    t.desc.EntityName,
		Table:     t.desc.TableName,
		Query:     query,
		Args:      args,
	}

	var n int64
	err = t.client.middleware.execute(mc, func(mc *MiddlewareContext) error {
		return t.db.GetContext(mc.Context, &n, mc.Query, mc.Args...)
	})
	if err != nil {
		return 0, &Error{Op: "count", Entity: t.desc.EntityName, Table: t.desc.TableName, Err: err}
	}
	return n, nil
}

// insert writes one column-keyed row. Columns render in sorted order so the
// statement shape is stable.
func (t *table) insert(ctx context.Context, row map[string]interface{}) (int64, error) {
	names := sortedKeys(row)
	vals := make([]interface{}, len(names))
	for i, name := range names {
		vals[i] = row[name]
	}

	query, args, err := t.builder().Insert(t.desc.TableName).Columns(names...).Values(vals...).ToSql()
	if err != nil {
		return 0, &Error{Op: "create", Entity: t.desc.EntityName, Err: err}
	}

	_, lastID, err := t.execStatement(ctx, OpCreate, query, args)
	return lastID, err
}

// insertMany writes several rows in one statement. The column set is the
// union across rows; absent cells bind NULL.
func (t *table) insertMany(ctx context.Context, rows []map[string]interface{}) error {
	union := make(map[string]bool)
	for _, row := range rows {
		for name := range row {
			union[name] = true
		}
	}
	names := sortedKeys(union)

	qb := t.builder().Insert(t.desc.TableName).Columns(names...)
	for _, row := range rows {
		vals := make([]interface{}, len(names))
		for i, name := range names {
			vals[i] = row[name]
		}
		qb = qb.Values(vals...)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return &Error{Op: "create", Entity: t.desc.EntityName, Err: err}
	}

	_, _, err = t.execStatement(ctx, OpCreate, query, args)
	return err
}

// update writes a column-keyed partial to rows matching where. SetMap
// renders columns in sorted order.
func (t *table) update(ctx context.Context, op OperationType, where Where, row map[string]interface{}, withDeleted bool) (int64, error) {
	pred, err := renderWhere(string(op), t.desc, where, withDeleted, "")
	if err != nil {
		return 0, err
	}

	qb := t.builder().Update(t.desc.TableName).SetMap(row)
	if pred != nil {
		qb = qb.Where(pred)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return 0, &Error{Op: string(op), Entity: t.desc.EntityName, Err: err}
	}

	affected, _, err := t.execStatement(ctx, op, query, args)
	return affected, err
}

// deleteRows hard-deletes rows matching where.
func (t *table) deleteRows(ctx context.Context, where Where) (int64, error) {
	pred, err := renderWhere("delete", t.desc, where, true, "")
	if err != nil {
		return 0, err
	}

	qb := t.builder().Delete(t.desc.TableName)
	if pred != nil {
		qb = qb.Where(pred)
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return 0, &Error{Op: "delete", Entity: t.desc.EntityName, Err: err}
	}

	affected, _, err := t.execStatement(ctx, OpDelete, query, args)
	return affected, err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Repository provides typed persistence operations for entity type T.
type Repository[T any] struct {
	t *table
}

// RepositoryFor builds a repository for a registered entity type.
func RepositoryFor[T any](q *Quarry) (*Repository[T], error) {
	t, err := newTable(q, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	return &Repository[T]{t: t}, nil
}

// WithTx returns a repository running every statement on the transaction.
func (r *Repository[T]) WithTx(tx *sqlx.Tx) *Repository[T] {
	return &Repository[T]{t: &table{client: r.t.client, db: tx, desc: r.t.desc}}
}

// Descriptor exposes the entity's schema metadata.
func (r *Repository[T]) Descriptor() *Descriptor {
	return r.t.desc
}

// Find returns every entity matching where, shaped by opts.
func (r *Repository[T]) Find(ctx context.Context, where Where, opts *FindOptions) ([]*T, error) {
	var o FindOptions
	if opts != nil {
		o = *opts
	}

	raw, err := r.t.find(ctx, where, o)
	if err != nil {
		return nil, err
	}

	out := make([]*T, len(raw))
	for i, e := range raw {
		out[i] = e.(*T)
	}
	return out, nil
}

// FindOne returns the first entity matching where, or nil when none does.
func (r *Repository[T]) FindOne(ctx context.Context, where Where, opts *FindOptions) (*T, error) {
	var o FindOptions
	if opts != nil {
		o = *opts
	}
	one := uint64(1)
	o.Limit = &one

	raw, err := r.t.find(ctx, where, o)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw[0].(*T), nil
}

// FindByID returns the entity with the given primary key, or nil.
func (r *Repository[T]) FindByID(ctx context.Context, id interface{}, opts *FindOptions) (*T, error) {
	pk := r.t.desc.PrimaryKey
	if pk == nil {
		return nil, &Error{Op: "find", Entity: r.t.desc.EntityName, Err: ErrNoPrimaryKey}
	}
	return r.FindOne(ctx, Where{pk.PropertyKey: id}, opts)
}

// Count returns the number of rows matching where, honoring soft-delete.
func (r *Repository[T]) Count(ctx context.Context, where Where) (int64, error) {
	return r.t.count(ctx, where, false)
}

// Exists reports whether any row matches where.
func (r *Repository[T]) Exists(ctx context.Context, where Where) (bool, error) {
	n, err := r.t.count(ctx, where, false)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Create inserts the entity and refreshes it from the database so generated
// columns land back on the struct.
func (r *Repository[T]) Create(ctx context.Context, entity *T) error {
	row, err := r.t.desc.toRow(entity)
	if err != nil {
		return err
	}

	lastID, err := r.t.insert(ctx, row)
	if err != nil {
		return err
	}

	pk := r.t.desc.PrimaryKey
	if pk == nil {
		return nil
	}

	id := interface{}(lastID)
	if lastID == 0 {
		structVal := reflect.ValueOf(entity).Elem()
		if pk.isZero(structVal) {
			return nil
		}
		id = pk.value(structVal)
	}
	return r.refresh(ctx, entity, id)
}

// CreateMany inserts the entities in a single statement. Entities are not
// refreshed afterwards.
func (r *Repository[T]) CreateMany(ctx context.Context, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}

	rows := make([]map[string]interface{}, len(entities))
	for i, e := range entities {
		row, err := r.t.desc.toRow(e)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	return r.t.insertMany(ctx, rows)
}

// InsertMap inserts a property-keyed partial row and returns the generated
// id. Hooks do not run.
func (r *Repository[T]) InsertMap(ctx context.Context, values map[string]interface{}) (int64, error) {
	row, err := r.t.desc.rowFromMap("create", values)
	if err != nil {
		return 0, err
	}
	return r.t.insert(ctx, row)
}

// Save writes the entity's full column set back by primary key and
// refreshes it. The entity must carry a non-zero primary key.
func (r *Repository[T]) Save(ctx context.Context, entity *T) error {
	pk := r.t.desc.PrimaryKey
	if pk == nil {
		return &Error{Op: "update", Entity: r.t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	structVal := reflect.ValueOf(entity).Elem()
	if pk.isZero(structVal) {
		return &Error{Op: "update", Entity: r.t.desc.EntityName, Err: ErrNoPrimaryKey}
	}
	id := pk.value(structVal)

	row, err := r.t.desc.toRow(entity)
	if err != nil {
		return err
	}
	delete(row, pk.ColumnName)

	if _, err := r.t.update(ctx, OpUpdate, Where{pk.PropertyKey: id}, row, false); err != nil {
		return err
	}
	return r.refresh(ctx, entity, id)
}

// Update writes a property-keyed partial to every row matching where and
// returns the affected count. Hooks do not run for map partials.
func (r *Repository[T]) Update(ctx context.Context, where Where, values map[string]interface{}, opts *UpdateOptions) (int64, error) {
	row, err := r.t.desc.rowFromMap("update", values)
	if err != nil {
		return 0, err
	}

	withDeleted := false
	if opts != nil {
		withDeleted = opts.WithDeleted
	}
	return r.t.update(ctx, OpUpdate, where, row, withDeleted)
}

// Delete removes rows matching where. Entities with a soft-delete column
// are stamped instead of removed. The stamping update lifts the implicit
// guard so it is not filtered out by the very column it is setting; rows
// already stamped get a fresh timestamp and count toward the total.
func (r *Repository[T]) Delete(ctx context.Context, where Where) (int64, error) {
	soft := r.t.desc.softDeleteColumn
	if soft == nil {
		return r.t.deleteRows(ctx, where)
	}

	stamp := map[string]interface{}{
		soft.ColumnName: columnValue(soft, time.Now().UTC()),
	}
	return r.t.update(ctx, OpDelete, where, stamp, true)
}

// DeleteOne deletes the entity by its primary key.
func (r *Repository[T]) DeleteOne(ctx context.Context, entity *T) error {
	pk := r.t.desc.PrimaryKey
	if pk == nil {
		return &Error{Op: "delete", Entity: r.t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	structVal := reflect.ValueOf(entity).Elem()
	if pk.isZero(structVal) {
		return &Error{Op: "delete", Entity: r.t.desc.EntityName, Err: ErrNoPrimaryKey}
	}

	_, err := r.Delete(ctx, Where{pk.PropertyKey: pk.value(structVal)})
	return err
}

// Restore clears the soft-delete stamp on rows matching where. The entity
// must declare a soft-delete column.
func (r *Repository[T]) Restore(ctx context.Context, where Where) (int64, error) {
	soft := r.t.desc.softDeleteColumn
	if soft == nil {
		return 0, softDeleteNotSupported("restore", r.t.desc.EntityName)
	}

	cleared := map[string]interface{}{soft.ColumnName: nil}
	return r.t.update(ctx, OpRestore, where, cleared, true)
}

// refresh re-reads the row by primary key, including soft-deleted rows, and
// copies it over the entity in place.
func (r *Repository[T]) refresh(ctx context.Context, entity *T, id interface{}) error {
	pk := r.t.desc.PrimaryKey

	raw, err := r.t.find(ctx, Where{pk.PropertyKey: id}, FindOptions{WithDeleted: true, Limit: Limit(1)})
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return &Error{Op: "find", Entity: r.t.desc.EntityName, Err: fmt.Errorf("%w: id %v", ErrNotFound, id)}
	}

	reflect.ValueOf(entity).Elem().Set(reflect.ValueOf(raw[0]).Elem())
	return nil
}
