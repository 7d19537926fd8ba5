package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderSQL(t *testing.T, desc *Descriptor, where Where, includeDeleted bool) (string, []interface{}) {
	t.Helper()

	pred, err := renderWhere("find", desc, where, includeDeleted, "")
	require.NoError(t, err)
	require.NotNil(t, pred)

	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	return sql, args
}

func TestRenderWhere(t *testing.T) {
	users, err := Describe[testUser]()
	require.NoError(t, err)
	posts, err := Describe[testPost]()
	require.NoError(t, err)

	t.Run("bare values follow column declaration order", func(t *testing.T) {
		where := Where{"active": true, "email": "a@b.c", "name": "Alice"}

		for i := 0; i < 5; i++ {
			sql, args := renderSQL(t, users, where, false)
			assert.Equal(t, "(name = ? AND email = ? AND active = ? AND deleted_at IS NULL)", sql)
			assert.Equal(t, []interface{}{"Alice", "a@b.c", 1}, args)
		}
	})

	t.Run("soft delete filter is appended last", func(t *testing.T) {
		sql, _ := renderSQL(t, users, Where{"name": "Alice"}, false)
		assert.Equal(t, "(name = ? AND deleted_at IS NULL)", sql)

		pred, err := renderWhere("find", users, Where{"name": "Alice"}, true, "")
		require.NoError(t, err)
		sql, _, err = pred.ToSql()
		require.NoError(t, err)
		assert.Equal(t, "(name = ?)", sql)
	})

	t.Run("no soft delete column means no implicit filter", func(t *testing.T) {
		sql, _ := renderSQL(t, posts, Where{"title": "Hello"}, false)
		assert.Equal(t, "(title = ?)", sql)
	})

	t.Run("empty descriptor on plain entity renders nothing", func(t *testing.T) {
		pred, err := renderWhere("find", posts, Where{}, false, "")
		require.NoError(t, err)
		assert.Nil(t, pred)
	})

	t.Run("operator objects render in fixed operator order", func(t *testing.T) {
		where := Where{"id": Op{"lte": 10, "gt": 1}}

		sql, args := renderSQL(t, posts, where, false)
		assert.Equal(t, "(id > ? AND id <= ?)", sql)
		assert.Equal(t, []interface{}{1, 10}, args)
	})

	t.Run("in and notIn", func(t *testing.T) {
		sql, args := renderSQL(t, posts, Where{"id": Op{"in": []int64{1, 2, 3}}}, false)
		assert.Equal(t, "(id IN (?,?,?))", sql)
		assert.Len(t, args, 3)

		sql, _ = renderSQL(t, posts, Where{"id": Op{"notIn": []int64{1, 2}}}, false)
		assert.Equal(t, "(id NOT IN (?,?))", sql)
	})

	t.Run("like and between", func(t *testing.T) {
		sql, args := renderSQL(t, users, Where{"email": Op{"like": "%@example.com"}}, true)
		assert.Equal(t, "(email LIKE ?)", sql)
		assert.Equal(t, []interface{}{"%@example.com"}, args)

		sql, args = renderSQL(t, posts, Where{"id": Op{"between": []interface{}{5, 9}}}, false)
		assert.Equal(t, "(id BETWEEN ? AND ?)", sql)
		assert.Equal(t, []interface{}{5, 9}, args)
	})

	t.Run("null checks", func(t *testing.T) {
		sql, _ := renderSQL(t, users, Where{"profileId": Op{"isNull": true}}, true)
		assert.Equal(t, "(profile_id IS NULL)", sql)

		sql, _ = renderSQL(t, users, Where{"profileId": Op{"notNull": true}}, true)
		assert.Equal(t, "(profile_id IS NOT NULL)", sql)
	})

	t.Run("plain operator maps work like Op", func(t *testing.T) {
		sql, _ := renderSQL(t, posts, Where{"id": map[string]interface{}{"gte": 3}}, false)
		assert.Equal(t, "(id >= ?)", sql)
	})

	t.Run("unknown column fails before SQL is built", func(t *testing.T) {
		_, err := renderWhere("find", users, Where{"nope": 1}, false, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)
		assert.Contains(t, err.Error(), "testUser")
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("unknown operator fails", func(t *testing.T) {
		_, err := renderWhere("find", posts, Where{"id": Op{"almost": 1}}, false, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedOperator)
		assert.Contains(t, err.Error(), "almost")
	})

	t.Run("between requires a two-element range", func(t *testing.T) {
		_, err := renderWhere("find", posts, Where{"id": Op{"between": []interface{}{1}}, "title": "x"}, false, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedOperator)
	})

	t.Run("column prefix applies to every condition", func(t *testing.T) {
		pred, err := renderWhere("find", posts, Where{"title": "Hi"}, false, "t.")
		require.NoError(t, err)
		sql, _, err := pred.ToSql()
		require.NoError(t, err)
		assert.Equal(t, "(t.title = ?)", sql)
	})
}

func TestRenderOrderBy(t *testing.T) {
	users, err := Describe[testUser]()
	require.NoError(t, err)

	t.Run("directions normalize and unknown directions skip", func(t *testing.T) {
		out, err := renderOrderBy("find", users, []Order{
			{Field: "name"},
			{Field: "email", Dir: "desc"},
			{Field: "active", Dir: "sideways"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"name ASC", "email DESC"}, out)
	})

	t.Run("unknown field fails", func(t *testing.T) {
		_, err := renderOrderBy("find", users, []Order{{Field: "nope"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)
	})
}

func TestRenderSelect(t *testing.T) {
	users, err := Describe[testUser]()
	require.NoError(t, err)

	t.Run("empty projection selects everything in order", func(t *testing.T) {
		cols, err := renderSelect("find", users, nil)
		require.NoError(t, err)
		assert.Len(t, cols, len(users.Columns))
		assert.Equal(t, "id", cols[0].ColumnName)
	})

	t.Run("entries resolve by property key or column name", func(t *testing.T) {
		cols, err := renderSelect("find", users, []string{"profileId", "deleted_at"})
		require.NoError(t, err)
		require.Len(t, cols, 2)
		assert.Equal(t, "profile_id", cols[0].ColumnName)
		assert.Equal(t, "deleted_at", cols[1].ColumnName)
	})

	t.Run("unknown entry fails", func(t *testing.T) {
		_, err := renderSelect("find", users, []string{"nope"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)
	})
}
