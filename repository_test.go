package quarry

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind(t *testing.T) {
	q, mock := newMockClient(t)
	users, err := RepositoryFor[testUser](q)
	require.NoError(t, err)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)

	t.Run("filters carry the soft delete guard", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id, name, email, active, settings, profile_id, deleted_at FROM users WHERE \(active = \? AND deleted_at IS NULL\) ORDER BY name ASC LIMIT 2`).
			WithArgs(1).
			WillReturnRows(userRows().
				AddRow(1, "Alice", "alice@example.com", 1, nil, nil, nil).
				AddRow(2, "Bob", "bob@example.com", 1, nil, nil, nil))

		got, err := users.Find(context.Background(), Where{"active": true}, &FindOptions{
			OrderBy: []Order{{Field: "name", Dir: "asc"}},
			Limit:   Limit(2),
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Alice", got[0].Name)
		assert.Equal(t, int64(2), got[1].ID)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("WithDeleted drops the guard", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM users WHERE \(id = \?\)`).
			WithArgs(1).
			WillReturnRows(userRows().AddRow(1, "Alice", "a@b.c", 1, nil, nil, "2024-01-01 00:00:00"))

		got, err := users.Find(context.Background(), Where{"id": 1}, &FindOptions{WithDeleted: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].DeletedAt)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("projection narrows the select list", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id, title FROM posts`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "Hello"))

		got, err := posts.Find(context.Background(), nil, &FindOptions{Select: []string{"id", "title"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Hello", got[0].Title)
		assert.Zero(t, got[0].AuthorID)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad where column fails before any query", func(t *testing.T) {
		_, err := users.Find(context.Background(), Where{"ghost": 1}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FindOne returns nil on no match", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM posts WHERE \(id = \?\) LIMIT 1`).
			WithArgs(99).
			WillReturnRows(postRows())

		got, err := posts.FindOne(context.Background(), Where{"id": 99}, nil)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FindByID narrows on the primary key", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM posts WHERE \(id = \?\) LIMIT 1`).
			WithArgs(5).
			WillReturnRows(postRows().AddRow(5, "Hi", 1))

		got, err := posts.FindByID(context.Background(), 5, nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(5), got.ID)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountAndExists(t *testing.T) {
	q, mock := newMockClient(t)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM posts WHERE \(title = \?\)`).
		WithArgs("Hello").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(3))

	n, err := posts.Count(context.Background(), Where{"title": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM posts`).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(0))

	ok, err := posts.Exists(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate(t *testing.T) {
	q, mock := newMockClient(t)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)

	t.Run("inserts and refreshes generated columns", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO posts \(author_id,title\) VALUES \(\?,\?\)`).
			WithArgs(int64(1), "Hello").
			WillReturnResult(sqlmock.NewResult(7, 1))
		mock.ExpectQuery(`SELECT .* FROM posts WHERE \(id = \?\) LIMIT 1`).
			WithArgs(int64(7)).
			WillReturnRows(postRows().AddRow(7, "Hello", 1))

		p := &testPost{Title: "Hello", AuthorID: 1}
		require.NoError(t, posts.Create(context.Background(), p))
		assert.Equal(t, int64(7), p.ID)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips the refresh when no key is available", func(t *testing.T) {
		// LastInsertId of zero with a zero-valued key leaves nothing to
		// refetch by; the insert alone must satisfy the call.
		mock.ExpectExec(`INSERT INTO posts \(author_id,title\) VALUES \(\?,\?\)`).
			WithArgs(int64(1), "unkeyed").
			WillReturnResult(sqlmock.NewResult(0, 1))

		p := &testPost{Title: "unkeyed", AuthorID: 1}
		require.NoError(t, posts.Create(context.Background(), p))
		assert.Zero(t, p.ID)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CreateMany batches into one statement", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO posts \(author_id,title\) VALUES \(\?,\?\),\(\?,\?\)`).
			WithArgs(int64(1), "a", int64(1), "b").
			WillReturnResult(sqlmock.NewResult(9, 2))

		err := posts.CreateMany(context.Background(), []*testPost{
			{Title: "a", AuthorID: 1},
			{Title: "b", AuthorID: 1},
		})
		require.NoError(t, err)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InsertMap validates keys and returns the id", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO posts \(author_id,title\) VALUES \(\?,\?\)`).
			WithArgs(int64(2), "From map").
			WillReturnResult(sqlmock.NewResult(11, 1))

		id, err := posts.InsertMap(context.Background(), map[string]interface{}{
			"title":    "From map",
			"authorId": int64(2),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(11), id)

		_, err = posts.InsertMap(context.Background(), map[string]interface{}{"ghost": 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSave(t *testing.T) {
	q, mock := newMockClient(t)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)

	t.Run("writes by primary key and refreshes", func(t *testing.T) {
		mock.ExpectExec(`UPDATE posts SET author_id = \?, title = \? WHERE \(id = \?\)`).
			WithArgs(int64(1), "Edited", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT .* FROM posts WHERE \(id = \?\) LIMIT 1`).
			WithArgs(int64(7)).
			WillReturnRows(postRows().AddRow(7, "Edited", 1))

		p := &testPost{ID: 7, Title: "Edited", AuthorID: 1}
		require.NoError(t, posts.Save(context.Background(), p))
		assert.Equal(t, "Edited", p.Title)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requires a non-zero primary key", func(t *testing.T) {
		err := posts.Save(context.Background(), &testPost{Title: "no id"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoPrimaryKey)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("vanished row reports not found", func(t *testing.T) {
		mock.ExpectExec(`UPDATE posts SET author_id = \?, title = \? WHERE \(id = \?\)`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .* FROM posts WHERE \(id = \?\) LIMIT 1`).
			WillReturnRows(postRows())

		err := posts.Save(context.Background(), &testPost{ID: 404, Title: "gone"})
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdate(t *testing.T) {
	q, mock := newMockClient(t)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)
	users, err := RepositoryFor[testUser](q)
	require.NoError(t, err)

	t.Run("partial update returns affected count", func(t *testing.T) {
		mock.ExpectExec(`UPDATE posts SET title = \? WHERE \(author_id = \?\)`).
			WithArgs("Renamed", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := posts.Update(context.Background(), Where{"authorId": int64(1)}, map[string]interface{}{"title": "Renamed"}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("soft delete guard applies unless lifted", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET name = \? WHERE \(id = \? AND deleted_at IS NULL\)`).
			WithArgs("New", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := users.Update(context.Background(), Where{"id": 1}, map[string]interface{}{"name": "New"}, nil)
		require.NoError(t, err)

		mock.ExpectExec(`UPDATE users SET name = \? WHERE \(id = \?\)`).
			WithArgs("New", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err = users.Update(context.Background(), Where{"id": 1}, map[string]interface{}{"name": "New"}, &UpdateOptions{WithDeleted: true})
		require.NoError(t, err)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown update key fails before any query", func(t *testing.T) {
		_, err := posts.Update(context.Background(), Where{"id": 1}, map[string]interface{}{"ghost": 1}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrColumnNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeleteAndRestore(t *testing.T) {
	q, mock := newMockClient(t)
	posts, err := RepositoryFor[testPost](q)
	require.NoError(t, err)
	users, err := RepositoryFor[testUser](q)
	require.NoError(t, err)

	t.Run("hard delete without a soft delete column", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM posts WHERE \(id = \?\)`).
			WithArgs(3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := posts.Delete(context.Background(), Where{"id": 3})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("soft delete stamps instead of deleting", func(t *testing.T) {
		// The stamping update must not carry the implicit deleted_at guard,
		// or rows that are already stamped would neither refresh nor count.
		mock.ExpectExec(`UPDATE users SET deleted_at = \? WHERE \(id = \?\)$`).
			WithArgs(sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := users.Delete(context.Background(), Where{"id": 1})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("soft delete re-stamps already deleted rows", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET deleted_at = \? WHERE \(active = \?\)$`).
			WithArgs(sqlmock.AnyArg(), 0).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := users.Delete(context.Background(), Where{"active": false})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("restore clears the stamp across deleted rows", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET deleted_at = \? WHERE \(id = \?\)`).
			WithArgs(nil, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := users.Restore(context.Background(), Where{"id": 1})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("restore requires a soft delete column", func(t *testing.T) {
		_, err := posts.Restore(context.Background(), Where{"id": 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSoftDeleteNotSupported)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver errors surface with operation context", func(t *testing.T) {
		boom := errors.New("connection reset")
		mock.ExpectExec(`DELETE FROM posts`).WillReturnError(boom)

		_, err := posts.Delete(context.Background(), Where{"id": 9})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "posts")

		require.NoError(t, mock.ExpectationsWereMet())
	})
}
