package quarry

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// Shared fixture entities covering every relation kind, soft delete and a
// JSON column.

type testUser struct {
	ID        int64 `db:"id"`
	Name      string
	Email     string
	Active    bool
	Settings  map[string]interface{}
	ProfileID *int64     `db:"profile_id"`
	DeletedAt *time.Time `db:"deleted_at"`

	Profile *testProfile
	Posts   []*testPost
}

type testProfile struct {
	ID  int64 `db:"id"`
	Bio string
}

type testPost struct {
	ID       int64 `db:"id"`
	Title    string
	AuthorID int64 `db:"author_id"`

	Author *testUser
	Tags   []*testTag
}

type testTag struct {
	ID    int64 `db:"id"`
	Label string
}

func init() {
	Register[testUser](func(e *EntityBuilder) {
		e.Table("users")
		e.Column("id", TypeNumber).Primary()
		e.Column("name", TypeString)
		e.Column("email", TypeString)
		e.Column("active", TypeBool)
		e.Column("settings", TypeJSON)
		e.Column("profileId", TypeNumber).Named("profile_id")
		e.Column("deletedAt", TypeTime).Named("deleted_at").SoftDelete().Hidden()
		e.OneToOne("profile", To[testProfile]()).ForeignKey("profileId")
		e.OneToMany("posts", To[testPost]()).InverseSide("author")
	})

	Register[testProfile](func(e *EntityBuilder) {
		e.Table("profiles")
		e.Column("id", TypeNumber).Primary()
		e.Column("bio", TypeString)
	})

	Register[testPost](func(e *EntityBuilder) {
		e.Table("posts")
		e.Column("id", TypeNumber).Primary()
		e.Column("title", TypeString)
		e.Column("authorId", TypeNumber).Named("author_id")
		e.ManyToOne("author", To[testUser]()).ForeignKey("authorId")
		e.ManyToMany("tags", To[testTag]()).JoinTable("post_tags", "post_id", "tag_id")
	})

	Register[testTag](func(e *EntityBuilder) {
		e.Table("tags")
		e.Column("id", TypeNumber).Primary()
		e.Column("label", TypeString)
	})
}

// newMockClient wires a Quarry client over a sqlmock connection.
func newMockClient(t *testing.T) (*Quarry, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(sqlx.NewDb(db, "mysql")), mock
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "active", "settings", "profile_id", "deleted_at"})
}

func postRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "author_id"})
}
