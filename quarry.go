// Package quarry is a query-building and entity-mapping layer for
// MySQL-family databases. Entities register a declarative schema once;
// repositories then provide finds with operator-based filtering, batched
// relation loading, soft-delete aware writes and transactions.
package quarry

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quarrydb/quarry/internal/logger"
)

// Quarry is the client handle shared by all repositories. It owns the
// database connection, the middleware chain and the logger.
type Quarry struct {
	db         *sqlx.DB
	middleware *middlewareManager
	logger     logger.Logger
}

// Option configures a Quarry client.
type Option func(*Quarry)

// WithLogger installs a logger and a logging middleware emitting every query.
func WithLogger(log logger.Logger) Option {
	return func(q *Quarry) {
		q.logger = log
		q.middleware.use(LoggingMiddleware(log))
	}
}

// WithMiddleware registers a query middleware at construction time.
func WithMiddleware(mw QueryMiddleware) Option {
	return func(q *Quarry) {
		q.middleware.use(mw)
	}
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) *Quarry {
	q := &Quarry{
		db:         db,
		middleware: &middlewareManager{},
		logger:     &logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open connects to the database and wraps the pool. The driver must be
// registered, typically by importing github.com/go-sql-driver/mysql.
func Open(driverName, dsn string, opts ...Option) (*Quarry, error) {
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("quarry: connect: %w", err)
	}
	return New(db, opts...), nil
}

// Use registers a query middleware. Middleware run in registration order,
// outermost first.
func (q *Quarry) Use(mw QueryMiddleware) {
	q.middleware.use(mw)
}

// DB exposes the underlying pool for queries outside the repository layer.
func (q *Quarry) DB() *sqlx.DB {
	return q.db
}

// Close closes the underlying pool.
func (q *Quarry) Close() error {
	return q.db.Close()
}
