package quarry

import (
	"context"
	"time"

	"github.com/quarrydb/quarry/internal/logger"
)

// OperationType labels the repository operation a query belongs to.
type OperationType string

const (
	OpFind    OperationType = "find"
	OpCount   OperationType = "count"
	OpCreate  OperationType = "create"
	OpUpdate  OperationType = "update"
	OpDelete  OperationType = "delete"
	OpRestore OperationType = "restore"
)

// MiddlewareContext carries a query through the middleware chain. Middleware
// may rewrite Query and Args before the terminal executor runs.
type MiddlewareContext struct {
	Context   context.Context
	Operation OperationType
	Entity    string
	Table     string
	Query     string
	Args      []interface{}
}

// QueryFunc is the terminal stage of the chain: it executes the query held
// in the context.
type QueryFunc func(mc *MiddlewareContext) error

// QueryMiddleware wraps query execution. Implementations call next to
// proceed, or return early to short-circuit.
type QueryMiddleware func(next QueryFunc) QueryFunc

type middlewareManager struct {
	chain []QueryMiddleware
}

func (m *middlewareManager) use(mw QueryMiddleware) {
	m.chain = append(m.chain, mw)
}

// execute runs mc through the registered middleware and then final. The
// first registered middleware is the outermost.
func (m *middlewareManager) execute(mc *MiddlewareContext, final QueryFunc) error {
	h := final
	for i := len(m.chain) - 1; i >= 0; i-- {
		h = m.chain[i](h)
	}
	return h(mc)
}

// LoggingMiddleware logs every query with its operation, duration and
// outcome.
func LoggingMiddleware(log logger.Logger) QueryMiddleware {
	return func(next QueryFunc) QueryFunc {
		return func(mc *MiddlewareContext) error {
			start := time.Now()
			err := next(mc)
			elapsed := time.Since(start)

			if err != nil {
				log.Error("query failed",
					"op", string(mc.Operation),
					"entity", mc.Entity,
					"query", mc.Query,
					"duration", elapsed.String(),
					"error", err.Error(),
				)
				return err
			}

			log.Debug("query executed",
				"op", string(mc.Operation),
				"entity", mc.Entity,
				"query", mc.Query,
				"duration", elapsed.String(),
			)
			return nil
		}
	}
}
