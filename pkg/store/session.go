package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"opsgate/pkg/identity"
)

// Querier is the statement surface handed to RLS-scoped units of work.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is satisfied by *pgxpool.Pool and by test fakes.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithCallerScope runs fn inside one transaction whose session variables
// carry the caller's identity for row-level-security predicates. Variables
// are bound with set_config(..., true) so they are transaction-local and can
// never be observed by the next request to reuse the pooled connection.
//
// If binding fails the transaction is rolled back and the error surfaces;
// the unit of work is never executed without RLS context.
func WithCallerScope(ctx context.Context, db Beginner, caller identity.CallerContext, fn func(q Querier) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scoped tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := bindCaller(ctx, tx, caller); err != nil {
		return fmt.Errorf("bind caller scope: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit scoped tx: %w", err)
	}
	return nil
}

func bindCaller(ctx context.Context, tx pgx.Tx, caller identity.CallerContext) error {
	vars := [][2]string{
		{"app.user_id", caller.UserID},
		{"app.roles", strings.Join(caller.NormalizedRoles(), ",")},
		{"app.email", caller.Email},
		{"app.department_id", caller.DepartmentID},
		{"app.manager_id", caller.ManagerID},
	}
	for _, kv := range vars {
		if _, err := tx.Exec(ctx, `SELECT set_config($1, $2, true)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("set %s: %w", kv[0], err)
		}
	}
	return nil
}
