package remote

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/fieldsync/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Postgres inserts device records straight into the central database.
// Inserts use ON CONFLICT (client_id) DO NOTHING, so a retried record that
// already landed returns the existing row instead of a duplicate.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PostgresOption configures the Postgres inserter.
type PostgresOption func(*Postgres)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs an inserter using the provided pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:       pool,
		maxRetries: 2,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureSchema creates the remote tables and their client_id uniqueness
// constraints when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply remote schema: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Insert stores the row and returns the server-side identifier.
func (p *Postgres) Insert(ctx context.Context, kind types.Kind, row types.Row) (types.RemoteID, error) {
	insertSQL, args := buildInsert(kind, row)
	selectSQL := fmt.Sprintf(`SELECT %s::text FROM %s WHERE client_id = $1`,
		pgx.Identifier{idColumn(kind)}.Sanitize(), pgx.Identifier{kind.Table()}.Sanitize())

	var remoteID string
	err := p.retry(ctx, func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, insertSQL, args...).Scan(&remoteID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict on client_id: the row is already there.
			return p.pool.QueryRow(ctx, selectSQL, string(row.ClientID)).Scan(&remoteID)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", kind.Table(), err)
	}
	return types.RemoteID(remoteID), nil
}

func buildInsert(kind types.Kind, row types.Row) (string, []any) {
	names := sortedColumns(row.Columns)
	columns := make([]string, 0, len(names)+2)
	placeholders := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+2)

	columns = append(columns, pgx.Identifier{"client_id"}.Sanitize(), pgx.Identifier{"timestamp"}.Sanitize())
	args = append(args, string(row.ClientID), row.CapturedAt)
	for _, name := range names {
		columns = append(columns, pgx.Identifier{name}.Sanitize())
		args = append(args, row.Columns[name])
	}
	for i := range args {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (client_id) DO NOTHING RETURNING %s::text`,
		pgx.Identifier{kind.Table()}.Sanitize(),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{idColumn(kind)}.Sanitize(),
	)
	return query, args
}

func (p *Postgres) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == p.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
