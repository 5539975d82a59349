package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/addonrt/model"
)

// PgSchema creates the invocations table used by PgStore. kwargs and result
// are JSON rather than JSONB so they read back byte for byte.
const PgSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id                   TEXT PRIMARY KEY,
	operation_identifier TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	kwargs               JSON NOT NULL,
	integration_id       TEXT NOT NULL,
	implementation       TEXT NOT NULL,
	caller_id            TEXT NOT NULL,
	status               TEXT NOT NULL,
	result               JSON,
	exception_kind       TEXT NOT NULL DEFAULT '',
	exception_message    TEXT NOT NULL DEFAULT '',
	exception_trace      JSONB,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
)`

const selectInvocation = `
	SELECT id, operation_identifier, kind, kwargs, integration_id,
	       implementation, caller_id, status, result,
	       exception_kind, exception_message, exception_trace,
	       created_at, updated_at
	FROM invocations
	WHERE id = $1`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The execution lock is a
// row lock held by an open transaction.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL invocation store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the invocations table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create invocations table: %w", err)
	}
	return nil
}

// Create inserts a new invocation record.
func (s *PgStore) Create(ctx context.Context, inv *model.Invocation) error {
	traceJSON, err := marshalTrace(inv.ExceptionTrace)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO invocations (
			id, operation_identifier, kind, kwargs, integration_id,
			implementation, caller_id, status, result,
			exception_kind, exception_message, exception_trace,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14
		)`,
		inv.ID, inv.OperationIdentifier, inv.Kind, []byte(inv.KwargsJSON), inv.IntegrationID,
		inv.ImplementationName, inv.CallerID, inv.Status, nullJSON(inv.ResultJSON),
		inv.ExceptionKind, inv.ExceptionMessage, traceJSON,
		inv.CreatedAt, inv.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("invocation %q already exists", inv.ID))
	}
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Get retrieves an invocation by id.
func (s *PgStore) Get(ctx context.Context, id string) (*model.Invocation, error) {
	return scanInvocation(s.pool.QueryRow(ctx, selectInvocation, id), id)
}

// LockAndLoad opens a transaction and takes the row lock with
// SELECT ... FOR UPDATE.
func (s *PgStore) LockAndLoad(ctx context.Context, id string) (Locked, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin invocation transaction: %w", err)
	}
	inv, err := scanInvocation(tx.QueryRow(ctx, selectInvocation+" FOR UPDATE", id), id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgLocked{tx: tx, loaded: inv}, nil
}

// Ping checks the connection pool.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgLocked struct {
	tx     pgx.Tx
	loaded *model.Invocation
}

func (l *pgLocked) Invocation() *model.Invocation { return l.loaded.Clone() }

func (l *pgLocked) Save(ctx context.Context, inv *model.Invocation) error {
	return updateInvocation(ctx, l.tx, inv)
}

// Nested runs fn inside a savepoint.
func (l *pgLocked) Nested(ctx context.Context, fn func(Saver) error) error {
	sp, err := l.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(pgSaver{tx: sp}); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (l *pgLocked) Lost() <-chan struct{} { return nil }

func (l *pgLocked) Commit(ctx context.Context) error {
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit invocation transaction: %w", err)
	}
	return nil
}

func (l *pgLocked) Rollback(ctx context.Context) error {
	err := l.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback invocation transaction: %w", err)
	}
	return nil
}

type pgSaver struct {
	tx pgx.Tx
}

func (s pgSaver) Save(ctx context.Context, inv *model.Invocation) error {
	return updateInvocation(ctx, s.tx, inv)
}

func updateInvocation(ctx context.Context, tx pgx.Tx, inv *model.Invocation) error {
	traceJSON, err := marshalTrace(inv.ExceptionTrace)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE invocations SET
			implementation = $1,
			status = $2,
			result = $3,
			exception_kind = $4,
			exception_message = $5,
			exception_trace = $6,
			updated_at = $7
		WHERE id = $8`,
		inv.ImplementationName, inv.Status, nullJSON(inv.ResultJSON), inv.ExceptionKind,
		inv.ExceptionMessage, traceJSON, inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewInvocationNotFoundError(inv.ID)
	}
	return nil
}

func scanInvocation(row pgx.Row, id string) (*model.Invocation, error) {
	var inv model.Invocation
	var kwargs, result, traceJSON []byte

	err := row.Scan(
		&inv.ID, &inv.OperationIdentifier, &inv.Kind, &kwargs, &inv.IntegrationID,
		&inv.ImplementationName, &inv.CallerID, &inv.Status, &result,
		&inv.ExceptionKind, &inv.ExceptionMessage, &traceJSON,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewInvocationNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query invocation: %w", err)
	}

	inv.KwargsJSON = kwargs
	if result != nil {
		inv.ResultJSON = result
	}
	if traceJSON != nil {
		inv.ExceptionTrace = &model.ExceptionTrace{}
		if err := json.Unmarshal(traceJSON, inv.ExceptionTrace); err != nil {
			return nil, fmt.Errorf("unmarshal exception trace: %w", err)
		}
	}
	return &inv, nil
}

func marshalTrace(trace *model.ExceptionTrace) ([]byte, error) {
	if trace == nil {
		return nil, nil
	}
	data, err := json.Marshal(trace)
	if err != nil {
		return nil, fmt.Errorf("marshal exception trace: %w", err)
	}
	return data, nil
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
