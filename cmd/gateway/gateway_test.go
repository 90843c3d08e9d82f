package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"opsgate/pkg/audit"
	"opsgate/pkg/confirm"
	"opsgate/pkg/events"
	"opsgate/pkg/metrics"
	"opsgate/pkg/stream"
)

type fakeGatewayDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginErr   error
	execSQL    []string
	execArgs   [][]any
	queryRows  int
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeGatewayRows{}, nil
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryRows++
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeGatewayRow{err: pgx.ErrNoRows}
}

func (f *fakeGatewayDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeGatewayTx{db: f}, nil
}

func (f *fakeGatewayDB) Close() {}

// fakeGatewayTx routes statements back to the fake DB so tests observe one
// flat statement log regardless of transaction boundaries.
type fakeGatewayTx struct {
	db        *fakeGatewayDB
	committed bool
}

func (t *fakeGatewayTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeGatewayTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeGatewayTx) Rollback(ctx context.Context) error { return nil }
func (t *fakeGatewayTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeGatewayTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeGatewayTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeGatewayTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeGatewayTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, arguments...)
}
func (t *fakeGatewayTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *fakeGatewayTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}
func (t *fakeGatewayTx) Conn() *pgx.Conn { return nil }

type fakeGatewayRow struct {
	values []any
	err    error
}

func (r fakeGatewayRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignGatewayScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeGatewayRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeGatewayRows) Close()                                       {}
func (r *fakeGatewayRows) Err() error                                   { return r.err }
func (r *fakeGatewayRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeGatewayRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeGatewayRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeGatewayRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignGatewayScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeGatewayRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func (r *fakeGatewayRows) RawValues() [][]byte { return nil }
func (r *fakeGatewayRows) Conn() *pgx.Conn     { return nil }

func assignGatewayScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *int64:
		switch v := value.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return errors.New("value is not int64")
		}
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

type fakeAuditTrail struct {
	records []audit.Record
	err     error
}

func (f *fakeAuditTrail) Append(ctx context.Context, rec audit.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditTrail) ListByEntity(ctx context.Context, entityType, entityID string) ([]audit.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []audit.Record{}
	for _, rec := range f.records {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAuditTrail) lastOutcome() string {
	if len(f.records) == 0 {
		return ""
	}
	return f.records[len(f.records)-1].Outcome
}

type capturedPublisher struct {
	records []events.MutationRecord
	err     error
}

func (p *capturedPublisher) Publish(ctx context.Context, rec events.MutationRecord) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, rec)
	return nil
}

type failingConfirmStore struct{ err error }

func (f failingConfirmStore) Put(ctx context.Context, p confirm.Pending, ttl time.Duration) error {
	return f.err
}

func (f failingConfirmStore) Get(ctx context.Context, id string) (confirm.Pending, error) {
	return confirm.Pending{}, f.err
}

func newTestServer(db *fakeGatewayDB) (*Server, *fakeAuditTrail) {
	trail := &fakeAuditTrail{}
	s := &Server{
		DB:              db,
		Confirmations:   confirm.NewMemoryStore(),
		Audit:           trail,
		Metrics:         metrics.NewRegistry(),
		Events:          stream.NewHub(),
		ConfirmationTTL: time.Minute,
	}
	return s, trail
}

func testRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/tools/{action}", s.handleTool)
	r.Post("/execute", s.handleExecute)
	r.Get("/v1/confirmations/{confirmation_id}", s.getConfirmation)
	r.Get("/v1/audit/{entity_type}/{entity_id}", s.listAudit)
	return r
}

func doJSON(h http.Handler, method, path string, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

const financeWriterContext = `"userContext":{"userId":"u-101","username":"casey","roles":["finance-write"],"email":"casey@example.com","departmentId":"fin-3"}`

const financeReaderContext = `"userContext":{"userId":"u-202","username":"rae","roles":["finance-read"]}`

func statusRow(status string) fakeGatewayRow {
	return fakeGatewayRow{values: []any{status}}
}
