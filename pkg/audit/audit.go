package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Outcomes recorded on the trail.
const (
	OutcomeProposed = "PROPOSED"
	OutcomeExecuted = "EXECUTED"
	OutcomeDenied   = "DENIED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends one row per guardrail decision: proposal staged, execution
// applied, or request refused. The trail is append-only.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EventID        string          `json:"eventId"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	ConfirmationID string          `json:"confirmationId,omitempty"`
	ActorID        string          `json:"actorId"`
	ActorRoles     []string        `json:"actorRoles,omitempty"`
	Outcome        string          `json:"outcome"`
	Code           string          `json:"code,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	actor := rec.ActorID
	if w.Redact {
		actor = hashActor(actor, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO mutation_audit
		(event_id, action, entity_type, entity_id, confirmation_id, actor_id, actor_roles, outcome, code, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.EventID, rec.Action, rec.EntityType, rec.EntityID, rec.ConfirmationID,
		actor, strings.Join(rec.ActorRoles, ","), rec.Outcome, rec.Code, rec.Detail, rec.CreatedAt)
	return err
}

// ListByEntity returns the trail for one entity, newest first.
func (w *Writer) ListByEntity(ctx context.Context, entityType, entityID string) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, action, entity_type, entity_id, confirmation_id, actor_id, actor_roles, outcome, code, detail, created_at
		FROM mutation_audit WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at DESC
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var roles string
		var detail json.RawMessage
		if err := rows.Scan(&rec.EventID, &rec.Action, &rec.EntityType, &rec.EntityID,
			&rec.ConfirmationID, &rec.ActorID, &roles, &rec.Outcome, &rec.Code, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if roles != "" {
			rec.ActorRoles = strings.Split(roles, ",")
		}
		rec.Detail = detail
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hashActor(id string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}
