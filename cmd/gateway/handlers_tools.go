package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"opsgate/pkg/audit"
	"opsgate/pkg/confirm"
	"opsgate/pkg/entityfsm"
	"opsgate/pkg/identity"
	"opsgate/pkg/policy"
	"opsgate/pkg/respond"
	"opsgate/pkg/store"
	"opsgate/pkg/stream"
)

// toolRequest is the body an agent posts to /tools/{action}. The entity id
// may arrive under the generic key or under the entity-specific alias the
// tool schema advertises.
type toolRequest struct {
	UserContext      *identity.CallerContext `json:"userContext,omitempty"`
	EntityID         string                  `json:"entityId,omitempty"`
	ExpenseReportID  string                  `json:"expenseReportId,omitempty"`
	InvoiceID        string                  `json:"invoiceId,omitempty"`
	BudgetID         string                  `json:"budgetId,omitempty"`
	TimeOffRequestID string                  `json:"timeOffRequestId,omitempty"`
	Notes            string                  `json:"notes,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
	PaymentRef       string                  `json:"paymentRef,omitempty"`
}

func (t toolRequest) entityID(e *entityfsm.Entity) string {
	var alias string
	switch e {
	case entityfsm.ExpenseReport:
		alias = t.ExpenseReportID
	case entityfsm.Invoice:
		alias = t.InvoiceID
	case entityfsm.Budget:
		alias = t.BudgetID
	case entityfsm.TimeOffRequest:
		alias = t.TimeOffRequestID
	}
	if alias = strings.TrimSpace(alias); alias != "" {
		return alias
	}
	return strings.TrimSpace(t.EntityID)
}

func (t toolRequest) fieldValue(key string) string {
	switch key {
	case "notes":
		return strings.TrimSpace(t.Notes)
	case "reason":
		return strings.TrimSpace(t.Reason)
	case "paymentRef":
		return strings.TrimSpace(t.PaymentRef)
	}
	return ""
}

func (t toolRequest) userFields(rule entityfsm.Rule) map[string]string {
	var out map[string]string
	for _, f := range rule.Fields {
		if v := t.fieldValue(f.Key); v != "" {
			if out == nil {
				out = map[string]string{}
			}
			out[f.Key] = v
		}
	}
	return out
}

// resolveCaller prefers transport identity (middleware-verified) over the
// userContext embedded in the body, which is only trusted when the gateway
// runs without transport auth.
func (s *Server) resolveCaller(r *http.Request, body *identity.CallerContext) (identity.CallerContext, error) {
	if caller, ok := identity.CallerFromContext(r.Context()); ok {
		return caller, nil
	}
	if body == nil {
		return identity.CallerContext{}, identity.ErrMissingUserContext
	}
	if err := body.Validate(); err != nil {
		return identity.CallerContext{}, err
	}
	return *body, nil
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	action := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "action")))
	rule, ok := entityfsm.RuleFor(action)
	if !ok {
		s.writeError(w, respond.Err(respond.CodeUnknownAction,
			fmt.Sprintf("no tool named %q", action),
			"Check the action name against the published tool list."))
		return
	}

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, respond.Err(respond.CodeInvalidRequest,
			"request body is not a valid JSON object",
			"Resend the request with a JSON body carrying userContext and the entity id."))
		return
	}

	caller, err := s.resolveCaller(r, req.UserContext)
	if err != nil {
		s.writeError(w, respond.Err(respond.CodeMissingUserContext,
			"userContext with userId and roles is required",
			"Include the acting user's id and roles in userContext, or authenticate the request."))
		return
	}

	if denial := policy.Check(action, caller.Roles); denial != nil {
		s.denyRequest(r, w, rule, caller, "", denial)
		return
	}

	entityID := req.entityID(rule.Entity)
	if entityID == "" {
		s.writeError(w, respond.Err(rule.Entity.NotFoundCode,
			fmt.Sprintf("%s id is required", rule.Entity.Label),
			fmt.Sprintf("Provide the %s id in the request body.", rule.Entity.Label)))
		return
	}

	var current string
	err = store.WithCallerScope(r.Context(), s.DB, caller, func(q store.Querier) error {
		return q.QueryRow(r.Context(),
			`SELECT status FROM `+rule.Entity.Table+` WHERE id = $1`, entityID).Scan(&current)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		s.writeError(w, respond.Err(rule.Entity.NotFoundCode,
			fmt.Sprintf("%s %s not found", rule.Entity.Label, entityID),
			"Verify the id; the record may not exist or may not be visible to this user."))
		return
	}
	if err != nil {
		log.Printf("propose %s: load %s %s: %v", action, rule.Entity.Name, entityID, err)
		s.writeError(w, respond.Err(respond.CodeInternalError,
			fmt.Sprintf("could not load %s %s", rule.Entity.Label, entityID),
			"Retry the request; if the problem persists contact the platform team."))
		return
	}

	if se := rule.Check(current); se != nil {
		s.appendAudit(r, audit.Record{
			Action:     action,
			EntityType: rule.Entity.Name,
			EntityID:   entityID,
			ActorID:    caller.UserID,
			ActorRoles: caller.NormalizedRoles(),
			Outcome:    audit.OutcomeRejected,
			Code:       se.Code,
		})
		s.writeError(w, respond.Err(se.Code, se.Message, se.SuggestedAction))
		return
	}

	pending := confirm.Pending{
		ConfirmationID: uuid.NewString(),
		Action:         rule.Action,
		TargetServer:   rule.Entity.Domain,
		IssuedBy:       caller.UserID,
		IssuedAt:       time.Now().UTC(),
		TargetEntityID: entityID,
		CapturedStatus: current,
		UserFields:     req.userFields(rule),
	}
	if err := s.Confirmations.Put(r.Context(), pending, s.confirmationTTL()); err != nil {
		log.Printf("propose %s: stage confirmation for %s %s: %v", action, rule.Entity.Name, entityID, err)
		s.writeError(w, respond.Err(respond.CodeInternalError,
			"could not stage the confirmation",
			"Retry the request; nothing was modified."))
		return
	}

	s.Metrics.IncActionOutcome(action, audit.OutcomeProposed)
	s.appendAudit(r, audit.Record{
		Action:         action,
		EntityType:     rule.Entity.Name,
		EntityID:       entityID,
		ConfirmationID: pending.ConfirmationID,
		ActorID:        caller.UserID,
		ActorRoles:     caller.NormalizedRoles(),
		Outcome:        audit.OutcomeProposed,
	})
	s.publishEvent(stream.TypeProposed, pending)

	message := "Please confirm: " + rule.Summary(entityID, current) + "."
	respond.Write(w, respond.PendingConfirmation(pending.ConfirmationID, message, pending))
}

func (s *Server) denyRequest(r *http.Request, w http.ResponseWriter, rule entityfsm.Rule, caller identity.CallerContext, entityID string, denial *policy.Denial) {
	s.appendAudit(r, audit.Record{
		Action:     rule.Action,
		EntityType: rule.Entity.Name,
		EntityID:   entityID,
		ActorID:    caller.UserID,
		ActorRoles: caller.NormalizedRoles(),
		Outcome:    audit.OutcomeDenied,
		Code:       respond.CodeInsufficientPermissions,
	})
	s.publishEvent(stream.TypeDenied, map[string]string{
		"action": rule.Action,
		"userId": caller.UserID,
	})
	s.writeError(w, respond.ErrDetails(respond.CodeInsufficientPermissions,
		fmt.Sprintf("user %s is not allowed to %s", caller.UserID, rule.Action),
		fmt.Sprintf("Ask a user holding %s to perform this action.", denial.RequiredPhrase()),
		map[string]any{"required": denial.Required, "actual": denial.Actual}))
}

func (s *Server) writeError(w http.ResponseWriter, e respond.Error) {
	s.Metrics.IncErrorCode(e.Code)
	respond.Write(w, e)
}

func (s *Server) appendAudit(r *http.Request, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append %s/%s: %v", rec.Action, rec.Outcome, err)
	}
}

func (s *Server) publishEvent(eventType string, data any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, data))
}

func (s *Server) confirmationTTL() time.Duration {
	if s.ConfirmationTTL > 0 {
		return s.ConfirmationTTL
	}
	return confirm.DefaultTTL
}
