package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"opsgate/pkg/audit"
	"opsgate/pkg/confirm"
	"opsgate/pkg/entityfsm"
	"opsgate/pkg/events"
	"opsgate/pkg/identity"
	"opsgate/pkg/policy"
	"opsgate/pkg/respond"
	"opsgate/pkg/store"
	"opsgate/pkg/stream"
)

type executeRequest struct {
	Action      string                  `json:"action"`
	Data        executeData             `json:"data"`
	UserContext *identity.CallerContext `json:"userContext,omitempty"`
}

type executeData struct {
	ConfirmationID string `json:"confirmationId"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, respond.Err(respond.CodeInvalidRequest,
			"request body is not a valid JSON object",
			"Resend the request with a JSON body carrying action, data.confirmationId and userContext."))
		return
	}

	action := strings.ToLower(strings.TrimSpace(req.Action))
	rule, ok := entityfsm.RuleFor(action)
	if !ok {
		s.writeError(w, respond.Err(respond.CodeUnknownAction,
			fmt.Sprintf("no executable action named %q", action),
			"Check the action name against the published tool list."))
		return
	}

	caller, err := s.resolveCaller(r, req.UserContext)
	if err != nil {
		s.writeError(w, respond.Err(respond.CodeMissingUserContext,
			"userContext with userId and roles is required",
			"Include the acting user's id and roles in userContext, or authenticate the request."))
		return
	}

	// The guard runs again at execution: approval must come from a caller
	// who is allowed to perform the mutation, not merely from whoever held
	// the confirmation id.
	if denial := policy.Check(action, caller.Roles); denial != nil {
		s.denyRequest(r, w, rule, caller, "", denial)
		return
	}

	confirmationID := strings.TrimSpace(req.Data.ConfirmationID)
	if confirmationID == "" {
		s.writeError(w, respond.Err(respond.CodeExecutionFailed,
			"confirmationId is required",
			"Propose the action first and pass the returned confirmationId."))
		return
	}

	pending, err := s.Confirmations.Get(r.Context(), confirmationID)
	if errors.Is(err, confirm.ErrNotFound) {
		// Expired confirmations are indistinguishable from ids that never
		// existed.
		s.writeError(w, respond.Err(rule.Entity.NotFoundCode,
			fmt.Sprintf("%s not found, or the confirmation expired", rule.Entity.Label),
			"Propose the action again to get a fresh confirmation."))
		return
	}
	if err != nil {
		log.Printf("execute %s: confirmation store: %v", action, err)
		s.writeError(w, respond.Err(respond.CodeExecutionFailed,
			"the confirmation could not be verified",
			"Retry shortly; nothing was modified."))
		return
	}
	if !strings.EqualFold(pending.Action, rule.Action) {
		s.writeError(w, respond.Err(respond.CodeExecutionFailed,
			fmt.Sprintf("confirmation %s was issued for %s, not %s", confirmationID, pending.Action, rule.Action),
			"Propose this action to get a matching confirmation."))
		return
	}

	entityID := pending.TargetEntityID
	start := time.Now()
	var affected int64
	err = store.WithCallerScope(r.Context(), s.DB, caller, func(q store.Querier) error {
		sql, args := mutationStatement(rule, entityID, pending.CapturedStatus, pending.UserFields)
		tag, execErr := q.Exec(r.Context(), sql, args...)
		if execErr != nil {
			return execErr
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		log.Printf("execute %s: apply to %s %s: %v", action, rule.Entity.Name, entityID, err)
		s.Metrics.IncActionOutcome(action, audit.OutcomeFailed)
		s.appendAudit(r, audit.Record{
			Action:         action,
			EntityType:     rule.Entity.Name,
			EntityID:       entityID,
			ConfirmationID: confirmationID,
			ActorID:        caller.UserID,
			ActorRoles:     caller.NormalizedRoles(),
			Outcome:        audit.OutcomeFailed,
			Code:           respond.CodeExecutionFailed,
		})
		s.publishEvent(stream.TypeFailed, map[string]string{"action": action, "entityId": entityID})
		s.writeError(w, respond.Err(respond.CodeExecutionFailed,
			fmt.Sprintf("the change to %s %s could not be applied", rule.Entity.Label, entityID),
			"Retry the execution; if the problem persists contact the platform team."))
		return
	}
	if affected == 0 {
		// Either the row is gone, it is outside the caller's row-security
		// scope, or its status moved since the proposal was staged. The CAS
		// predicate collapses all three into one safe outcome: no write.
		s.appendAudit(r, audit.Record{
			Action:         action,
			EntityType:     rule.Entity.Name,
			EntityID:       entityID,
			ConfirmationID: confirmationID,
			ActorID:        caller.UserID,
			ActorRoles:     caller.NormalizedRoles(),
			Outcome:        audit.OutcomeFailed,
			Code:           rule.Entity.NotFoundCode,
		})
		s.writeError(w, respond.Err(rule.Entity.NotFoundCode,
			fmt.Sprintf("%s %s not found or no longer in the expected status", rule.Entity.Label, entityID),
			"Propose the action again to re-check the current status."))
		return
	}

	s.Metrics.IncActionOutcome(action, audit.OutcomeExecuted)
	s.Metrics.ObserveExecuteLatency(time.Since(start))

	detail := map[string]any{"deleted": rule.Delete}
	if !rule.Delete {
		detail["newStatus"] = rule.ToState
	}
	detailRaw, _ := json.Marshal(detail)
	s.appendAudit(r, audit.Record{
		Action:         action,
		EntityType:     rule.Entity.Name,
		EntityID:       entityID,
		ConfirmationID: confirmationID,
		ActorID:        caller.UserID,
		ActorRoles:     caller.NormalizedRoles(),
		Outcome:        audit.OutcomeExecuted,
		Detail:         detailRaw,
	})
	s.publishMutation(r, rule, pending, caller)
	s.publishEvent(stream.TypeExecuted, map[string]string{
		"action":         action,
		"entityId":       entityID,
		"confirmationId": confirmationID,
	})

	data := map[string]any{
		"entityId": entityID,
		"action":   action,
		"deleted":  rule.Delete,
		"message":  rule.SuccessMessage(entityID),
	}
	if !rule.Delete {
		data["newStatus"] = rule.ToState
	}
	respond.Write(w, respond.OK(data))
}

// mutationStatement compiles the transition rule into one guarded statement.
// The predicate binds the exact status captured at proposal time, not the
// rule's whole legal from-state set: the human approved a mutation of the
// record as it was shown, so a row that has since moved to any other status
// must yield zero affected rows, never a blind overwrite.
func mutationStatement(rule entityfsm.Rule, entityID, capturedStatus string, fields map[string]string) (string, []any) {
	if rule.Delete {
		return fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = $2`, rule.Entity.Table),
			[]any{entityID, capturedStatus}
	}
	set := []string{"status = $1", "updated_at = now()"}
	args := []any{rule.ToState}
	for _, f := range rule.Fields {
		if v, ok := fields[f.Key]; ok && v != "" {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s = $%d", f.Column, len(args)))
		}
	}
	args = append(args, entityID)
	idPos := len(args)
	args = append(args, capturedStatus)
	return fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND status = $%d`,
		rule.Entity.Table, strings.Join(set, ", "), idPos, len(args)), args
}

func (s *Server) publishMutation(r *http.Request, rule entityfsm.Rule, pending confirm.Pending, caller identity.CallerContext) {
	if s.Mutations == nil {
		return
	}
	rec := events.MutationRecord{
		Action:         rule.Action,
		EntityType:     rule.Entity.Name,
		EntityID:       pending.TargetEntityID,
		PreviousStatus: pending.CapturedStatus,
		NewStatus:      rule.ToState,
		Deleted:        rule.Delete,
		ActorID:        caller.UserID,
		ConfirmationID: pending.ConfirmationID,
	}
	if err := s.Mutations.Publish(r.Context(), rec); err != nil {
		log.Printf("publish mutation %s %s/%s: %v", rule.Action, rule.Entity.Name, pending.TargetEntityID, err)
	}
}
