package entityfsm

import (
	"fmt"
	"strings"
)

// Entity statuses. Each entity type uses a subset.
const (
	Draft      = "DRAFT"
	Pending    = "PENDING"
	Approved   = "APPROVED"
	Rejected   = "REJECTED"
	Reimbursed = "REIMBURSED"
	Paid       = "PAID"
	Cancelled  = "CANCELLED"
)

// Entity describes one mutable record type and the error codes its failures
// surface under.
type Entity struct {
	Name              string
	Label             string
	Table             string
	Domain            string
	NotFoundCode      string
	InvalidStatusCode string
	CannotDeleteCode  string
}

var (
	ExpenseReport = &Entity{
		Name:              "expense_report",
		Label:             "expense report",
		Table:             "expense_reports",
		Domain:            "finance",
		NotFoundCode:      "EXPENSE_REPORT_NOT_FOUND",
		InvalidStatusCode: "INVALID_EXPENSE_STATUS",
		CannotDeleteCode:  "CANNOT_DELETE_EXPENSE",
	}
	Invoice = &Entity{
		Name:              "invoice",
		Label:             "invoice",
		Table:             "invoices",
		Domain:            "finance",
		NotFoundCode:      "INVOICE_NOT_FOUND",
		InvalidStatusCode: "INVALID_INVOICE_STATUS",
		CannotDeleteCode:  "CANNOT_DELETE_INVOICE",
	}
	Budget = &Entity{
		Name:              "budget",
		Label:             "budget",
		Table:             "budgets",
		Domain:            "finance",
		NotFoundCode:      "BUDGET_NOT_FOUND",
		InvalidStatusCode: "INVALID_BUDGET_STATUS",
		CannotDeleteCode:  "CANNOT_DELETE_BUDGET",
	}
	TimeOffRequest = &Entity{
		Name:              "time_off_request",
		Label:             "time-off request",
		Table:             "time_off_requests",
		Domain:            "hr",
		NotFoundCode:      "TIME_OFF_REQUEST_NOT_FOUND",
		InvalidStatusCode: "INVALID_TIME_OFF_STATUS",
		CannotDeleteCode:  "CANNOT_DELETE_TIME_OFF_REQUEST",
	}
)

// Field maps a caller-supplied confirmation field onto the column the
// execute-phase write persists it into.
type Field struct {
	Key    string
	Column string
}

// Rule encodes "action A is legal only from source-status set S, producing
// target status T". The same table is consulted at proposal time (read-only
// check) and at execution time, where FromStates is compiled into the WHERE
// clause of the guarded conditional mutation.
type Rule struct {
	Action     string
	Entity     *Entity
	FromStates []string
	ToState    string
	Delete     bool
	Fields     []Field
	// suggestions by current status; missing key means no suggested action.
	suggest map[string]string
}

var rules = map[string]Rule{
	"approve_expense_report": {
		Action:     "approve_expense_report",
		Entity:     ExpenseReport,
		FromStates: []string{Pending},
		ToState:    Approved,
		Fields:     []Field{{Key: "notes", Column: "notes"}},
		suggest: map[string]string{
			Rejected: "The expense report was rejected; ask the submitter to file a new one.",
		},
	},
	"reject_expense_report": {
		Action:     "reject_expense_report",
		Entity:     ExpenseReport,
		FromStates: []string{Pending},
		ToState:    Rejected,
		Fields:     []Field{{Key: "reason", Column: "decision_reason"}},
	},
	"reimburse_expense_report": {
		Action:     "reimburse_expense_report",
		Entity:     ExpenseReport,
		FromStates: []string{Approved},
		ToState:    Reimbursed,
		Fields:     []Field{{Key: "paymentRef", Column: "payment_reference"}},
		suggest: map[string]string{
			Pending:  "Approve the expense report first, then reimburse it.",
			Rejected: "A rejected expense report cannot be reimbursed.",
		},
	},
	"delete_expense_report": {
		Action:     "delete_expense_report",
		Entity:     ExpenseReport,
		FromStates: []string{Pending, Rejected},
		Delete:     true,
		suggest: map[string]string{
			Approved:   "Approved expense reports are retained for audit; reject or reimburse instead of deleting.",
			Reimbursed: "Reimbursed expense reports are retained for audit and cannot be deleted.",
		},
	},

	"approve_invoice": {
		Action:     "approve_invoice",
		Entity:     Invoice,
		FromStates: []string{Pending},
		ToState:    Approved,
		Fields:     []Field{{Key: "notes", Column: "notes"}},
	},
	"reject_invoice": {
		Action:     "reject_invoice",
		Entity:     Invoice,
		FromStates: []string{Pending},
		ToState:    Rejected,
		Fields:     []Field{{Key: "reason", Column: "decision_reason"}},
	},
	"pay_invoice": {
		Action:     "pay_invoice",
		Entity:     Invoice,
		FromStates: []string{Approved},
		ToState:    Paid,
		Fields:     []Field{{Key: "paymentRef", Column: "payment_reference"}},
		suggest: map[string]string{
			Pending: "Approve the invoice first, then pay it.",
		},
	},
	"delete_invoice": {
		Action:     "delete_invoice",
		Entity:     Invoice,
		FromStates: []string{Pending, Rejected},
		Delete:     true,
		suggest: map[string]string{
			Approved: "Approved invoices are retained for audit; they cannot be deleted.",
			Paid:     "Paid invoices are retained for audit and cannot be deleted.",
		},
	},

	"submit_budget": {
		Action:     "submit_budget",
		Entity:     Budget,
		FromStates: []string{Draft},
		ToState:    Pending,
		Fields:     []Field{{Key: "notes", Column: "notes"}},
	},
	"approve_budget": {
		Action:     "approve_budget",
		Entity:     Budget,
		FromStates: []string{Pending},
		ToState:    Approved,
		Fields:     []Field{{Key: "notes", Column: "notes"}},
		suggest: map[string]string{
			Draft: "Submit the budget for review first, then approve it.",
		},
	},
	"reject_budget": {
		Action:     "reject_budget",
		Entity:     Budget,
		FromStates: []string{Pending},
		ToState:    Rejected,
		Fields:     []Field{{Key: "reason", Column: "decision_reason"}},
	},
	"delete_budget": {
		Action:     "delete_budget",
		Entity:     Budget,
		FromStates: []string{Draft, Rejected},
		Delete:     true,
		suggest: map[string]string{
			Pending:  "Withdraw or reject the budget before deleting it.",
			Approved: "Approved budgets are retained for audit; they cannot be deleted.",
		},
	},

	"approve_time_off_request": {
		Action:     "approve_time_off_request",
		Entity:     TimeOffRequest,
		FromStates: []string{Pending},
		ToState:    Approved,
		Fields:     []Field{{Key: "notes", Column: "notes"}},
	},
	"reject_time_off_request": {
		Action:     "reject_time_off_request",
		Entity:     TimeOffRequest,
		FromStates: []string{Pending},
		ToState:    Rejected,
		Fields:     []Field{{Key: "reason", Column: "decision_reason"}},
	},
	"cancel_time_off_request": {
		Action:     "cancel_time_off_request",
		Entity:     TimeOffRequest,
		FromStates: []string{Approved},
		ToState:    Cancelled,
		Fields:     []Field{{Key: "reason", Column: "decision_reason"}},
		suggest: map[string]string{
			Pending: "Reject the pending request instead of cancelling it.",
		},
	},
	"delete_time_off_request": {
		Action:     "delete_time_off_request",
		Entity:     TimeOffRequest,
		FromStates: []string{Pending, Rejected},
		Delete:     true,
		suggest: map[string]string{
			Approved: "Cancel the approved request before deleting it.",
		},
	},
}

// RuleFor looks up the transition rule for an action name.
func RuleFor(action string) (Rule, bool) {
	rule, ok := rules[strings.ToLower(strings.TrimSpace(action))]
	return rule, ok
}

// Actions returns every action name in the table.
func Actions() []string {
	out := make([]string, 0, len(rules))
	for name := range rules {
		out = append(out, name)
	}
	return out
}

// Allows reports whether the rule permits a transition from the given status.
func (r Rule) Allows(current string) bool {
	for _, s := range r.FromStates {
		if s == current {
			return true
		}
	}
	return false
}

// StatusError is a precondition failure with enough structure for an AI agent
// to explain it and decide what to do next.
type StatusError struct {
	Code            string
	Message         string
	SuggestedAction string
}

func (e *StatusError) Error() string { return e.Message }

// Check validates the requested action against the entity's current status.
// A nil return means the transition is legal.
func (r Rule) Check(current string) *StatusError {
	if r.Allows(current) {
		return nil
	}
	suggested := r.suggest[current]
	if r.Delete {
		return &StatusError{
			Code: r.Entity.CannotDeleteCode,
			Message: fmt.Sprintf("%s cannot be deleted while %s; deletion is only allowed from %s",
				r.Entity.Label, current, strings.Join(r.FromStates, " or ")),
			SuggestedAction: suggested,
		}
	}
	return &StatusError{
		Code: r.Entity.InvalidStatusCode,
		Message: fmt.Sprintf("%s is %s; %s requires status %s",
			r.Entity.Label, current, r.Action, strings.Join(r.FromStates, " or ")),
		SuggestedAction: suggested,
	}
}

// Summary describes the staged change for the confirmation message shown to
// the approving human.
func (r Rule) Summary(entityID, current string) string {
	if r.Delete {
		return fmt.Sprintf("%s %s (currently %s) will be permanently deleted", r.Entity.Label, entityID, current)
	}
	return fmt.Sprintf("%s %s will move from %s to %s", r.Entity.Label, entityID, current, r.ToState)
}

// SuccessMessage describes a completed execution.
func (r Rule) SuccessMessage(entityID string) string {
	if r.Delete {
		return fmt.Sprintf("%s %s deleted", r.Entity.Label, entityID)
	}
	return fmt.Sprintf("%s %s is now %s", r.Entity.Label, entityID, r.ToState)
}
