package policy

import (
	"fmt"
	"strings"
)

// Role taxonomy. Executive is a superset of every domain-write role and is
// therefore present in every write set.
const (
	RoleFinanceRead  = "finance-read"
	RoleFinanceWrite = "finance-write"
	RoleHRRead       = "hr-read"
	RoleHRWrite      = "hr-write"
	RoleExecutive    = "executive"
)

// Denial explains a failed permission check precisely enough for an AI agent
// to relay it to the end user.
type Denial struct {
	Action   string
	Required []string
	Actual   []string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("action %s requires %s; caller has [%s]",
		d.Action, d.RequiredPhrase(), strings.Join(d.Actual, ", "))
}

// RequiredPhrase renders the permitted role set as "a or b" for messages.
func (d *Denial) RequiredPhrase() string {
	return strings.Join(d.Required, " or ")
}

var financeWrite = []string{RoleFinanceWrite, RoleExecutive}
var hrWrite = []string{RoleHRWrite, RoleExecutive}

// actionRoles is the single auditable permission matrix. Every mutating tool
// consults it here and nowhere else.
var actionRoles = map[string][]string{
	"approve_expense_report":   financeWrite,
	"reject_expense_report":    financeWrite,
	"reimburse_expense_report": financeWrite,
	"delete_expense_report":    financeWrite,

	"approve_invoice": financeWrite,
	"reject_invoice":  financeWrite,
	"pay_invoice":     financeWrite,
	"delete_invoice":  financeWrite,

	"submit_budget":  financeWrite,
	"approve_budget": financeWrite,
	"reject_budget":  financeWrite,
	"delete_budget":  financeWrite,

	"approve_time_off_request": hrWrite,
	"reject_time_off_request":  hrWrite,
	"cancel_time_off_request":  hrWrite,
	"delete_time_off_request":  hrWrite,
}

// RequiredRoles returns the permitted role set for an action, or false when
// the action is not in the matrix.
func RequiredRoles(action string) ([]string, bool) {
	roles, ok := actionRoles[strings.ToLower(strings.TrimSpace(action))]
	if !ok {
		return nil, false
	}
	return append([]string(nil), roles...), true
}

// Check decides whether the caller's role set may invoke the action. It is
// pure and synchronous; a nil return means allow.
func Check(action string, callerRoles []string) *Denial {
	required, ok := RequiredRoles(action)
	if !ok {
		return &Denial{Action: action, Required: nil, Actual: normalize(callerRoles)}
	}
	actual := normalize(callerRoles)
	set := map[string]struct{}{}
	for _, r := range actual {
		set[r] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return nil
		}
	}
	return &Denial{Action: action, Required: required, Actual: actual}
}

func normalize(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
