package entityfsm

import (
	"strings"
	"testing"
)

func TestRuleForKnownActions(t *testing.T) {
	for _, action := range Actions() {
		rule, ok := RuleFor(action)
		if !ok {
			t.Fatalf("rule missing for %s", action)
		}
		if rule.Entity == nil || len(rule.FromStates) == 0 {
			t.Fatalf("incomplete rule for %s: %+v", action, rule)
		}
		if rule.Delete && rule.ToState != "" {
			t.Fatalf("delete rule %s must not have a target status", action)
		}
		if !rule.Delete && rule.ToState == "" {
			t.Fatalf("transition rule %s needs a target status", action)
		}
	}
	if _, ok := RuleFor("approve_yacht"); ok {
		t.Fatal("unknown action must not resolve")
	}
	if _, ok := RuleFor("  APPROVE_INVOICE "); !ok {
		t.Fatal("lookup should normalize case and whitespace")
	}
}

func TestCheckAllowsLegalTransition(t *testing.T) {
	rule, _ := RuleFor("approve_expense_report")
	if se := rule.Check(Pending); se != nil {
		t.Fatalf("PENDING -> APPROVED should be legal: %v", se)
	}
}

func TestCheckInvalidStatusCarriesSuggestion(t *testing.T) {
	rule, _ := RuleFor("reimburse_expense_report")
	se := rule.Check(Pending)
	if se == nil {
		t.Fatal("expected a precondition failure")
	}
	if se.Code != "INVALID_EXPENSE_STATUS" {
		t.Fatalf("code = %q", se.Code)
	}
	if !strings.Contains(se.Message, "requires status APPROVED") {
		t.Fatalf("message = %q", se.Message)
	}
	if !strings.Contains(se.SuggestedAction, "Approve the expense report first") {
		t.Fatalf("suggested = %q", se.SuggestedAction)
	}
}

func TestCheckDeleteUsesCannotDeleteCode(t *testing.T) {
	rule, _ := RuleFor("delete_expense_report")
	se := rule.Check(Reimbursed)
	if se == nil || se.Code != "CANNOT_DELETE_EXPENSE" {
		t.Fatalf("unexpected error: %+v", se)
	}
	if !strings.Contains(se.SuggestedAction, "retained for audit") {
		t.Fatalf("suggested = %q", se.SuggestedAction)
	}
	if se := rule.Check(Rejected); se != nil {
		t.Fatalf("delete from REJECTED should be legal: %v", se)
	}
}

func TestBudgetLifecycle(t *testing.T) {
	submit, _ := RuleFor("submit_budget")
	if se := submit.Check(Draft); se != nil {
		t.Fatalf("DRAFT -> PENDING should be legal: %v", se)
	}
	approve, _ := RuleFor("approve_budget")
	se := approve.Check(Draft)
	if se == nil || se.Code != "INVALID_BUDGET_STATUS" {
		t.Fatalf("unexpected error: %+v", se)
	}
	if !strings.Contains(se.SuggestedAction, "Submit the budget") {
		t.Fatalf("suggested = %q", se.SuggestedAction)
	}
	del, _ := RuleFor("delete_budget")
	if se := del.Check(Draft); se != nil {
		t.Fatalf("DRAFT budgets are deletable: %v", se)
	}
	if se := del.Check(Approved); se == nil || se.Code != "CANNOT_DELETE_BUDGET" {
		t.Fatalf("unexpected error: %+v", se)
	}
}

func TestTimeOffCancelOnlyFromApproved(t *testing.T) {
	cancel, _ := RuleFor("cancel_time_off_request")
	if se := cancel.Check(Approved); se != nil {
		t.Fatalf("APPROVED -> CANCELLED should be legal: %v", se)
	}
	se := cancel.Check(Pending)
	if se == nil || se.Code != "INVALID_TIME_OFF_STATUS" {
		t.Fatalf("unexpected error: %+v", se)
	}
}

func TestSummaryAndSuccessMessage(t *testing.T) {
	pay, _ := RuleFor("pay_invoice")
	if got := pay.Summary("inv-7", Approved); got != "invoice inv-7 will move from APPROVED to PAID" {
		t.Fatalf("summary = %q", got)
	}
	if got := pay.SuccessMessage("inv-7"); got != "invoice inv-7 is now PAID" {
		t.Fatalf("success = %q", got)
	}
	del, _ := RuleFor("delete_invoice")
	if got := del.Summary("inv-7", Rejected); !strings.Contains(got, "permanently deleted") {
		t.Fatalf("summary = %q", got)
	}
	if got := del.SuccessMessage("inv-7"); got != "invoice inv-7 deleted" {
		t.Fatalf("success = %q", got)
	}
}
