package policy

import (
	"strings"
	"testing"

	"opsgate/pkg/entityfsm"
)

func TestCheckAllowsDomainWriter(t *testing.T) {
	if d := Check("approve_expense_report", []string{RoleFinanceWrite}); d != nil {
		t.Fatalf("finance-write should be allowed: %v", d)
	}
	if d := Check("approve_time_off_request", []string{RoleHRWrite}); d != nil {
		t.Fatalf("hr-write should be allowed: %v", d)
	}
}

func TestCheckDeniesReadOnlyRoles(t *testing.T) {
	d := Check("approve_expense_report", []string{RoleFinanceRead})
	if d == nil {
		t.Fatal("finance-read must not approve")
	}
	if d.RequiredPhrase() != "finance-write or executive" {
		t.Fatalf("required phrase = %q", d.RequiredPhrase())
	}
	if !strings.Contains(d.Error(), "finance-read") {
		t.Fatalf("denial should name the actual roles: %v", d)
	}
}

func TestCheckDeniesCrossDomain(t *testing.T) {
	if d := Check("approve_time_off_request", []string{RoleFinanceWrite}); d == nil {
		t.Fatal("finance-write must not touch HR entities")
	}
	if d := Check("pay_invoice", []string{RoleHRWrite}); d == nil {
		t.Fatal("hr-write must not touch finance entities")
	}
}

func TestExecutiveInEveryWriteSet(t *testing.T) {
	for action := range actionRoles {
		if d := Check(action, []string{RoleExecutive}); d != nil {
			t.Fatalf("executive denied %s: %v", action, d)
		}
	}
}

func TestCheckNormalizesRoleSpelling(t *testing.T) {
	if d := Check("APPROVE_INVOICE", []string{" Finance-Write "}); d != nil {
		t.Fatalf("case and whitespace should not matter: %v", d)
	}
}

func TestCheckUnknownAction(t *testing.T) {
	d := Check("paint_the_office", []string{RoleExecutive})
	if d == nil {
		t.Fatal("unknown actions must be denied")
	}
	if len(d.Required) != 0 {
		t.Fatalf("unknown action has no role set: %v", d.Required)
	}
}

func TestMatrixCoversEveryTransitionRule(t *testing.T) {
	for _, action := range entityfsm.Actions() {
		if _, ok := RequiredRoles(action); !ok {
			t.Fatalf("no permission entry for %s", action)
		}
	}
}
