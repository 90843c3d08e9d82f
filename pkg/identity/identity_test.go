package identity

import (
	"context"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	ok := CallerContext{UserID: "u-1", Roles: []string{"finance-write"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	missing := []CallerContext{
		{Roles: []string{"finance-write"}},
		{UserID: "   ", Roles: []string{"finance-write"}},
		{UserID: "u-1"},
		{UserID: "u-1", Roles: []string{"  ", ""}},
	}
	for i, c := range missing {
		if err := c.Validate(); !errors.Is(err, ErrMissingUserContext) {
			t.Fatalf("case %d: expected ErrMissingUserContext, got %v", i, err)
		}
	}
}

func TestNormalizedRolesDedupes(t *testing.T) {
	c := CallerContext{UserID: "u-1", Roles: []string{" Finance-Write ", "finance-write", "EXECUTIVE", ""}}
	got := c.NormalizedRoles()
	if len(got) != 2 || got[0] != "finance-write" || got[1] != "executive" {
		t.Fatalf("roles = %v", got)
	}
}

func TestHasRole(t *testing.T) {
	c := CallerContext{UserID: "u-1", Roles: []string{"Finance-Write"}}
	if !c.HasRole("finance-write") {
		t.Fatal("expected case-insensitive match")
	}
	if c.HasRole("hr-write") {
		t.Fatal("unexpected role match")
	}
	if !c.HasRole("hr-write", "finance-write") {
		t.Fatal("any-of should match")
	}
}

func TestContextRoundTrip(t *testing.T) {
	caller := CallerContext{UserID: "u-1", Roles: []string{"executive"}}
	ctx := WithCaller(context.Background(), caller)
	got, ok := CallerFromContext(ctx)
	if !ok || got.UserID != "u-1" {
		t.Fatalf("caller = %+v, ok = %v", got, ok)
	}
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a caller")
	}
}
