package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	return e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles("front_desk")
	err := RequireRole("billing", "front_desk")(okHandler)(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles("nurse")
	err := RequireRole("billing", "front_desk")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
	if he := err.(*echo.HTTPError); he.Message != "required role: billing or front_desk" {
		t.Errorf("unexpected message: %v", he.Message)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles("admin")
	if err := RequireRole("billing")(okHandler)(c); err != nil {
		t.Fatalf("admin should pass, got %v", err)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	c := contextWithRoles()
	err := RequireRole("billing")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		have []string
		want []string
		ok   bool
	}{
		{[]string{"billing"}, []string{"billing"}, true},
		{[]string{"nurse", "billing"}, []string{"front_desk", "billing"}, true},
		{[]string{"nurse"}, []string{"billing"}, false},
		{[]string{"admin"}, []string{"anything"}, true},
		{nil, []string{"billing"}, false},
	}
	for _, tt := range tests {
		if got := HasAnyRole(tt.have, tt.want...); got != tt.ok {
			t.Errorf("HasAnyRole(%v, %v) = %v, want %v", tt.have, tt.want, got, tt.ok)
		}
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "clerk-7")
	if got := UserIDFromContext(ctx); got != "clerk-7" {
		t.Errorf("expected clerk-7, got %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
