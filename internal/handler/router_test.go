package handler

import (
	"testing"

	"claudepool/internal/keyset"
)

func TestAdminOAuthRoutesUnderAccounts(t *testing.T) {
	h, _ := testAccounts(t)
	r := NewRouter(Handlers{
		Messages:   testMessages(t),
		Accounts:   h,
		Settings:   NewSettings(baseSettings()),
		ClientKeys: keyset.New([]string{"client-key"}),
		AdminKeys:  keyset.New([]string{"admin-key"}),
	})

	want := map[string]bool{
		"POST /api/admin/accounts/oauth/authorize-url": false,
		"POST /api/admin/accounts/oauth/exchange":      false,
		"POST /api/admin/accounts/:id/reauthenticate":  false,
	}
	for _, rt := range r.Routes() {
		key := rt.Method + " " + rt.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		if !seen {
			t.Errorf("route %s not mounted", key)
		}
	}
}
