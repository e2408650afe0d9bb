package handler

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"claudepool/internal/config"
)

func settingsRouter(s *config.Settings) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSettings(s)
	r := gin.New()
	r.GET("/settings", h.Get)
	r.PUT("/settings", h.Put)
	return r
}

func baseSettings() *config.Settings {
	return config.NewSettingsFrom(config.SettingsValues{
		HumanName:     "Human",
		AssistantName: "Assistant",
		UseRealRoles:  true,
		MaxAttempts:   3,
	})
}

func TestSettingsRoundTrip(t *testing.T) {
	s := baseSettings()
	r := settingsRouter(s)

	w := doJSON(r, http.MethodGet, "/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "human_name").String(); got != "Human" {
		t.Errorf("human_name = %q", got)
	}

	w = doJSON(r, http.MethodPut, "/settings",
		`{"preserve_chats":true,"padtxt_length":500,"human_name":"H"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}

	snap := s.Snapshot()
	if !snap.PreserveChats || snap.PadTxtLength != 500 || snap.HumanName != "H" {
		t.Errorf("snapshot = %+v", snap)
	}
	// Untouched fields survive a partial patch.
	if snap.AssistantName != "Assistant" || snap.MaxAttempts != 3 || !snap.UseRealRoles {
		t.Errorf("patch clobbered unrelated fields: %+v", snap)
	}
}

func TestSettingsRejectsBadValues(t *testing.T) {
	r := settingsRouter(baseSettings())

	for _, body := range []string{
		`{"padtxt_length":-1}`,
		`{"max_attempts":0}`,
	} {
		w := doJSON(r, http.MethodPut, "/settings", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}
