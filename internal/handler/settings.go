package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"claudepool/internal/claude"
	"claudepool/internal/config"
)

// Settings exposes the runtime-mutable option subset.
type Settings struct {
	settings *config.Settings
}

func NewSettings(s *config.Settings) *Settings {
	return &Settings{settings: s}
}

// Get handles GET /settings.
func (h *Settings) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Snapshot())
}

// Put handles PUT /settings with a partial patch; omitted fields keep
// their value. Changes apply to requests started after the write.
func (h *Settings) Put(c *gin.Context) {
	var patch struct {
		PreserveChats *bool   `json:"preserve_chats"`
		PadTxtLength  *int    `json:"padtxt_length"`
		HumanName     *string `json:"human_name"`
		AssistantName *string `json:"assistant_name"`
		UseRealRoles  *bool   `json:"use_real_roles"`
		MaxAttempts   *int    `json:"max_attempts"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "malformed settings patch", err))
		return
	}
	if patch.PadTxtLength != nil && *patch.PadTxtLength < 0 {
		writeError(c, claude.NewError(claude.KindRequestInvalid, "padtxt_length must not be negative"))
		return
	}
	if patch.MaxAttempts != nil && *patch.MaxAttempts < 1 {
		writeError(c, claude.NewError(claude.KindRequestInvalid, "max_attempts must be at least 1"))
		return
	}

	h.settings.Update(func(s *config.SettingsValues) {
		if patch.PreserveChats != nil {
			s.PreserveChats = *patch.PreserveChats
		}
		if patch.PadTxtLength != nil {
			s.PadTxtLength = *patch.PadTxtLength
		}
		if patch.HumanName != nil && *patch.HumanName != "" {
			s.HumanName = *patch.HumanName
		}
		if patch.AssistantName != nil && *patch.AssistantName != "" {
			s.AssistantName = *patch.AssistantName
		}
		if patch.UseRealRoles != nil {
			s.UseRealRoles = *patch.UseRealRoles
		}
		if patch.MaxAttempts != nil {
			s.MaxAttempts = *patch.MaxAttempts
		}
	})

	log.Info().Msg("runtime settings updated")
	c.JSON(http.StatusOK, h.settings.Snapshot())
}
