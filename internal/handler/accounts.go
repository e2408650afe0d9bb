package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"claudepool/internal/circuit"
	"claudepool/internal/claude"
	"claudepool/internal/service"
	"claudepool/internal/store"
)

// Accounts serves the admin account CRUD and the OAuth onboarding flow.
type Accounts struct {
	store    *store.Store
	oauth    *service.OAuth
	web      *service.WebAPI
	breakers *circuit.Manager
	webOK    bool
}

func NewAccounts(st *store.Store, oauth *service.OAuth, web *service.WebAPI, breakers *circuit.Manager, webOK bool) *Accounts {
	return &Accounts{store: st, oauth: oauth, web: web, breakers: breakers, webOK: webOK}
}

// List handles GET /accounts; secrets come back redacted.
func (h *Accounts) List(c *gin.Context) {
	accounts := h.store.List()
	out := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "count": len(out)})
}

// Create handles POST /accounts. The body is one account object or an
// array of them (batch import). Cookie-only entries without an
// organization uuid are resolved against the web interface.
func (h *Accounts) Create(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "read body", err))
		return
	}

	var payloads []json.RawMessage
	if gjson.ParseBytes(body).IsArray() {
		if err := json.Unmarshal(body, &payloads); err != nil {
			writeError(c, claude.WrapError(claude.KindRequestInvalid, "malformed account list", err))
			return
		}
	} else {
		payloads = []json.RawMessage{body}
	}

	type outcome struct {
		OrganizationUUID string `json:"organization_uuid,omitempty"`
		Error            string `json:"error,omitempty"`
	}
	results := make([]outcome, 0, len(payloads))
	created := 0
	for _, raw := range payloads {
		acct, err := h.importOne(c, raw)
		if err != nil {
			results = append(results, outcome{Error: err.Error()})
			continue
		}
		created++
		results = append(results, outcome{OrganizationUUID: acct.OrganizationUUID})
	}

	status := http.StatusCreated
	if created == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"created": created, "results": results})
}

func (h *Accounts) importOne(c *gin.Context, raw json.RawMessage) (*store.Account, error) {
	var acct store.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, claude.WrapError(claude.KindRequestInvalid, "malformed account", err)
	}
	if acct.OAuth != nil {
		service.FillFromClaims(acct.OAuth)
	}

	if acct.OrganizationUUID == "" {
		if acct.CookieValue == "" {
			return nil, claude.NewError(claude.KindRequestInvalid,
				"account needs an organization_uuid or a cookie_value")
		}
		if !h.webOK {
			return nil, claude.NewError(claude.KindRequestInvalid,
				"cannot resolve cookie: web transport disabled")
		}
		orgs, err := h.web.Organizations(c.Request.Context(), acct.CookieValue)
		if err != nil {
			return nil, err
		}
		acct.OrganizationUUID = orgs[0].UUID
		if len(acct.Capabilities) == 0 {
			acct.Capabilities = orgs[0].AccountCapabilities()
		}
	}
	if len(acct.Capabilities) == 0 {
		acct.Capabilities = []string{store.CapChat}
	}
	if acct.PreferredAuth == "" {
		acct.PreferredAuth = store.AuthAuto
	}

	if err := h.store.Create(&acct); err != nil {
		return nil, err
	}
	log.Info().Str("account", acct.OrganizationUUID).Str("auth_type", acct.AuthType()).
		Msg("account imported")
	return &acct, nil
}

// Get handles GET /accounts/:id.
func (h *Accounts) Get(c *gin.Context) {
	acct := h.store.Get(c.Param("id"))
	if acct == nil {
		writeError(c, claude.NewError(claude.KindRequestInvalid, "unknown account"))
		return
	}
	c.JSON(http.StatusOK, acct.Redacted())
}

// Update handles PUT /accounts/:id: capabilities, preferred transport,
// cookie rotation.
func (h *Accounts) Update(c *gin.Context) {
	var patch struct {
		Capabilities  []string `json:"capabilities"`
		PreferredAuth *string  `json:"preferred_auth"`
		CookieValue   *string  `json:"cookie_value"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "malformed patch", err))
		return
	}

	id := c.Param("id")
	err := h.store.Update(id, func(a *store.Account) error {
		if patch.Capabilities != nil {
			a.Capabilities = patch.Capabilities
		}
		if patch.PreferredAuth != nil {
			switch *patch.PreferredAuth {
			case store.AuthAuto, store.AuthOAuth, store.AuthWeb:
				a.PreferredAuth = *patch.PreferredAuth
			default:
				return claude.NewError(claude.KindRequestInvalid,
					"preferred_auth must be auto, oauth or web")
			}
		}
		if patch.CookieValue != nil {
			a.CookieValue = *patch.CookieValue
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.store.Get(id).Redacted())
}

// Delete handles DELETE /accounts/:id.
func (h *Accounts) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	h.breakers.Remove(id)
	log.Info().Str("account", id).Msg("account removed")
	c.Status(http.StatusNoContent)
}

// Reauthenticate handles POST /accounts/:id/reauthenticate: a headless
// cookie-driven OAuth exchange replacing the account's token bundle.
func (h *Accounts) Reauthenticate(c *gin.Context) {
	acct, err := h.oauth.ExchangeFromCookie(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct.Redacted())
}

// ResetBreaker handles POST /accounts/:id/reset: clears the circuit
// breaker after an operator fixed the account.
func (h *Accounts) ResetBreaker(c *gin.Context) {
	h.breakers.Reset(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// AuthorizeURL handles POST /oauth/authorize-url for the manual flow.
func (h *Accounts) AuthorizeURL(c *gin.Context) {
	url, verifier := h.oauth.AuthorizeURL()
	c.JSON(http.StatusOK, gin.H{"authorize_url": url, "verifier": verifier})
}

// Exchange handles POST /oauth/exchange: the pasted authorization code
// plus the verifier from AuthorizeURL.
func (h *Accounts) Exchange(c *gin.Context) {
	var body struct {
		OrganizationUUID string   `json:"organization_uuid"`
		Code             string   `json:"code"`
		Verifier         string   `json:"verifier"`
		Capabilities     []string `json:"capabilities"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "malformed exchange request", err))
		return
	}

	acct, err := h.oauth.ExchangeFromCode(c.Request.Context(),
		body.OrganizationUUID, body.Code, body.Verifier, body.Capabilities)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct.Redacted())
}
