package claude

import "strings"

// Tier buckets models by the account capability required to serve them over
// the OAuth transport.
type Tier int

const (
	TierChat Tier = iota // basic models, any paid capability
	TierPro              // Sonnet/Haiku class, needs claude_pro or claude_max
	TierMax              // Opus class, needs claude_max
)

// ModelInfo is one entry of the catalog served by GET /v1/models.
type ModelInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// Catalog lists the model identifiers the proxy accepts. Aliases resolve to
// the same upstream model; the token counter treats them identically.
var Catalog = []ModelInfo{
	{ID: "claude-3-5-haiku-20241022", Type: "model", DisplayName: "Claude 3.5 Haiku"},
	{ID: "claude-3-5-sonnet-20241022", Type: "model", DisplayName: "Claude 3.5 Sonnet"},
	{ID: "claude-3-7-sonnet-20250219", Type: "model", DisplayName: "Claude 3.7 Sonnet"},
	{ID: "claude-sonnet-4-20250514", Type: "model", DisplayName: "Claude Sonnet 4"},
	{ID: "claude-opus-4-20250514", Type: "model", DisplayName: "Claude Opus 4"},
	{ID: "claude-opus-4-1-20250805", Type: "model", DisplayName: "Claude Opus 4.1"},
}

// KnownModel reports whether the id (or a dated/latest alias of it) is in
// the catalog family. Matching is by family prefix so new dated snapshots
// do not require a release.
func KnownModel(id string) bool {
	if id == "" {
		return false
	}
	lower := strings.ToLower(id)
	return strings.HasPrefix(lower, "claude-")
}

// ModelTier classifies a model id into the capability tier the OAuth
// transport requires.
func ModelTier(id string) Tier {
	lower := strings.ToLower(id)
	if strings.Contains(lower, "opus") {
		return TierMax
	}
	if strings.Contains(lower, "sonnet") || strings.Contains(lower, "haiku") {
		return TierPro
	}
	return TierChat
}
