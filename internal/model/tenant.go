package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// DefaultMinPostingConfidence applies when a tenant has not set a delivery
// threshold.
const DefaultMinPostingConfidence = 70

// TenantConfig is the per-tenant scanning contract read from the upstream
// configuration table. The core never mutates it.
type TenantConfig struct {
	ID                   string `json:"id"`
	Active               bool   `json:"active"`
	CriteriaPrompt       string `json:"criteria_prompt"`
	DraftPrompt          string `json:"draft_prompt,omitempty"`
	Credential           string `json:"-"`
	Channel              string `json:"outbound_channel"`
	MinPostingConfidence int    `json:"min_posting_confidence"`
}

// HasDraftPrompt reports whether drafts should be generated for this tenant.
func (t TenantConfig) HasDraftPrompt() bool {
	return t.DraftPrompt != ""
}

// ShouldDeliver reports whether a lead with the given confidence clears the
// tenant's delivery threshold.
func (t TenantConfig) ShouldDeliver(confidence int) bool {
	return confidence >= t.MinPostingConfidence
}

// ErrInvalidTenant matches every TenantConfig.Validate failure.
var ErrInvalidTenant = eris.New("model: invalid tenant config")

// Validate reports configuration that makes the tenant unscannable. The
// credential is checked separately so that it keeps its own sentinel.
func (t TenantConfig) Validate() error {
	switch {
	case strings.TrimSpace(t.CriteriaPrompt) == "":
		return eris.Wrapf(ErrInvalidTenant, "tenant %s has no lead criteria", t.ID)
	case strings.TrimSpace(t.Channel) == "":
		return eris.Wrapf(ErrInvalidTenant, "tenant %s has no outbound channel", t.ID)
	case t.MinPostingConfidence < 0 || t.MinPostingConfidence > 100:
		return eris.Wrapf(ErrInvalidTenant, "tenant %s min posting confidence %d outside 0-100", t.ID, t.MinPostingConfidence)
	}
	return nil
}
