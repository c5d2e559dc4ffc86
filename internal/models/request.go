// Package models defines API request and response types.
package models

// SolveRequest asks the broker for a captcha token.
type SolveRequest struct {
	Type    string            `json:"type" doc:"Captcha type, e.g. recaptchav2, hcaptcha, turnstile" example:"recaptchav2"`
	SiteKey string            `json:"siteKey" doc:"Site key found on the target page"`
	PageURL string            `json:"pageUrl" doc:"URL of the page showing the captcha"`
	Extra   map[string]string `json:"extra,omitempty" doc:"Type specific parameters, e.g. action, min_score, invisible, timeout_seconds"`

	// Provider pins the solve to one provider instead of the ordered fallback.
	Provider string `json:"provider,omitempty" doc:"Optional provider id to use exclusively"`
}

// HumaSolveRequest wraps SolveRequest for Huma API.
type HumaSolveRequest struct {
	Body SolveRequest
}

// ProviderUpdate replaces the runtime configuration of one provider. Nil fields
// keep their current value.
type ProviderUpdate struct {
	APIKey   *string `json:"apiKey,omitempty" doc:"New API key; empty string clears it"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Priority *int    `json:"priority,omitempty" minimum:"0"`
	// Persist saves all provider configurations after applying the update.
	Persist bool `json:"persist,omitempty"`
}

// ProviderPath addresses one provider.
type ProviderPath struct {
	ID string `path:"id" doc:"Provider id, e.g. 2captcha"`
}

// HumaProviderUpdateRequest wraps ProviderUpdate for Huma API.
type HumaProviderUpdateRequest struct {
	ID   string `path:"id" doc:"Provider id, e.g. 2captcha"`
	Body ProviderUpdate
}

// RecentQuery limits the number of recent solves returned.
type RecentQuery struct {
	Limit int `query:"limit" minimum:"0" maximum:"100" default:"20"`
}
