package models

import "time"

// AuthType selects how webhook payloads are authenticated.
type AuthType string

const (
	AuthNone       AuthType = "none"
	AuthHMAC       AuthType = "hmac"
	AuthAsymmetric AuthType = "asymmetric"
)

// WebhookAuth holds the verification material for a webhook.
type WebhookAuth struct {
	Type AuthType `json:"type" validate:"required,oneof=none hmac asymmetric"`
	// Algorithm is sha256, sha1 or md5 for hmac; ed25519, rsa-sha256 or ecdsa-sha256 for asymmetric.
	Algorithm       string `json:"algorithm,omitempty"`
	Secret          string `json:"secret,omitempty"            validate:"required_if=Type hmac"`
	PublicKey       string `json:"public_key,omitempty"        validate:"required_if=Type asymmetric"`
	SignatureHeader string `json:"signature_header,omitempty"`
}

// EventSchema validates and reshapes an incoming payload before it becomes flow input.
type EventSchema struct {
	JSONSchema map[string]any `json:"json_schema,omitempty"`
	// FieldMappings maps target input keys to dotted source paths in the payload.
	FieldMappings map[string]string `json:"field_mappings,omitempty"`
	Defaults      map[string]any    `json:"defaults,omitempty"`
}

// WebhookConfig binds an endpoint to a flow.
type WebhookConfig struct {
	ID                 string      `json:"id"`
	Endpoint           string      `json:"endpoint"                validate:"required,min=3,max=128,excludesall=/?#,ne=config"`
	FlowID             string      `json:"flow_id"                 validate:"required"`
	Owner              string      `json:"owner"                   validate:"required"`
	TenantSubnet       string      `json:"tenant_subnet,omitempty"`
	Enabled            bool        `json:"enabled"`
	Auth               WebhookAuth `json:"auth"`
	AllowedSources     []string    `json:"allowed_sources,omitempty"`
	RateLimitPerWindow int         `json:"rate_limit_per_window"   validate:"min=0"`
	RequiredScopes     []string    `json:"required_scopes,omitempty"`
	// RiskThreshold overrides the gateway default when set; 0 rejects any nonzero score.
	RiskThreshold *int         `json:"risk_threshold,omitempty" validate:"omitempty,min=0,max=100"`
	EventSchema   *EventSchema `json:"event_schema,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Redacted returns a copy without the shared secret.
func (c *WebhookConfig) Redacted() *WebhookConfig {
	out := *c
	out.Auth.Secret = ""

	return &out
}

// RiskAssessment is the scored outcome of risk evaluation.
type RiskAssessment struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors,omitempty"`
	Source  string   `json:"source"`
}

// RateLimitStatus reports a limiter decision.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// AdmissionResult is the outcome of pushing an event through the gateway.
type AdmissionResult struct {
	Admitted bool     `json:"admitted"`
	Reasons  []string `json:"reasons,omitempty"`
	// Stage names the check that rejected the event.
	Stage       string           `json:"stage,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Risk        *RiskAssessment  `json:"risk,omitempty"`
	RateLimit   *RateLimitStatus `json:"rate_limit,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
}

// ConsentDecision is the answer of a consent check.
type ConsentDecision struct {
	Granted       bool     `json:"granted"`
	MissingScopes []string `json:"missing_scopes,omitempty"`
	RateLimited   bool     `json:"rate_limited,omitempty"`
}

// Identity is a principal known to the identity service.
type Identity struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parent_id,omitempty"`
	Permissions []string `json:"permissions"`
	PublicKey   string   `json:"public_key,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}
