// Package instancestore persists chat instance configurations. An instance
// pairs a persona (appearance, prompt template) with a backend webhook
// endpoint and the targeting rules that decide where it applies.
package instancestore

import (
	"context"
	"time"
)

// Rule types select which attribute of the request context a rule matches.
const (
	RuleTypeURLPattern = "url_pattern"
	RuleTypePostType   = "post_type"
	RuleTypePageID     = "page_id"
	RuleTypeCategory   = "category"
	RuleTypeUserRole   = "user_role"
)

// Rule conditions.
const (
	CondEquals     = "equals"
	CondStartsWith = "starts_with"
	CondEndsWith   = "ends_with"
	CondContains   = "contains"
	CondWildcard   = "wildcard"
)

// TargetingRule is a single predicate over the page/visitor context.
// Rules on one instance combine with OR: any matching rule selects it.
type TargetingRule struct {
	Type      string `json:"type" example:"url_pattern"`
	Condition string `json:"condition" example:"contains"`
	Value     string `json:"value" example:"/pricing"`
}

// Access policies gate who may open the chat.
const (
	AccessPublic        = "public"
	AccessAuthenticated = "authenticated"
	AccessRoles         = "roles"
)

// Fallback modes describe the degraded path when the backend is unreachable.
const (
	FallbackNone        = "none"
	FallbackMessage     = "message"
	FallbackContactForm = "contact_form"
)

// FallbackPolicy is the degraded-mode behavior for an instance.
type FallbackPolicy struct {
	Mode       string `json:"mode" example:"message"`
	Message    string `json:"message,omitempty" example:"We are offline right now."`
	ContactURL string `json:"contactUrl,omitempty" example:"https://example.com/contact"`
}

// Features holds per-instance feature flags.
type Features struct {
	AllowUploads    bool `json:"allowUploads" example:"false"`
	ShowTranscript  bool `json:"showTranscript" example:"true"`
	CollectCommerce bool `json:"collectCommerce" example:"false"`
}

// Instance is a named chat configuration. WebhookURL is a secret: it is
// stored server-side, excluded from JSON, and never reaches page markup.
type Instance struct {
	ID        string `json:"id" example:"f0a9c1d2-3b4e-5f6a-7b8c-9d0e1f2a3b4c"`
	Name      string `json:"name" example:"pricing-assistant"`
	Enabled   bool   `json:"enabled" example:"true"`
	IsDefault bool   `json:"isDefault" example:"false"`

	WebhookURL         string `json:"-"`
	WebhookFingerprint string `json:"webhookFingerprint,omitempty" example:"9e3a6c0d3b5e"`

	Title          string `json:"title" example:"Sales assistant"`
	Greeting       string `json:"greeting" example:"Hi! How can I help?"`
	SystemTemplate string `json:"systemTemplate" example:"You are assisting a visitor on {page_url}."`

	TargetingEnabled bool            `json:"targetingEnabled" example:"true"`
	Priority         int             `json:"priority" example:"5"`
	Position         int             `json:"position" example:"0"`
	Rules            []TargetingRule `json:"rules"`

	AccessPolicy string         `json:"accessPolicy" example:"public"`
	AllowedRoles []string       `json:"allowedRoles,omitempty"`
	Fallback     FallbackPolicy `json:"fallback"`
	Features     Features       `json:"features"`

	CreatedAt time.Time `json:"createdAt" example:"2023-11-15T14:30:45Z"`
	UpdatedAt time.Time `json:"updatedAt" example:"2023-11-15T14:30:45Z"`
}

// Store is the data access interface for instances.
type Store interface {
	Create(ctx context.Context, instance *Instance) error
	Update(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	GetByName(ctx context.Context, name string) (*Instance, error)
	// List returns all instances in declaration order (position ascending).
	List(ctx context.Context) ([]*Instance, error)
	// ListEnabled returns enabled instances in declaration order.
	ListEnabled(ctx context.Context) ([]*Instance, error)
	Delete(ctx context.Context, id string) error
}
