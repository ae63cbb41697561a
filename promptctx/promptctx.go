// Package promptctx assembles the flat key map handed to the backend as
// conversation context and renders it into an instance's system prompt
// template. Rendering is deliberately dumb: one literal substitution pass,
// no conditionals, no nesting. Anything richer belongs to the backend.
package promptctx

import (
	"strconv"
	"strings"
	"time"

	"github.com/chatwire/chatwire/instancestore"
)

// CommerceSnapshot is the optional shop state collected by the commerce
// collaborator. Nil when no shop integration is active.
type CommerceSnapshot struct {
	Currency    string
	CartTotal   string
	CartItems   int
	LastOrderID string
}

// RequestContext is the per-page-view input for context assembly. Built
// once per request, never persisted.
type RequestContext struct {
	SiteName string
	SiteURL  string
	Locale   string

	PageURL    string
	PagePath   string
	PageTitle  string
	PostType   string
	PageID     string
	Categories []string

	VisitorID     string
	VisitorName   string
	Authenticated bool
	VisitorRoles  []string

	Now      time.Time
	Commerce *CommerceSnapshot
}

// BuildContext flattens instance and request data into the namespaced key
// map used both as the webhook context payload and as template input.
// Namespaces: site, page, visitor, datetime and, when present, commerce.
func BuildContext(instance *instancestore.Instance, reqCtx RequestContext) map[string]string {
	now := reqCtx.Now
	if now.IsZero() {
		now = time.Now()
	}

	visitorStatus := "guest"
	if reqCtx.Authenticated {
		visitorStatus = "authenticated"
	}

	flat := map[string]string{
		"site_name":   reqCtx.SiteName,
		"site_url":    reqCtx.SiteURL,
		"site_locale": reqCtx.Locale,

		"page_url":        reqCtx.PageURL,
		"page_path":       reqCtx.PagePath,
		"page_title":      reqCtx.PageTitle,
		"page_post_type":  reqCtx.PostType,
		"page_id":         reqCtx.PageID,
		"page_categories": strings.Join(reqCtx.Categories, ", "),

		"visitor_id":     reqCtx.VisitorID,
		"visitor_name":   reqCtx.VisitorName,
		"visitor_status": visitorStatus,
		"visitor_roles":  strings.Join(reqCtx.VisitorRoles, ", "),

		"datetime_now":     now.Format(time.RFC3339),
		"datetime_date":    now.Format("2006-01-02"),
		"datetime_time":    now.Format("15:04"),
		"datetime_weekday": now.Weekday().String(),
	}

	if instance != nil {
		flat["instance_name"] = instance.Name
		flat["instance_title"] = instance.Title
	}

	if reqCtx.Commerce != nil {
		flat["commerce_currency"] = reqCtx.Commerce.Currency
		flat["commerce_cart_total"] = reqCtx.Commerce.CartTotal
		flat["commerce_cart_items"] = strconv.Itoa(reqCtx.Commerce.CartItems)
		flat["commerce_last_order_id"] = reqCtx.Commerce.LastOrderID
	}

	return flat
}

// Render substitutes {key} tokens from flat into template in a single
// left-to-right pass. Tokens without a value stay verbatim so template
// typos surface in the output instead of vanishing silently. Substituted
// values are never re-scanned.
func Render(template string, flat map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	remaining := template
	for {
		open := strings.IndexByte(remaining, '{')
		if open < 0 {
			b.WriteString(remaining)
			return b.String()
		}
		closeOffset := strings.IndexByte(remaining[open:], '}')
		if closeOffset < 0 {
			b.WriteString(remaining)
			return b.String()
		}
		closing := open + closeOffset

		b.WriteString(remaining[:open])
		token := remaining[open+1 : closing]
		if value, ok := flat[token]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(remaining[open : closing+1])
		}
		remaining = remaining[closing+1:]
	}
}

// RenderSystemPrompt renders the instance's system prompt template against
// a freshly built context map.
func RenderSystemPrompt(instance *instancestore.Instance, reqCtx RequestContext) string {
	if instance == nil || instance.SystemTemplate == "" {
		return ""
	}
	return Render(instance.SystemTemplate, BuildContext(instance, reqCtx))
}
