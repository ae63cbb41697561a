package promptctx_test

import (
	"testing"
	"time"

	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/promptctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit_BuildContext_Namespaces(t *testing.T) {
	now := time.Date(2024, 3, 8, 14, 30, 0, 0, time.UTC)
	instance := &instancestore.Instance{Name: "pricing-assistant", Title: "Sales assistant"}
	reqCtx := promptctx.RequestContext{
		SiteName:      "Acme Shop",
		SiteURL:       "https://shop.example",
		Locale:        "en_US",
		PageURL:       "https://shop.example/pricing",
		PagePath:      "/pricing",
		PageTitle:     "Pricing",
		Categories:    []string{"plans", "sales"},
		VisitorID:     "guest-7c1f",
		Authenticated: false,
		Now:           now,
	}

	flat := promptctx.BuildContext(instance, reqCtx)

	assert.Equal(t, "Acme Shop", flat["site_name"])
	assert.Equal(t, "/pricing", flat["page_path"])
	assert.Equal(t, "plans, sales", flat["page_categories"])
	assert.Equal(t, "guest", flat["visitor_status"])
	assert.Equal(t, "2024-03-08", flat["datetime_date"])
	assert.Equal(t, "Friday", flat["datetime_weekday"])
	assert.Equal(t, "pricing-assistant", flat["instance_name"])

	// commerce keys appear only when the collaborator supplied a snapshot
	_, ok := flat["commerce_cart_total"]
	assert.False(t, ok)

	reqCtx.Commerce = &promptctx.CommerceSnapshot{Currency: "EUR", CartTotal: "49.90", CartItems: 3}
	flat = promptctx.BuildContext(instance, reqCtx)
	assert.Equal(t, "49.90", flat["commerce_cart_total"])
	assert.Equal(t, "3", flat["commerce_cart_items"])
}

func TestUnit_Render_Substitution(t *testing.T) {
	flat := map[string]string{
		"site_name": "Acme Shop",
		"page_path": "/pricing",
	}

	got := promptctx.Render("You are helping a visitor of {site_name} on {page_path}.", flat)
	assert.Equal(t, "You are helping a visitor of Acme Shop on /pricing.", got)
}

func TestUnit_Render_UnresolvedTokensStayVerbatim(t *testing.T) {
	flat := map[string]string{"site_name": "Acme Shop"}

	got := promptctx.Render("Site {site_name}, cart {commerce_cart_total}, brace { dangling", flat)
	assert.Equal(t, "Site Acme Shop, cart {commerce_cart_total}, brace { dangling", got)
}

func TestUnit_Render_Idempotent(t *testing.T) {
	flat := map[string]string{
		"site_name":  "Acme Shop",
		"page_path":  "/pricing",
		"visitor_id": "guest-7c1f",
	}
	template := "{site_name} / {page_path} / {visitor_id} / {unknown_key}"

	once := promptctx.Render(template, flat)
	twice := promptctx.Render(once, flat)
	require.Equal(t, once, twice)
}

func TestUnit_RenderSystemPrompt(t *testing.T) {
	instance := &instancestore.Instance{
		Name:           "pricing-assistant",
		SystemTemplate: "You are {instance_name} assisting on {page_path}.",
	}
	got := promptctx.RenderSystemPrompt(instance, promptctx.RequestContext{PagePath: "/pricing"})
	assert.Equal(t, "You are pricing-assistant assisting on /pricing.", got)

	assert.Empty(t, promptctx.RenderSystemPrompt(nil, promptctx.RequestContext{}))
}
