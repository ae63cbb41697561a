// Package chatapi is the embed-facing HTTP surface: widget bootstrap,
// message send with SSE relay, exchange cancel, and the visitor-visible
// transcript. Everything past bootstrap is gated by a capability token.
package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/chatservice"
	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/libauth"
	"github.com/chatwire/chatwire/promptctx"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/targeting"
	"github.com/chatwire/chatwire/transcriptservice"
)

func AddChatRoutes(
	mux *http.ServeMux,
	chat chatservice.Service,
	resolver *targeting.Resolver,
	sessions sessionservice.Service,
	transcripts transcriptservice.Service,
	limiter ratelimitservice.Service,
	issuer *libauth.Issuer,
) {
	h := &handler{
		chat:        chat,
		resolver:    resolver,
		sessions:    sessions,
		transcripts: transcripts,
		limiter:     limiter,
		issuer:      issuer,
		inflight:    map[string]context.CancelFunc{},
	}

	mux.HandleFunc("POST /embed/bootstrap", h.bootstrap)
	mux.HandleFunc("POST /chat/messages", h.sendMessage)
	mux.HandleFunc("POST /chat/cancel", h.cancel)
	mux.HandleFunc("GET /chat/sessions/{uuid}/transcript", h.transcript)
}

type handler struct {
	chat        chatservice.Service
	resolver    *targeting.Resolver
	sessions    sessionservice.Service
	transcripts transcriptservice.Service
	limiter     ratelimitservice.Service
	issuer      *libauth.Issuer

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// PagePayload is the page context the embed script reports. It feeds both
// targeting and prompt-context assembly.
type PagePayload struct {
	SiteName   string   `json:"siteName,omitempty"`
	SiteURL    string   `json:"siteUrl,omitempty"`
	Locale     string   `json:"locale,omitempty"`
	URL        string   `json:"url" example:"https://shop.example/pricing"`
	Path       string   `json:"path" example:"/pricing"`
	Title      string   `json:"title,omitempty"`
	PostType   string   `json:"postType,omitempty" example:"page"`
	PageID     string   `json:"pageId,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// VisitorPayload identifies the visitor as reported by the host page.
type VisitorPayload struct {
	ID            string                      `json:"id" example:"vis_8fe2"`
	Name          string                      `json:"name,omitempty"`
	Authenticated bool                        `json:"authenticated"`
	Roles         []string                    `json:"roles,omitempty"`
	Commerce      *promptctx.CommerceSnapshot `json:"commerce,omitempty"`
}

type BootstrapRequest struct {
	// Optional client-remembered session uuid; an invalid one is ignored.
	SessionUUID string         `json:"sessionUuid,omitempty"`
	Visitor     VisitorPayload `json:"visitor"`
	Page        PagePayload    `json:"page"`
}

// BootstrapInstance is the instance subset safe to hand to the browser.
// The webhook URL stays server-side.
type BootstrapInstance struct {
	ID       string                       `json:"id"`
	Name     string                       `json:"name"`
	Title    string                       `json:"title,omitempty"`
	Greeting string                       `json:"greeting,omitempty"`
	Fallback instancestore.FallbackPolicy `json:"fallback"`
	Features instancestore.Features       `json:"features"`
}

type BootstrapResponse struct {
	Instance    BootstrapInstance `json:"instance"`
	SessionUUID string            `json:"sessionUuid"`
	Token       string            `json:"token"`
}

// Resolves the chat instance for the reporting page, opens or resumes the
// visitor's session, and mints the capability token the widget presents on
// every subsequent call.
func (h *handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := apiframework.Decode[BootstrapRequest](r) // @request chatapi.BootstrapRequest
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	if req.Visitor.ID == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("visitor id is required: %w", apiframework.ErrBadRequest), apiframework.CreateOperation)
		return
	}

	decision, err := h.limiter.Check(ctx, ratelimitservice.OpBootstrap, req.Visitor.ID)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	if !decision.Allowed {
		_ = apiframework.Error(w, r, ratelimitservice.ErrRateLimited, apiframework.CreateOperation)
		return
	}

	pageCtx := targeting.PageContext{
		URL:           req.Page.URL,
		Path:          req.Page.Path,
		PostType:      req.Page.PostType,
		PageID:        req.Page.PageID,
		Categories:    req.Page.Categories,
		Authenticated: req.Visitor.Authenticated,
		VisitorRoles:  req.Visitor.Roles,
	}
	instance, err := h.resolver.ResolveWithDefault(ctx, pageCtx)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	if instance == nil {
		_ = apiframework.Error(w, r, fmt.Errorf("no chat instance is enabled: %w", apiframework.ErrNotFound), apiframework.CreateOperation)
		return
	}
	if err := checkAccess(instance, req.Visitor); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	if err := h.limiter.Record(ctx, ratelimitservice.OpBootstrap, req.Visitor.ID); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	session, err := h.sessions.GetOrCreate(ctx, instance.ID, req.Visitor.ID, req.SessionUUID)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	token, err := h.issuer.Mint(ctx, instance.ID, session.UUID, req.Visitor.ID, req.Visitor.Roles)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, BootstrapResponse{ // @response chatapi.BootstrapResponse
		Instance: BootstrapInstance{
			ID:       instance.ID,
			Name:     instance.Name,
			Title:    instance.Title,
			Greeting: instance.Greeting,
			Fallback: instance.Fallback,
			Features: instance.Features,
		},
		SessionUUID: session.UUID,
		Token:       token,
	})
}

// checkAccess enforces the instance access policy against the reported
// visitor identity.
func checkAccess(instance *instancestore.Instance, visitor VisitorPayload) error {
	switch instance.AccessPolicy {
	case "", instancestore.AccessPublic:
		return nil
	case instancestore.AccessAuthenticated:
		if !visitor.Authenticated {
			return fmt.Errorf("chat requires a signed-in visitor: %w", apiframework.ErrForbidden)
		}
		return nil
	case instancestore.AccessRoles:
		if !visitor.Authenticated {
			return fmt.Errorf("chat requires a signed-in visitor: %w", apiframework.ErrForbidden)
		}
		for _, role := range visitor.Roles {
			if slices.Contains(instance.AllowedRoles, role) {
				return nil
			}
		}
		return fmt.Errorf("visitor role not allowed for this chat: %w", apiframework.ErrForbidden)
	default:
		return fmt.Errorf("unknown access policy %q: %w", instance.AccessPolicy, apiframework.ErrForbidden)
	}
}

type MessageRequest struct {
	Message string         `json:"message" example:"Do you ship to Austria?"`
	Visitor VisitorPayload `json:"visitor"`
	Page    PagePayload    `json:"page"`
}

// Runs one message exchange and relays its lifecycle events to the browser
// as SSE frames.
//
// Each event is one 'data:' frame with the event JSON; the stream ends with
// 'data: [DONE]'. Partial frames carry the full accumulated assistant text,
// so the widget can replace rather than append. Classified failures arrive
// as a terminal frame of type "error" carrying only code, category, recovery
// and the user-safe message.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.Context(), apiframework.BearerToken(r))
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ExecuteOperation)
		return
	}

	req, err := apiframework.Decode[MessageRequest](r) // @request chatapi.MessageRequest
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ExecuteOperation)
		return
	}

	ctx, cancelExchange := context.WithCancel(r.Context())
	defer cancelExchange()
	h.registerInflight(claims.SessionUUID, cancelExchange)
	defer h.unregisterInflight(claims.SessionUUID)

	events, err := h.chat.SendMessage(ctx, chatservice.SendRequest{
		InstanceID:  claims.InstanceID,
		SessionUUID: claims.SessionUUID,
		VisitorID:   claims.VisitorID,
		Message:     req.Message,
		PageContext: buildRequestContext(claims, req.Visitor, req.Page),
	})
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ExecuteOperation)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = apiframework.Error(w, r, fmt.Errorf("streaming unsupported"), apiframework.ExecuteOperation)
		return
	}

	for event := range events {
		jsonData, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", jsonData)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// Aborts the in-flight exchange of the token's session, if any. Always
// succeeds; cancelling a finished exchange is a no-op.
func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.Context(), apiframework.BearerToken(r))
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ExecuteOperation)
		return
	}

	h.mu.Lock()
	cancelExchange, found := h.inflight[claims.SessionUUID]
	h.mu.Unlock()
	if found {
		cancelExchange()
	}

	_ = apiframework.Encode(w, r, http.StatusOK, map[string]bool{"cancelled": found}) // @response map[string]bool
}

// Returns the finalized transcript of the token's own session.
func (h *handler) transcript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := h.issuer.Verify(ctx, apiframework.BearerToken(r))
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.GetOperation)
		return
	}

	sessionUUID := apiframework.GetPathParam(r, "uuid", "The session uuid to fetch the transcript for.")
	if sessionUUID == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("session uuid is required: %w", apiframework.ErrBadPathValue), apiframework.GetOperation)
		return
	}
	if sessionUUID != claims.SessionUUID {
		_ = apiframework.Error(w, r, libauth.ErrNotAuthorized, apiframework.GetOperation)
		return
	}

	messages, err := h.transcripts.List(ctx, sessionUUID)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.GetOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, messages) // @response []*transcriptstore.Message
}

func (h *handler) registerInflight(sessionUUID string, cancelExchange context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight[sessionUUID] = cancelExchange
}

func (h *handler) unregisterInflight(sessionUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inflight, sessionUUID)
}

func buildRequestContext(claims *libauth.Capability, visitor VisitorPayload, page PagePayload) promptctx.RequestContext {
	return promptctx.RequestContext{
		SiteName: page.SiteName,
		SiteURL:  page.SiteURL,
		Locale:   page.Locale,

		PageURL:    page.URL,
		PagePath:   page.Path,
		PageTitle:  page.Title,
		PostType:   page.PostType,
		PageID:     page.PageID,
		Categories: page.Categories,

		VisitorID:     claims.VisitorID,
		VisitorName:   visitor.Name,
		Authenticated: visitor.Authenticated,
		VisitorRoles:  claims.VisitorRoles,

		Now:      time.Now(),
		Commerce: visitor.Commerce,
	}
}
