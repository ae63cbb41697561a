// Package sessionapi is the admin surface for session lifecycle: lookup,
// listing, forced close, and triggering a maintenance sweep.
package sessionapi

import (
	"fmt"
	"net/http"

	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/transcriptservice"
)

func AddSessionRoutes(mux *http.ServeMux, service sessionservice.Service, transcripts transcriptservice.Service) {
	h := &handler{service: service, transcripts: transcripts}
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{uuid}", h.getSession)
	mux.HandleFunc("POST /sessions/{uuid}/close", h.closeSession)
	mux.HandleFunc("GET /sessions/{uuid}/transcript", h.getTranscript)
	mux.HandleFunc("POST /sessions/sweep", h.sweep)
}

type handler struct {
	service     sessionservice.Service
	transcripts transcriptservice.Service
}

// Retrieves a session by uuid.
func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := apiframework.GetPathParam(r, "uuid", "The session uuid.")
	if uuid == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("session uuid is required: %w", apiframework.ErrBadPathValue), apiframework.GetOperation)
		return
	}

	session, err := h.service.Get(ctx, uuid)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.GetOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, session) // @response sessionstore.Session
}

// Lists the sessions of one visitor on one instance.
func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := apiframework.GetQueryParam(r, "instance", "", "The instance to list sessions for.")
	visitorID := apiframework.GetQueryParam(r, "visitor", "", "The visitor to list sessions for.")
	if instanceID == "" || visitorID == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("instance and visitor are required: %w", apiframework.ErrBadQueryValue), apiframework.ListOperation)
		return
	}

	sessions, err := h.service.ListByVisitor(ctx, instanceID, visitorID)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ListOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, sessions) // @response []*sessionstore.Session
}

// Closes an active session. Closing an already-closed session is a 404.
func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := apiframework.GetPathParam(r, "uuid", "The session uuid to close.")
	if uuid == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("session uuid is required: %w", apiframework.ErrBadPathValue), apiframework.UpdateOperation)
		return
	}

	if err := h.service.Close(ctx, uuid); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.UpdateOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, fmt.Sprintf("session %s closed", uuid)) // @response string
}

// Returns the finalized transcript of any session. Unlike the embed route
// this is not bound to a capability token; it sits behind the admin token.
func (h *handler) getTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := apiframework.GetPathParam(r, "uuid", "The session uuid to fetch the transcript for.")
	if uuid == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("session uuid is required: %w", apiframework.ErrBadPathValue), apiframework.GetOperation)
		return
	}

	messages, err := h.transcripts.List(ctx, uuid)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.GetOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, messages) // @response []*transcriptstore.Message
}

// Runs one maintenance sweep immediately and reports what it touched.
func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.service.Sweep(ctx)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ExecuteOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, report) // @response sessionservice.SweepReport
}
