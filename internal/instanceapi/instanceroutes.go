// Package instanceapi is the admin CRUD surface for chat instances.
package instanceapi

import (
	"fmt"
	"net/http"

	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/instanceservice"
	"github.com/chatwire/chatwire/instancestore"
)

func AddInstanceRoutes(mux *http.ServeMux, service instanceservice.Service) {
	h := &handler{service: service}
	mux.HandleFunc("POST /instances", h.createInstance)
	mux.HandleFunc("GET /instances", h.listInstances)
	mux.HandleFunc("GET /instances/{id}", h.getInstance)
	mux.HandleFunc("PUT /instances/{id}", h.updateInstance)
	mux.HandleFunc("DELETE /instances/{id}", h.deleteInstance)
}

type handler struct {
	service instanceservice.Service
}

// Creates a new chat instance.
//
// The webhook URL is accepted on write but never serialized back; responses
// carry its fingerprint instead.
func (h *handler) createInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instance, err := apiframework.Decode[instanceCreateRequest](r) // @request instanceapi.instanceCreateRequest
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	record := instance.toRecord()
	if err := h.service.Create(ctx, record); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusCreated, record) // @response instancestore.Instance
}

// Retrieves a chat instance by ID.
func (h *handler) getInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := apiframework.GetPathParam(r, "id", "The unique identifier of the instance.")
	if id == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("instance ID is required: %w", apiframework.ErrBadPathValue), apiframework.GetOperation)
		return
	}

	instance, err := h.service.Get(ctx, id)
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.GetOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, instance) // @response instancestore.Instance
}

// Updates an existing chat instance.
func (h *handler) updateInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := apiframework.GetPathParam(r, "id", "The unique identifier of the instance.")
	if id == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("instance ID is required: %w", apiframework.ErrBadPathValue), apiframework.UpdateOperation)
		return
	}

	instance, err := apiframework.Decode[instanceCreateRequest](r) // @request instanceapi.instanceCreateRequest
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.UpdateOperation)
		return
	}

	record := instance.toRecord()
	if record.ID != "" && record.ID != id {
		err = fmt.Errorf("%w: ID in payload does not match URL", apiframework.ErrUnprocessableEntity)
		_ = apiframework.Error(w, r, err, apiframework.UpdateOperation)
		return
	}

	record.ID = id // enforce ID from URL
	if record.WebhookURL == "" {
		// webhook URLs never round-trip through the API, so an update
		// without one keeps the stored endpoint
		existing, err := h.service.Get(ctx, id)
		if err != nil {
			_ = apiframework.Error(w, r, err, apiframework.UpdateOperation)
			return
		}
		record.WebhookURL = existing.WebhookURL
	}
	if err := h.service.Update(ctx, record); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.UpdateOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, record) // @response instancestore.Instance
}

// Lists all chat instances.
func (h *handler) listInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enabledOnly := apiframework.GetQueryParam(r, "enabled", "false", "When true, only enabled instances are returned.")

	var (
		instances []*instancestore.Instance
		err       error
	)
	if enabledOnly == "true" || enabledOnly == "True" {
		instances, err = h.service.ListEnabled(ctx)
	} else {
		instances, err = h.service.List(ctx)
	}
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.ListOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, instances) // @response []*instancestore.Instance
}

// Deletes a chat instance.
func (h *handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := apiframework.GetPathParam(r, "id", "The unique identifier of the instance to delete.")
	if id == "" {
		_ = apiframework.Error(w, r, fmt.Errorf("instance ID is required: %w", apiframework.ErrBadPathValue), apiframework.DeleteOperation)
		return
	}

	if err := h.service.Delete(ctx, id); err != nil {
		_ = apiframework.Error(w, r, err, apiframework.DeleteOperation)
		return
	}

	_ = apiframework.Encode(w, r, http.StatusOK, fmt.Sprintf("instance %s deleted", id)) // @response string
}

// instanceCreateRequest mirrors instancestore.Instance but accepts the
// webhook URL, which the record type deliberately refuses to unmarshal.
type instanceCreateRequest struct {
	instancestore.Instance
	WebhookURL string `json:"webhookUrl,omitempty"`
}

func (req *instanceCreateRequest) toRecord() *instancestore.Instance {
	record := req.Instance
	record.WebhookURL = req.WebhookURL
	return &record
}
