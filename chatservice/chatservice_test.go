package chatservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatwire/chatwire/chatservice"
	"github.com/chatwire/chatwire/faults"
	"github.com/chatwire/chatwire/instanceservice"
	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/libkvstore"
	"github.com/chatwire/chatwire/promptctx"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/sessionstore"
	"github.com/chatwire/chatwire/streamclient"
	"github.com/chatwire/chatwire/transcriptservice"
	"github.com/chatwire/chatwire/transcriptstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	ctx       context.Context
	service   chatservice.Service
	instances instanceservice.Service
	messenger libbus.Messenger
}

func setupEnv(t *testing.T, sendLimit int64) *testEnv {
	t.Helper()
	ctx := context.Background()

	schema := instancestore.SchemaSQLite + "\n" + sessionstore.SchemaSQLite + "\n" + transcriptstore.SchemaSQLite
	dbManager, err := libdb.NewSQLiteDBManager(ctx, ":memory:", schema)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbManager.Close()) })

	kvManager := libkvstore.NewInMemManager()
	t.Cleanup(func() { require.NoError(t, kvManager.Close()) })
	kv, err := kvManager.Executor(ctx)
	require.NoError(t, err)

	instances := instanceservice.New(dbManager, "server-secret")
	sessions := sessionservice.New(dbManager, 0, 0)
	limiter := ratelimitservice.New(kv, map[string]ratelimitservice.Limit{
		ratelimitservice.OpMessageSend: {MaxRequests: sendLimit, Window: time.Minute},
	})
	messenger := libbus.NewInMem()

	return &testEnv{
		ctx:       ctx,
		service:   chatservice.New(instances, sessions, limiter, streamclient.New(time.Second), messenger),
		instances: instances,
		messenger: messenger,
	}
}

func (e *testEnv) createInstance(t *testing.T, webhookURL string, fallbackMode string) *instancestore.Instance {
	t.Helper()
	instance := &instancestore.Instance{
		Name:           "support",
		Enabled:        true,
		WebhookURL:     webhookURL,
		SystemTemplate: "You are helping a visitor on {page_path}.",
		Fallback:       instancestore.FallbackPolicy{Mode: fallbackMode},
	}
	require.NoError(t, e.instances.Create(e.ctx, instance))
	return instance
}

func drain(t *testing.T, events <-chan chatservice.Event) []chatservice.Event {
	t.Helper()
	var collected []chatservice.Event
	for event := range events {
		collected = append(collected, event)
	}
	return collected
}

func TestUnit_SendMessage_StreamedExchange(t *testing.T) {
	var sawSystemPrompt atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Action  string            `json:"action"`
			Context map[string]string `json:"context"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "sendMessage", payload.Action)
		if payload.Context["system_prompt"] == "You are helping a visitor on /pricing." {
			sawSystemPrompt.Store(true)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{`{"text":"Hel"}`, `{"text":"lo"}`, "[DONE]"} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	defer server.Close()

	env := setupEnv(t, 10)
	instance := env.createInstance(t, server.URL, "")

	finalized := make(chan []byte, 4)
	_, err := env.messenger.Stream(env.ctx, transcriptservice.SubjectMessageFinalized, finalized)
	require.NoError(t, err)

	events, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID:  instance.ID,
		VisitorID:   "visitor-1",
		Message:     "hi",
		PageContext: promptctx.RequestContext{PagePath: "/pricing"},
	})
	require.NoError(t, err)

	collected := drain(t, events)
	require.Len(t, collected, 5)
	assert.Equal(t, chatservice.EventSessionStarted, collected[0].Type)
	assert.Equal(t, chatservice.EventMessageSent, collected[1].Type)
	assert.Equal(t, chatservice.EventPartial, collected[2].Type)
	assert.Equal(t, "Hel", collected[2].Text)
	assert.Equal(t, "Hello", collected[3].Text)
	assert.Equal(t, chatservice.EventCompleted, collected[4].Type)
	assert.Equal(t, "Hello", collected[4].Text)
	assert.NotEmpty(t, collected[0].SessionUUID)
	assert.True(t, sawSystemPrompt.Load())

	// both turns announced for the transcript sink
	roles := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case data := <-finalized:
			var event transcriptservice.FinalizedMessage
			require.NoError(t, json.Unmarshal(data, &event))
			roles[event.Role] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for finalized messages")
		}
	}
	assert.True(t, roles[transcriptstore.RoleUser])
	assert.True(t, roles[transcriptstore.RoleAssistant])
}

func TestUnit_SendMessage_SessionReuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"output": "ok"})
	}))
	defer server.Close()

	env := setupEnv(t, 10)
	instance := env.createInstance(t, server.URL, "")

	events, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: instance.ID,
		VisitorID:  "visitor-1",
		Message:    "first",
	})
	require.NoError(t, err)
	first := drain(t, events)
	require.NotEmpty(t, first)
	sessionUUID := first[0].SessionUUID

	events, err = env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID:  instance.ID,
		SessionUUID: sessionUUID,
		VisitorID:   "visitor-1",
		Message:     "second",
	})
	require.NoError(t, err)
	second := drain(t, events)
	require.NotEmpty(t, second)
	// no session_started when the supplied uuid is reused
	assert.Equal(t, chatservice.EventMessageSent, second[0].Type)
	assert.Equal(t, sessionUUID, second[0].SessionUUID)
}

func TestUnit_SendMessage_ValidationRejectsLocally(t *testing.T) {
	env := setupEnv(t, 10)
	instance := env.createInstance(t, "https://unreachable.invalid", "")

	_, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: instance.ID,
		VisitorID:  "visitor-1",
		Message:    "",
	})
	require.Error(t, err)

	var fault *faults.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, faults.CategoryValidation, fault.Category)
	assert.Equal(t, faults.RecoveryNone, fault.Recovery)
}

func TestUnit_SendMessage_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"output": "ok"})
	}))
	defer server.Close()

	env := setupEnv(t, 1)
	instance := env.createInstance(t, server.URL, "")

	events, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: instance.ID,
		VisitorID:  "visitor-1",
		Message:    "first",
	})
	require.NoError(t, err)
	drain(t, events)

	_, err = env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: instance.ID,
		VisitorID:  "visitor-1",
		Message:    "second",
	})
	require.Error(t, err)

	var fault *faults.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, faults.CategoryRateLimit, fault.Category)
	assert.Equal(t, faults.RecoveryWait, fault.Recovery)
	assert.Greater(t, fault.RetryAfter, time.Duration(0))
}

func TestUnit_SendMessage_UnknownInstance(t *testing.T) {
	env := setupEnv(t, 10)

	_, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: "missing",
		VisitorID:  "visitor-1",
		Message:    "hi",
	})
	require.Error(t, err)

	var fault *faults.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, faults.CategoryValidation, fault.Category)
}

func TestUnit_SendMessage_BackendFailureRetriesThenSurfaces(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "workflow down", http.StatusBadGateway)
	}))
	defer server.Close()

	env := setupEnv(t, 10)
	instance := env.createInstance(t, server.URL, "")

	events, err := env.service.SendMessage(env.ctx, chatservice.SendRequest{
		InstanceID: instance.ID,
		VisitorID:  "visitor-1",
		Message:    "hi",
	})
	require.NoError(t, err)

	collected := drain(t, events)
	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	require.Equal(t, chatservice.EventError, last.Type)
	require.NotNil(t, last.Fault)
	assert.Equal(t, faults.CategoryExternal, last.Fault.Category)
	assert.Equal(t, faults.RecoveryRetry, last.Fault.Recovery)
	// one silent retry before surfacing
	assert.Equal(t, int64(2), calls.Load())
}
