package chatapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatwire/chatwire/chatservice"
	"github.com/chatwire/chatwire/instanceservice"
	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/internal/chatapi"
	"github.com/chatwire/chatwire/libauth"
	"github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/libkvstore"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/sessionstore"
	"github.com/chatwire/chatwire/streamclient"
	"github.com/chatwire/chatwire/targeting"
	"github.com/chatwire/chatwire/transcriptservice"
	"github.com/chatwire/chatwire/transcriptstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	ctx       context.Context
	server    *httptest.Server
	instances instanceservice.Service
}

func setupAPI(t *testing.T) *apiEnv {
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
	transcripts := transcriptservice.New(dbManager)
	limiter := ratelimitservice.New(kv, nil)
	messenger := libbus.NewInMem()
	chat := chatservice.New(instances, sessions, limiter, streamclient.New(time.Second), messenger)
	issuer, err := libauth.NewIssuer("server-secret", time.Hour)
	require.NoError(t, err)

	mux := http.NewServeMux()
	chatapi.AddChatRoutes(mux, chat, targeting.NewResolver(instances), sessions, transcripts, limiter, issuer)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiEnv{ctx: ctx, server: server, instances: instances}
}

func (e *apiEnv) createInstance(t *testing.T, webhookURL string) *instancestore.Instance {
	t.Helper()
	instance := &instancestore.Instance{
		Name:       "support",
		Enabled:    true,
		IsDefault:  true,
		Greeting:   "Hi there!",
		WebhookURL: webhookURL,
	}
	require.NoError(t, e.instances.Create(e.ctx, instance))
	return instance
}

func (e *apiEnv) bootstrap(t *testing.T, req chatapi.BootstrapRequest) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+"/embed/bootstrap", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func webhookStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{`{"text":"Hel"}`, `{"text":"lo"}`, "[DONE]"} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUnit_Bootstrap_MintsTokenWithoutWebhook(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, "https://hooks.internal/relay/abc")

	resp, body := env.bootstrap(t, chatapi.BootstrapRequest{
		Visitor: chatapi.VisitorPayload{ID: "visitor-1"},
		Page:    chatapi.PagePayload{Path: "/pricing"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bundle chatapi.BootstrapResponse
	require.NoError(t, json.Unmarshal(body, &bundle))
	assert.Equal(t, "support", bundle.Instance.Name)
	assert.Equal(t, "Hi there!", bundle.Instance.Greeting)
	assert.NotEmpty(t, bundle.SessionUUID)
	assert.NotEmpty(t, bundle.Token)

	// the endpoint secret must never reach the page
	assert.NotContains(t, string(body), "hooks.internal")
	assert.NotContains(t, string(body), "webhookUrl")
}

func TestUnit_Bootstrap_RequiresVisitor(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, "https://hooks.internal/relay/abc")

	resp, _ := env.bootstrap(t, chatapi.BootstrapRequest{
		Page: chatapi.PagePayload{Path: "/"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnit_Bootstrap_NoInstanceEnabled(t *testing.T) {
	env := setupAPI(t)

	resp, _ := env.bootstrap(t, chatapi.BootstrapRequest{
		Visitor: chatapi.VisitorPayload{ID: "visitor-1"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnit_SendMessage_RelaysSSE(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, webhookStub(t).URL)

	_, body := env.bootstrap(t, chatapi.BootstrapRequest{
		Visitor: chatapi.VisitorPayload{ID: "visitor-1"},
	})
	var bundle chatapi.BootstrapResponse
	require.NoError(t, json.Unmarshal(body, &bundle))

	payload, err := json.Marshal(chatapi.MessageRequest{Message: "hi"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/chat/messages", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bundle.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var types []string
	var lastText string
	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var event chatservice.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		types = append(types, event.Type)
		if event.Text != "" {
			lastText = event.Text
		}
	}
	require.NoError(t, scanner.Err())

	assert.True(t, sawDone)
	assert.Equal(t, []string{
		chatservice.EventMessageSent,
		chatservice.EventPartial,
		chatservice.EventPartial,
		chatservice.EventCompleted,
	}, types)
	assert.Equal(t, "Hello", lastText)
}

func TestUnit_SendMessage_RejectsMissingToken(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, "https://hooks.internal/relay/abc")

	payload, err := json.Marshal(chatapi.MessageRequest{Message: "hi"})
	require.NoError(t, err)
	resp, err := http.Post(env.server.URL+"/chat/messages", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnit_Transcript_BoundToOwnSession(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, "https://hooks.internal/relay/abc")

	_, body := env.bootstrap(t, chatapi.BootstrapRequest{
		Visitor: chatapi.VisitorPayload{ID: "visitor-1"},
	})
	var bundle chatapi.BootstrapResponse
	require.NoError(t, json.Unmarshal(body, &bundle))

	// own session is readable
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/chat/sessions/"+bundle.SessionUUID+"/transcript", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bundle.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a foreign session uuid is not
	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/chat/sessions/someone-else/transcript", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bundle.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnit_Cancel_NoInflightExchange(t *testing.T) {
	env := setupAPI(t)
	env.createInstance(t, "https://hooks.internal/relay/abc")

	_, body := env.bootstrap(t, chatapi.BootstrapRequest{
		Visitor: chatapi.VisitorPayload{ID: "visitor-1"},
	})
	var bundle chatapi.BootstrapResponse
	require.NoError(t, json.Unmarshal(body, &bundle))

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/chat/cancel", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bundle.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result["cancelled"])
}
