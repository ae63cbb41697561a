// Package serverapi wires the relay runtime: services, decorators, HTTP
// routes, the transcript sink, and the session sweep loop.
package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/chatservice"
	"github.com/chatwire/chatwire/instanceservice"
	"github.com/chatwire/chatwire/internal/chatapi"
	"github.com/chatwire/chatwire/internal/instanceapi"
	"github.com/chatwire/chatwire/internal/sessionapi"
	"github.com/chatwire/chatwire/libauth"
	libbus "github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/libkvstore"
	"github.com/chatwire/chatwire/libroutine"
	"github.com/chatwire/chatwire/libtracker"
	"github.com/chatwire/chatwire/ratelimitservice"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/streamclient"
	"github.com/chatwire/chatwire/targeting"
	"github.com/chatwire/chatwire/transcriptservice"
	"gopkg.in/yaml.v3"
)

// SubjectSweepTrigger forces an immediate sweep pass when published.
const SubjectSweepTrigger = "chatwire.session.sweep"

func New(
	ctx context.Context,
	mux *http.ServeMux,
	nodeInstanceID string,
	tenancy string,
	config *Config,
	dbInstance libdb.DBManager,
	pubsub libbus.Messenger,
	kv libkvstore.KVExec,
) (func() error, error) {
	cleanup := func() error { return nil }
	stdOuttracker := libtracker.NewLogActivityTracker(slog.Default())
	serveropsChainedTracker := libtracker.ChainedTracker{
		stdOuttracker,
	}
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		apiframework.Error(w, r, apiframework.ErrNotFound, apiframework.ListOperation)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		// OK
	})
	version := apiframework.GetVersion()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		apiframework.Encode(w, r, http.StatusOK, apiframework.AboutServer{Version: version, NodeInstanceID: nodeInstanceID, Tenancy: tenancy})
	})

	if config.SigningSecret == "" {
		return cleanup, fmt.Errorf("signing_secret is required")
	}

	instanceService := instanceservice.New(dbInstance, config.SigningSecret)
	instanceService = instanceservice.WithActivityTracker(instanceService, serveropsChainedTracker)
	instanceapi.AddInstanceRoutes(mux, instanceService)

	sessionService := sessionservice.New(
		dbInstance,
		parseDuration(config.SessionIdleTimeout, sessionservice.DefaultIdleTimeout),
		parseDuration(config.SessionRetention, sessionservice.DefaultRetention),
	)
	sessionService = sessionservice.WithActivityTracker(sessionService, serveropsChainedTracker)

	transcriptService := transcriptservice.New(dbInstance)
	transcriptService = transcriptservice.WithActivityTracker(transcriptService, serveropsChainedTracker)
	sessionapi.AddSessionRoutes(mux, sessionService, transcriptService)

	sink := transcriptservice.NewSink(transcriptService, pubsub)
	go func() {
		if err := sink.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("transcript sink stopped: %v", err)
		}
	}()

	limiter := ratelimitservice.New(kv, rateLimits(config))
	limiter = ratelimitservice.WithActivityTracker(limiter, serveropsChainedTracker)

	streamer := streamclient.New(parseDuration(config.StreamIdleTimeout, streamclient.DefaultIdleTimeout))

	chatService := chatservice.New(instanceService, sessionService, limiter, streamer, pubsub)
	chatService = chatservice.WithActivityTracker(chatService, serveropsChainedTracker)

	issuer, err := libauth.NewIssuer(config.SigningSecret, parseDuration(config.TokenTTL, time.Hour))
	if err != nil {
		return cleanup, fmt.Errorf("failed to create token issuer: %w", err)
	}
	resolver := targeting.NewResolver(instanceService)
	chatapi.AddChatRoutes(mux, chatService, resolver, sessionService, transcriptService, limiter, issuer)

	// Get circuit breaker group instance
	group := libroutine.GetGroup()

	group.StartLoop(
		ctx,
		&libroutine.LoopConfig{
			Key:          "sessionSweep",
			Threshold:    3,
			ResetTimeout: 10 * time.Second,
			Interval:     parseDuration(config.SweepInterval, 5*time.Minute),
			Operation: func(ctx context.Context) error {
				report, err := sessionService.Sweep(ctx)
				if err != nil {
					return err
				}
				if report.Closed > 0 || report.Purged > 0 {
					log.Printf("session sweep closed %d purged %d", report.Closed, report.Purged)
				}
				return nil
			},
		},
	)

	triggerCh := make(chan []byte, 10)
	sub, err := pubsub.Stream(ctx, SubjectSweepTrigger, triggerCh)
	if err != nil {
		return cleanup, fmt.Errorf("failed to subscribe to sweep trigger: %w", err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-triggerCh:
				if !ok {
					return
				}
				group.ForceUpdate("sessionSweep")
			}
		}
	}()

	return cleanup, nil
}

type Config struct {
	DatabaseURL string `json:"database_url" yaml:"database_url"`
	Port        string `json:"port" yaml:"port"`
	Addr        string `json:"addr" yaml:"addr"`

	NATSURL      string `json:"nats_url" yaml:"nats_url"`
	NATSUser     string `json:"nats_user" yaml:"nats_user"`
	NATSPassword string `json:"nats_password" yaml:"nats_password"`

	KVAddr     string `json:"kv_addr" yaml:"kv_addr"`
	KVPassword string `json:"kv_password" yaml:"kv_password"`

	// Token guards the admin surface; SigningSecret signs capability tokens
	// and derives the webhook fingerprint key.
	Token         string `json:"token" yaml:"token"`
	SigningSecret string `json:"signing_secret" yaml:"signing_secret"`
	TokenTTL      string `json:"token_ttl" yaml:"token_ttl"`

	SessionIdleTimeout string `json:"session_idle_timeout" yaml:"session_idle_timeout"`
	SessionRetention   string `json:"session_retention" yaml:"session_retention"`
	SweepInterval      string `json:"sweep_interval" yaml:"sweep_interval"`
	StreamIdleTimeout  string `json:"stream_idle_timeout" yaml:"stream_idle_timeout"`

	// Per-minute request ceilings; zero keeps the built-in defaults.
	MessageRateLimit   string `json:"message_rate_limit" yaml:"message_rate_limit"`
	BootstrapRateLimit string `json:"bootstrap_rate_limit" yaml:"bootstrap_rate_limit"`
	APIRateLimit       string `json:"api_rate_limit" yaml:"api_rate_limit"`

	ConfigFile string `json:"config_file" yaml:"-"`
}

// LoadConfig fills cfg from the environment (lower-cased variable names as
// JSON keys). When cfg carries a config_file path, the YAML file fills any
// fields the environment left empty.
func LoadConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config pointer is nil")
	}
	if err := loadEnv(cfg); err != nil {
		return err
	}
	if cfg.ConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	// env wins; the file only fills gaps
	if err := mergo.Merge(cfg, fileCfg); err != nil {
		return fmt.Errorf("failed to merge config file: %w", err)
	}
	return nil
}

func loadEnv[T any](cfg *T) error {
	config := map[string]string{}
	for _, kvPair := range os.Environ() {
		ar := strings.SplitN(kvPair, "=", 2)
		if len(ar) < 2 {
			continue
		}
		key := strings.ToLower(ar[0])
		value := ar[1]
		config[key] = value
	}

	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	err = json.Unmarshal(b, cfg)
	if err != nil {
		return fmt.Errorf("failed to unmarshal into config struct: %w", err)
	}

	return nil
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// rateLimits builds the per-operation thresholds, starting from the
// defaults and overriding where the config names a ceiling.
func rateLimits(config *Config) map[string]ratelimitservice.Limit {
	limits := ratelimitservice.DefaultLimits()
	overrides := map[string]string{
		ratelimitservice.OpMessageSend: config.MessageRateLimit,
		ratelimitservice.OpBootstrap:   config.BootstrapRateLimit,
		ratelimitservice.OpAPI:         config.APIRateLimit,
	}
	for op, raw := range overrides {
		if raw == "" {
			continue
		}
		ceiling, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ceiling < 1 {
			continue
		}
		limits[op] = ratelimitservice.Limit{MaxRequests: ceiling, Window: time.Minute}
	}
	return limits
}
