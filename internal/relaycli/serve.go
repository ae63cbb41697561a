package relaycli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwire/chatwire/apiframework"
	"github.com/chatwire/chatwire/instancestore"
	libbus "github.com/chatwire/chatwire/libbus"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/libkvstore"
	"github.com/chatwire/chatwire/libroutine"
	"github.com/chatwire/chatwire/serverapi"
	"github.com/chatwire/chatwire/sessionstore"
	"github.com/chatwire/chatwire/transcriptstore"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultTenancy = "00000000-0000-0000-0000-000000000001"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server.",
	Long: `Run the relay server. Configuration comes from the environment
(lower-cased variable names), optionally overlaid by a YAML file. Without a
database_url the relay runs in local mode on SQLite with in-memory counters
and bus.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "Path to a YAML config file (fills fields the environment leaves empty)")
	f.String("db", "chatwire.db", "SQLite database path for local mode (ignored when database_url is set)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	config := &serverapi.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		config.ConfigFile = path
	}
	if err := serverapi.LoadConfig(config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	nodeInstanceID := uuid.NewString()[0:8]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("%s received interrupt, shutting down", nodeInstanceID)
		cancel()
	}()

	localDBPath, _ := cmd.Flags().GetString("db")
	dbInstance, err := initDatabase(ctx, config, localDBPath)
	if err != nil {
		return fmt.Errorf("%s initializing database failed: %w", nodeInstanceID, err)
	}
	defer dbInstance.Close()

	ps, err := initPubSub(ctx, config)
	if err != nil {
		return fmt.Errorf("%s initializing PubSub failed: %w", nodeInstanceID, err)
	}

	kv, kvCleanup, err := initKV(ctx, config)
	if err != nil {
		return fmt.Errorf("%s initializing KV store failed: %w", nodeInstanceID, err)
	}
	defer kvCleanup()

	mux := http.NewServeMux()
	cleanup, err := serverapi.New(ctx, mux, nodeInstanceID, defaultTenancy, config, dbInstance, ps, kv)
	if err != nil {
		return fmt.Errorf("%s initializing API handler failed: %w", nodeInstanceID, err)
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Printf("%s cleanup failed: %v", nodeInstanceID, err)
		}
	}()

	var apiHandler http.Handler = mux
	apiHandler = apiframework.RequestIDMiddleware(apiHandler)
	apiHandler = apiframework.TracingMiddleware(apiHandler)
	if config.Token != "" {
		apiHandler = withAdminToken(config.Token, apiHandler)
	}

	port := config.Port
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:    config.Addr + ":" + port,
		Handler: apiHandler,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("%s starting server on %s:%s", nodeInstanceID, config.Addr, port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server failed: %w", nodeInstanceID, err)
	}
	return nil
}

// withAdminToken gates the admin surface behind the bearer token. The embed
// surface stays open: the widget authenticates with capability tokens.
func withAdminToken(token string, next http.Handler) http.Handler {
	guarded := apiframework.EnforceToken(token, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isEmbedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

func isEmbedPath(path string) bool {
	switch {
	case path == "/health", path == "/version":
		return true
	case path == "/embed/bootstrap":
		return true
	case len(path) >= 5 && path[:5] == "/chat":
		return true
	}
	return false
}

func initDatabase(ctx context.Context, cfg *serverapi.Config, localDBPath string) (libdb.DBManager, error) {
	if cfg.DatabaseURL == "" {
		schema := instancestore.SchemaSQLite + "\n" + sessionstore.SchemaSQLite + "\n" + transcriptstore.SchemaSQLite
		return libdb.NewSQLiteDBManager(ctx, localDBPath, schema)
	}
	schema := instancestore.Schema + "\n" + sessionstore.Schema + "\n" + transcriptstore.Schema
	var dbInstance libdb.DBManager
	err := libroutine.NewRoutine(10, time.Minute).ExecuteWithRetry(ctx, time.Second, 3, func(ctx context.Context) error {
		var err error
		dbInstance, err = libdb.NewPostgresDBManager(ctx, cfg.DatabaseURL, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return dbInstance, nil
}

func initPubSub(ctx context.Context, cfg *serverapi.Config) (libbus.Messenger, error) {
	if cfg.NATSURL == "" {
		return libbus.NewInMem(), nil
	}
	return libbus.NewPubSub(ctx, &libbus.Config{
		NATSURL:      cfg.NATSURL,
		NATSPassword: cfg.NATSPassword,
		NATSUser:     cfg.NATSUser,
	})
}

func initKV(ctx context.Context, cfg *serverapi.Config) (libkvstore.KVExec, func(), error) {
	if cfg.KVAddr == "" {
		manager := libkvstore.NewInMemManager()
		kv, err := manager.Executor(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		return kv, func() { _ = manager.Close() }, nil
	}
	manager, err := libkvstore.NewManager(libkvstore.Config{
		KVAddr:     cfg.KVAddr,
		KVPassword: cfg.KVPassword,
	}, 10*time.Second)
	if err != nil {
		return nil, func() {}, err
	}
	kv, err := manager.Executor(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	return kv, func() { _ = manager.Close() }, nil
}
