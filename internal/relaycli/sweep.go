package relaycli

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwire/chatwire/serverapi"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one session maintenance pass.",
	Long: `Close sessions whose idle timeout has expired and purge closed
sessions past the retention window, together with their transcripts. The
serve command runs this on an interval; sweep runs it once and exits.`,
	RunE: runSweep,
}

func init() {
	f := sweepCmd.Flags()
	f.String("config", "", "Path to a YAML config file")
	f.String("db", "chatwire.db", "SQLite database path for local mode (ignored when database_url is set)")
	f.Duration("timeout", time.Minute, "Maximum sweep execution time")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	config := &serverapi.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		config.ConfigFile = path
	}
	if err := serverapi.LoadConfig(config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	localDBPath, _ := cmd.Flags().GetString("db")
	dbInstance, err := initDatabase(ctx, config, localDBPath)
	if err != nil {
		return fmt.Errorf("initializing database failed: %w", err)
	}
	defer dbInstance.Close()

	sessions := sessionservice.New(
		dbInstance,
		parseWindow(config.SessionIdleTimeout),
		parseWindow(config.SessionRetention),
	)
	report, err := sessions.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("closed %d idle sessions, purged %d past retention\n", report.Closed, report.Purged)
	return nil
}

func parseWindow(value string) time.Duration {
	if value == "" {
		return 0 // service defaults apply
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
