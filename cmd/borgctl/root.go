package main

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/runner"
)

var (
	BuildVersion = "dev"
	BuildCommit  = "none"
)

var (
	configPath string
	verbose    bool
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "borgctl",
	Short: "Run backup operations without the API server",
	Long: `borgctl drives the backup tool directly using the same validation and
locking as the API server. It reads the same environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "backup tool config file (overrides BORGMATIC_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log tool invocations")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")
}

// session holds what every tool-facing command needs.
type session struct {
	cfg  config.Config
	exec *executor.Executor
	log  *zap.SugaredLogger
}

func newSession() (*session, error) {
	cfg := config.Load()
	if configPath != "" {
		cfg.BorgmaticConfigPath = configPath
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logging.New(level, false)
	if err != nil {
		return nil, err
	}
	proc := runner.New(cfg.CommandTimeout, cfg.MaxOutputBytes, log)
	return &session{cfg: cfg, exec: executor.New(cfg, proc, nil, log), log: log}, nil
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout+10*time.Second)
}

// report prints a tool result and turns failure into a non-zero exit.
func report(cmd *cobra.Command, res models.CommandResult) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		if res.Stdout != "" {
			fmt.Fprint(out, res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		}
	}
	if !res.Success {
		return fmt.Errorf("backup tool exited with code %d", res.ExitCode)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
