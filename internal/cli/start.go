package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chuye/metingbot/internal/config"
	"github.com/chuye/metingbot/internal/daemon"
	"github.com/chuye/metingbot/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the metingbot daemon",
	Long: `Start the metingbot daemon in the foreground.
The daemon connects to Telegram and serves song requests until stopped.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w (run 'metingbot configure' first)", err)
	}

	if isRunning(pidFilePath(cfg)) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFilePath(cfg))
	}

	logCfg := logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, loader, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "metingbot.pid")
}

func isRunning(pidFile string) bool {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
