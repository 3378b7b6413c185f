package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chuye/metingbot/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the metingbot daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	pidFile := pidFilePath(cfg)

	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)

	// The PID file is written at startup; its mtime is the start time.
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
