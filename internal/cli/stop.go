package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chuye/metingbot/internal/config"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the metingbot daemon",
	Long: `Stop the metingbot daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	pidFile := pidFilePath(cfg)

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("daemon does not appear to be running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Println("Daemon stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(pidFile)
	fmt.Println("Daemon killed")
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}
