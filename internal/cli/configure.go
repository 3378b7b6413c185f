package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chuye/metingbot/internal/config"
)

var (
	configureAPIURL   string
	configureBotToken string
	configureSource   string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the bot configuration file",
	Long: `Write the metingbot configuration file.
Settings not given as flags keep their current (or default) values.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureAPIURL, "api-url", "", "Meting API endpoint, e.g. https://api.example.com/meting")
	configureCmd.Flags().StringVar(&configureBotToken, "bot-token", "", "Telegram bot token")
	configureCmd.Flags().StringVar(&configureSource, "source", "", "default music source (tencent/netease/kugou/kuwo)")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	// Start from whatever is on disk so repeated runs are additive.
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load existing configuration: %w", err)
	}

	if configureAPIURL != "" {
		cfg.API.URL = configureAPIURL
	}
	if configureBotToken != "" {
		cfg.Telegram.BotToken = configureBotToken
	}
	if configureSource != "" {
		cfg.API.DefaultSource = configureSource
	}

	if fixed := cfg.Normalize(); len(fixed) > 0 {
		fmt.Printf("Adjusted out-of-range settings: %v\n", fixed)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	path, err := loader.Path()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration saved to: %s\n", path)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Note: %v\n", err)
	} else {
		fmt.Println("You can now start the bot with: metingbot start")
	}

	return nil
}
