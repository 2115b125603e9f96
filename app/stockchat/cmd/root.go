package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cchalm/stockchat/internal/config"
	"github.com/cchalm/stockchat/internal/logging"
)

var (
	cfg        config.Config
	configPath string
	userFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "stockchat",
	Short: "Terminal stock market assistant",
	Long: `Stockchat is a conversational stock market assistant. It answers questions about
stocks and markets, showing prices, charts, financials and news through market tools.
Free users may send a limited number of messages; premium users keep their history.`,
	PersistentPreRunE: loadRootConfig,
	SilenceUsage:      true,
}

func Execute() error {
	return rootCmd.Execute()
}

func loadRootConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if userFlag != "" {
		loaded.UserID = userFlag
	}
	cfg = loaded

	if _, err := logging.Init(cfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file (default $STOCKCHAT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "Act as this user ID instead of the configured one")
}
