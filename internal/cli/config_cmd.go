package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sproutplan/sproutplan/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE:  runConfigShow, // default subcommand
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the configuration after env overrides and defaults",
		RunE:  runConfigShow,
	})
	return configCmd
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, nil, defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	masked := *cfg
	masked.Auth.JWTSecret = maskSecret(cfg.Auth.JWTSecret)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config: %s\n\n", configPath)
	_, _ = fmt.Fprintln(out, string(data))
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
