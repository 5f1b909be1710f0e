// Command localllm runs and controls the local inference daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"localllm/internal/config"
	"localllm/internal/httpapi"
)

// Global flags shared by all commands
var (
	configPath string
	addrFlag   string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "localllm",
		Short:         "Download a local LLM and serve it over an OpenAI-compatible endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LOCALLLM_CONFIG"), "Config file (.yaml, .json or .toml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Control API address (default from config, "+config.DefaultAddr+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of human-readable output")

	rootCmd.AddCommand(
		newServeCmd(),
		newPullCmd(),
		newModelsCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newUseCmd(),
		newChatCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the optional config file, then environment overrides,
// then fills defaults. Flags are applied by the caller afterwards.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg.ApplyEnv()
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// controlClient returns a client for the daemon named by --addr or config.
func controlClient() (*httpapi.Client, error) {
	if addrFlag != "" {
		return httpapi.NewClient(addrFlag), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return httpapi.NewClient(cfg.Addr), nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
