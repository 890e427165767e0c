package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cidx-server/depmap/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "depmap",
	Short: "Dependency-map health checks and self-healing repair",
	Long: `depmap inspects a dependency-map output directory (_domains.json, one
{domain}.md per domain, and _index.md), reports structural anomalies, and
repairs them: regenerating broken domain documents with an LLM analyzer,
deleting orphans, reconciling the manifest and rebuilding the index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./"+config.DefaultFile+" if present)")
}

// outputDir returns the directory argument, or the configured default.
func outputDir(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if cfg != nil && cfg.OutputDir != "" {
		return cfg.OutputDir
	}
	return "."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
