package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cidx-server/depmap/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default config file in the current directory",
	Long: `Write ./` + config.DefaultFile + ` with the built-in defaults and output_dir set
to dir (default: the current directory).

Example:
  cd ~/cidx
  depmap init dependency-map
  depmap init --force            # overwrite an existing config`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		dir := "."
		if len(args) > 0 && args[0] != "" {
			dir = args[0]
		}
		if err := writeDefaultConfig(config.DefaultFile, dir, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s wrote %s (output_dir: %s)\n", green("✓"), config.DefaultFile, dir)
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

// writeDefaultConfig saves the default configuration for outputDir to path,
// refusing to replace an existing file unless force is set.
func writeDefaultConfig(path, outputDir string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}

	c := config.DefaultConfig()
	c.OutputDir = outputDir
	return c.Save(path)
}
