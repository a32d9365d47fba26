// Package main is the niteru CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperjump/niteru/internal/config"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/niteru/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

var (
	configPath string
	serverURL  string
	debugFlag  bool
	outputFlag string
)

var rootCmd = &cobra.Command{
	Use:   "niteru",
	Short: "Image similarity search",
	Long: `niteru stores image embeddings and answers "which stored images look most
like this one?" queries, optionally narrowed by category, tags and attributes.

Commands that read or change the index talk to a running server (--server)
and fall back to opening the store directly when --server is empty.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, `server URL (empty = open the store directly)`)
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "output format: text, compact or json")
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development) and uses it if present.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
