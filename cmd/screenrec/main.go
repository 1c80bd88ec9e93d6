package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AIWaveSystems/screenRecording/internal/config"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "screenrec",
	Short: "Screen and audio recorder",
	Long: `screenrec records one monitor together with an optional microphone and the
system audio output, then combines them into a single video file with ffmpeg.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("screenrec v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/screenrec/screenrec.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration and initializes logging from
// it. Validation warnings are printed; fatal problems are returned.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	result := cfg.Validate()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "config: %v\n", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", f)
		}
		return nil, fmt.Errorf("invalid configuration (%d problems)", len(result.Fatals))
	}

	logging.InitFile(cfg.Log.Format, cfg.Log.Level, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     cfg.Log.Stderr,
	})
	return cfg, nil
}
