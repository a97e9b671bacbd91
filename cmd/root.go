package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/samotage/headspace/internal/app"
	"github.com/samotage/headspace/internal/config"
	"github.com/samotage/headspace/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	logger *zap.Logger
	hs     *app.App

	// appOptions is appended to every app.Open call; tests use it to
	// replace pane checkers and notifiers.
	appOptions []app.Option

	verbose bool
	dryRun  bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "headspace",
	Short: "Track Claude Code agents, their tasks and turns",
	Long: `headspace coordinates concurrent Claude Code sessions.

It receives hook callbacks, classifies every turn, keeps each agent's task
state machine current, reconciles turns against session transcripts and
reaps agents whose terminals are gone.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		_ = closeApp()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/headspace/config.yaml)")
}

func initConfig() {
	dir, err := configDirFunc()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
		os.Exit(1)
	}

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper(), dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	l, err := newLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logger: %v\n", err)
		os.Exit(1)
	}
	logger = l
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays parseable.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

// loadConfig returns the effective typed configuration.
func loadConfig() config.Config {
	cfg := config.FromViper(viper.GetViper())
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Classifier.Inference && cfg.Anthropic.APIKey == "" {
		logger.Warn("classifier.inference is set but no Anthropic API key is configured; inference disabled")
		cfg.Classifier.Inference = false
	}
	return cfg
}

// getApp returns the shared App, opening the database on first call.
func getApp(ctx context.Context) (*app.App, error) {
	if hs != nil {
		return hs, nil
	}

	a, err := app.Open(ctx, loadConfig(), logger, appOptions...)
	if err != nil {
		return nil, err
	}
	hs = a
	return hs, nil
}

func closeApp() error {
	if hs == nil {
		return nil
	}
	err := hs.Close()
	hs = nil
	return err
}
