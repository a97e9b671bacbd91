// Package config holds the typed runtime configuration.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix read by viper.
const EnvPrefix = "HEADSPACE"

// DefaultModel is the Anthropic model used for intent inference.
const DefaultModel = "claude-haiku-4-5-20251001"

type ServerConfig struct {
	Host    string
	Port    int
	Workers int
}

type ReaperConfig struct {
	Interval          time.Duration
	GracePeriod       time.Duration
	InactivityTimeout time.Duration
	ProcessName       string
	CheckTimeout      time.Duration
}

type ReconcilerConfig struct {
	PollInterval time.Duration
	MatchWindow  time.Duration
}

type ClassifierConfig struct {
	TailLines int
	Inference bool
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type EventsConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

type NotificationsConfig struct {
	Enabled bool
}

// Config is the full runtime configuration.
type Config struct {
	StateDir      string
	DBPath        string
	Server        ServerConfig
	Reaper        ReaperConfig
	Reconciler    ReconcilerConfig
	Classifier    ClassifierConfig
	Anthropic     AnthropicConfig
	Events        EventsConfig
	Notifications NotificationsConfig
}

// defaults lists every key with its default. stateDir-relative values are
// filled in by SetDefaults.
var defaults = []struct {
	Key   string
	Value any
}{
	{"server.host", "127.0.0.1"},
	{"server.port", 5055},
	{"server.workers", 4},
	{"reaper.interval", 60 * time.Second},
	{"reaper.grace_period", 5 * time.Minute},
	{"reaper.inactivity_timeout", 2 * time.Hour},
	{"reaper.process_name", "claude"},
	{"reaper.check_timeout", 5 * time.Second},
	{"reconciler.poll_interval", 10 * time.Second},
	{"reconciler.match_window", 120 * time.Second},
	{"classifier.tail_lines", 8},
	{"classifier.inference", false},
	{"anthropic.api_key", ""},
	{"anthropic.model", DefaultModel},
	{"events.max_attempts", 3},
	{"events.initial_backoff", 100 * time.Millisecond},
	{"notifications.enabled", true},
}

// Keys returns every config key in display order.
func Keys() []string {
	keys := []string{"state_dir", "db_path"}
	for _, d := range defaults {
		keys = append(keys, d.Key)
	}
	return keys
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// SetDefaults registers defaults and env binding on v.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", filepath.Join(stateDir, "headspace.db"))
	for _, d := range defaults {
		v.SetDefault(d.Key, d.Value)
	}
}

// FromViper builds a Config from v.
func FromViper(v *viper.Viper) Config {
	return Config{
		StateDir: v.GetString("state_dir"),
		DBPath:   v.GetString("db_path"),
		Server: ServerConfig{
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
			Workers: v.GetInt("server.workers"),
		},
		Reaper: ReaperConfig{
			Interval:          v.GetDuration("reaper.interval"),
			GracePeriod:       v.GetDuration("reaper.grace_period"),
			InactivityTimeout: v.GetDuration("reaper.inactivity_timeout"),
			ProcessName:       v.GetString("reaper.process_name"),
			CheckTimeout:      v.GetDuration("reaper.check_timeout"),
		},
		Reconciler: ReconcilerConfig{
			PollInterval: v.GetDuration("reconciler.poll_interval"),
			MatchWindow:  v.GetDuration("reconciler.match_window"),
		},
		Classifier: ClassifierConfig{
			TailLines: v.GetInt("classifier.tail_lines"),
			Inference: v.GetBool("classifier.inference"),
		},
		Anthropic: AnthropicConfig{
			APIKey: v.GetString("anthropic.api_key"),
			Model:  v.GetString("anthropic.model"),
		},
		Events: EventsConfig{
			MaxAttempts:    v.GetInt("events.max_attempts"),
			InitialBackoff: v.GetDuration("events.initial_backoff"),
		},
		Notifications: NotificationsConfig{
			Enabled: v.GetBool("notifications.enabled"),
		},
	}
}

// Default returns the default configuration rooted at stateDir.
func Default(stateDir string) Config {
	v := viper.New()
	SetDefaults(v, stateDir)
	return FromViper(v)
}
