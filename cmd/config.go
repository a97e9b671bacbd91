package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/samotage/headspace/internal/config"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "headspace"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage headspace configuration.

Running bare 'headspace config' is the same as 'headspace config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

const configTemplate = `# headspace configuration
# See: headspace config show (for effective values and sources)
# Every key can be overridden with a HEADSPACE_ environment variable,
# e.g. HEADSPACE_SERVER_PORT=6000.

# state_dir: {{ .StateDir }}
# db_path: {{ .DBPath }}

# Hook receiver
server:
  host: "{{ .Server.Host }}"
  port: {{ .Server.Port }}
  # Hook callbacks processed concurrently
  workers: {{ .Server.Workers }}

# Ends agents whose terminal pane or process is gone
reaper:
  interval: {{ .Reaper.Interval }}
  # Agents younger than this are never reaped
  grace_period: {{ .Reaper.GracePeriod }}
  inactivity_timeout: {{ .Reaper.InactivityTimeout }}
  # Process name looked for under the agent's tmux pane
  process_name: "{{ .Reaper.ProcessName }}"
  check_timeout: {{ .Reaper.CheckTimeout }}

# Transcript reconciliation
reconciler:
  poll_interval: {{ .Reconciler.PollInterval }}
  # Max distance between a hook turn and its transcript entry
  match_window: {{ .Reconciler.MatchWindow }}

classifier:
  # Trailing lines of agent text inspected for questions
  tail_lines: {{ .Classifier.TailLines }}
  # Ask the model when patterns are inconclusive (needs an API key)
  inference: {{ .Classifier.Inference }}

anthropic:
  # api_key may also come from ANTHROPIC_API_KEY
  api_key: ""
  model: "{{ .Anthropic.Model }}"

events:
  max_attempts: {{ .Events.MaxAttempts }}
  initial_backoff: {{ .Events.InitialBackoff }}

notifications:
  enabled: {{ .Notifications.Enabled }}
`

func configFilePath() (string, error) {
	if f := viper.ConfigFileUsed(); f != "" {
		return f, nil
	}
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config.FromViper(viper.GetViper())); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	return nil
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	inFile, err := fileKeys(cfgPath)
	if err != nil {
		ui.Warning("Cannot parse %s: %v", cfgPath, err)
	}

	for _, key := range config.Keys() {
		val := viper.Get(key)
		if key == "anthropic.api_key" && viper.GetString(key) != "" {
			val = "********"
		}
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", key, val, detectSource(key, config.EnvVar(key), inFile))
	}

	return nil
}

// fileKeys returns the dotted keys set in the YAML file at path. A missing
// file has no keys.
func fileKeys(path string) (map[string]bool, error) {
	keys := make(map[string]bool)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return keys, nil
	}
	if err != nil {
		return keys, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return keys, err
	}
	if len(doc.Content) > 0 {
		collectKeys("", doc.Content[0], keys)
	}
	return keys, nil
}

// collectKeys walks a mapping node, recording leaf keys with dot notation.
func collectKeys(prefix string, n *yaml.Node, keys map[string]bool) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		if v := n.Content[i+1]; v.Kind == yaml.MappingNode {
			collectKeys(key, v, keys)
		} else {
			keys[key] = true
		}
	}
}

// detectSource names where a config value comes from.
func detectSource(key, envVar string, inFile map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if inFile[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := firstEnv("EDITOR", "VISUAL")
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'headspace config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	// EDITOR may carry arguments, e.g. "code --wait".
	argv := append(strings.Fields(editor), cfgPath)
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}
