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
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pickle"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage pickle configuration.

Running bare 'pickle config' is the same as 'pickle config show'.`,
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

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# pickle configuration
# See: pickle config show (for effective values and sources)

# State directory: session registry, worker template, locks (default: ~/.config/pickle)
# state_dir: {{ .StateDir }}

# Event ledger database (default: <state_dir>/pickle.db)
# db_path: {{ .DBPath }}

# Limits applied to new sessions; 0 means unbounded
defaults:
  max_iterations: {{ .MaxIterations }}
  max_time_minutes: {{ .MaxTimeMinutes }}
  worker_timeout_seconds: {{ .WorkerTimeout }}

# Agent CLI
agent:
  # Executable launched for sessions and workers
  command: "{{ .AgentCommand }}"
  # Slash command that resumes the loop in a queued session
  loop_command: "{{ .LoopCommand }}"

worker:
  # Output format passed to the agent (text, json, stream-json)
  output_format: "{{ .OutputFormat }}"

worktree:
  # Prefix for session worktree branches
  branch_prefix: "{{ .BranchPrefix }}"

queue:
  # Cron schedule for 'pickle queue watch' (default: "0 2 * * *")
  schedule: "{{ .Schedule }}"
  # Address for the Prometheus /metrics endpoint while watching; empty disables it
  metrics_addr: "{{ .MetricsAddr }}"
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	MaxIterations  int
	MaxTimeMinutes int
	WorkerTimeout  int
	AgentCommand   string
	LoopCommand    string
	OutputFormat   string
	BranchPrefix   string
	Schedule       string
	MetricsAddr    string
}

func configFilePath() (string, error) {
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

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       stateDir(),
		DBPath:         dbPath(),
		MaxIterations:  viper.GetInt("defaults.max_iterations"),
		MaxTimeMinutes: viper.GetInt("defaults.max_time_minutes"),
		WorkerTimeout:  viper.GetInt("defaults.worker_timeout_seconds"),
		AgentCommand:   viper.GetString("agent.command"),
		LoopCommand:    viper.GetString("agent.loop_command"),
		OutputFormat:   viper.GetString("worker.output_format"),
		BranchPrefix:   viper.GetString("worktree.branch_prefix"),
		Schedule:       viper.GetString("queue.schedule"),
		MetricsAddr:    viper.GetString("queue.metrics_addr"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys lists every key shown by 'config show', in template order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"sessions_dir",
	"jar_dir",
	"worktrees_dir",
	"defaults.max_iterations",
	"defaults.max_time_minutes",
	"defaults.worker_timeout_seconds",
	"agent.command",
	"agent.loop_command",
	"worker.output_format",
	"worktree.branch_prefix",
	"queue.schedule",
	"queue.metrics_addr",
}

// envVarFor returns the environment variable viper reads for key.
func envVarFor(key string) string {
	return "PICKLE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// effectiveValue resolves path keys left empty to their place under state_dir.
func effectiveValue(key string) any {
	switch key {
	case "db_path":
		return dbPath()
	case "sessions_dir":
		return sessionsDir()
	case "jar_dir":
		return jarDir()
	case "worktrees_dir":
		return worktreesDir()
	}
	return viper.Get(key)
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

	fileValues := readConfigFileValues(cfgPath)
	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, k := range configKeys {
		_ = table.Append([]string{k, fmt.Sprint(effectiveValue(k)), detectSource(k, envVarFor(k), fileValues)})
	}
	return table.Render()
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'pickle config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
