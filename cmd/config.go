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
	return filepath.Join(home, ".config", "sitedit"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage sitedit configuration.

Running bare 'sitedit config' is the same as 'sitedit config show'.
Every key can also be set from the environment as SITEDIT_<KEY>, with
dots replaced by underscores (e.g. SITEDIT_ADMIN_KEY).`,
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
const configTemplate = `# sitedit configuration
# See: sitedit config show (for effective values and sources)

# State directory for the queue and PID file (default: ~/.config/sitedit)
# state_dir: {{ .StateDir }}

# The website's git repository
site_dir: "{{ .SiteDir }}"

# Where per-user worktrees live (default: <site_dir>.worktrees)
# worktrees_dir: ""

git:
  main_branch: "{{ .MainBranch }}"
  # Remote to fast-forward main from before approving (empty: none)
  remote: "{{ .Remote }}"
  author_name: "{{ .AuthorName }}"
  author_email: "{{ .AuthorEmail }}"

queue:
  # json (one file, the default) or sqlite
  backend: "{{ .QueueBackend }}"
  path: "{{ .QueuePath }}"
  db_path: "{{ .QueueDBPath }}"
  # Entries older than this are purged by the cleanup sweep
  retention_days: {{ .RetentionDays }}

sessions:
  # Idle sessions are dropped after this long
  max_idle: "{{ .MaxIdle }}"

admin:
  # Shared secret for the X-Admin-Key header; admin routes are disabled when empty
  key: ""

anthropic:
  # Falls back to ANTHROPIC_API_KEY when empty
  api_key: ""
  model: "{{ .Model }}"

agent:
  max_turns: {{ .MaxTurns }}
  bash_timeout: "{{ .BashTimeout }}"

port: {{ .Port }}

log:
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	StateDir      string
	SiteDir       string
	MainBranch    string
	Remote        string
	AuthorName    string
	AuthorEmail   string
	QueueBackend  string
	QueuePath     string
	QueueDBPath   string
	RetentionDays int
	MaxIdle       string
	Model         string
	MaxTurns      int
	BashTimeout   string
	Port          int
	LogLevel      string
	LogFormat     string
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
		StateDir:      viper.GetString("state_dir"),
		SiteDir:       viper.GetString("site_dir"),
		MainBranch:    viper.GetString("git.main_branch"),
		Remote:        viper.GetString("git.remote"),
		AuthorName:    viper.GetString("git.author_name"),
		AuthorEmail:   viper.GetString("git.author_email"),
		QueueBackend:  viper.GetString("queue.backend"),
		QueuePath:     viper.GetString("queue.path"),
		QueueDBPath:   viper.GetString("queue.db_path"),
		RetentionDays: viper.GetInt("queue.retention_days"),
		MaxIdle:       viper.GetString("sessions.max_idle"),
		Model:         viper.GetString("anthropic.model"),
		MaxTurns:      viper.GetInt("agent.max_turns"),
		BashTimeout:   viper.GetString("agent.bash_timeout"),
		Port:          viper.GetInt("port"),
		LogLevel:      viper.GetString("log.level"),
		LogFormat:     viper.GetString("log.format"),
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

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "site_dir"},
	{Key: "worktrees_dir"},
	{Key: "git.main_branch"},
	{Key: "git.remote"},
	{Key: "git.author_name"},
	{Key: "git.author_email"},
	{Key: "queue.backend"},
	{Key: "queue.path"},
	{Key: "queue.db_path"},
	{Key: "queue.retention_days"},
	{Key: "queue.cleanup_interval"},
	{Key: "sessions.max_idle"},
	{Key: "sessions.reap_interval"},
	{Key: "admin.key", Secret: true},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
	{Key: "agent.max_tokens"},
	{Key: "agent.max_turns"},
	{Key: "agent.bash_timeout"},
	{Key: "port"},
	{Key: "log.level"},
	{Key: "log.format"},
}

// envVar is the environment variable viper reads for key.
func envVar(key string) string {
	return "SITEDIT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// displayValue masks secrets.
func displayValue(k configKeyInfo) any {
	val := viper.Get(k.Key)
	if k.Secret {
		if s, ok := val.(string); ok && s != "" {
			return "********"
		}
	}
	return val
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		source := detectSource(k.Key, envVar(k.Key), fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, displayValue(k), source)
	}

	return nil
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
		return fmt.Errorf("config file not found: %s (run 'sitedit config init' first)", cfgPath)
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
