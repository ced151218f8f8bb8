package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sitedit/internal/logging"
	"github.com/joescharf/sitedit/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "sitedit",
	Short: "Chat-driven website editor with an approval queue",
	Long: `sitedit lets non-technical users change a website by chatting with an
AI agent. Every user edits an isolated git worktree; finished changes are
queued for an admin to approve (merge into main) or reject.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/sitedit/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SITEDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key's default, rooted at stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("site_dir", filepath.Join(stateDir, "site"))
	viper.SetDefault("worktrees_dir", "")
	viper.SetDefault("git.main_branch", "main")
	viper.SetDefault("git.remote", "")
	viper.SetDefault("git.author_name", "sitedit")
	viper.SetDefault("git.author_email", "sitedit@localhost")
	viper.SetDefault("queue.backend", "json")
	viper.SetDefault("queue.path", filepath.Join(stateDir, "queue.json"))
	viper.SetDefault("queue.db_path", filepath.Join(stateDir, "queue.db"))
	viper.SetDefault("queue.retention_days", 30)
	viper.SetDefault("queue.cleanup_interval", "24h")
	viper.SetDefault("sessions.max_idle", "24h")
	viper.SetDefault("sessions.reap_interval", "1h")
	viper.SetDefault("admin.key", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("agent.max_tokens", 4096)
	viper.SetDefault("agent.max_turns", 25)
	viper.SetDefault("agent.bash_timeout", "30s")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	logging.Configure(level, logging.Format(viper.GetString("log.format")), os.Stderr)
}
