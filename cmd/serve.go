package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sitedit/internal/agent"
	"github.com/joescharf/sitedit/internal/api"
	"github.com/joescharf/sitedit/internal/chat"
	"github.com/joescharf/sitedit/internal/daemon"
	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/sessions"
	siteui "github.com/joescharf/sitedit/internal/ui"
)

var serveBackground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat and review server",
	Long: `Start the HTTP server: the chat client, the user API with its event
stream, and the admin review API. By default it runs in the foreground on
port 8080. Use --background to detach, and 'serve stop' to stop it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveBackground {
			return serveStartRun()
		}
		return serveForegroundRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveBackground, "background", "b", false, "run detached, logging to the state directory")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serverRecord() *daemon.Record {
	return daemon.NewRecord(filepath.Join(viper.GetString("state_dir"), "sitedit-serve.json"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "sitedit-serve.log")
}

func serveStatusRun() error {
	st, running := serverRecord().Running()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d) on port %d", st.PID, st.Port)
	ui.Info("Site: %s", st.SiteDir)
	ui.VerboseLog("Started %s (%s)", st.StartedAt.Local().Format(time.DateTime), timeAgo(st.StartedAt))
	if st.LogPath != "" {
		ui.VerboseLog("Log file: %s", st.LogPath)
	}
	return nil
}

func serveStopRun() error {
	rec := serverRecord()
	st, running := rec.Running()
	if !running {
		return daemon.ErrNotRunning
	}
	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", st.PID)
		return nil
	}
	killed, err := rec.Stop(10 * time.Second)
	if err != nil {
		return err
	}
	if killed {
		ui.Warning("Server did not exit in time and was killed")
		return nil
	}
	ui.Success("Server stopped")
	return nil
}

func serveStartRun() error {
	rec := serverRecord()
	if st, running := rec.Running(); running {
		return fmt.Errorf("server already running (pid %d, port %d)", st.PID, st.Port)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	daemon.Detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	// The child refreshes this record once it is listening.
	if err := rec.Save(serverState(child.Process.Pid)); err != nil {
		return err
	}
	_ = child.Process.Release()
	ui.Success("Server started (pid %d) on port %d", child.Process.Pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serverState(pid int) daemon.State {
	return daemon.State{
		PID:       pid,
		Port:      viper.GetInt("port"),
		SiteDir:   viper.GetString("site_dir"),
		LogPath:   serveLogPath(),
		StartedAt: time.Now().UTC(),
	}
}

func serveForegroundRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, daemon.ShutdownSignals()...)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.llm == nil {
		return errors.New("no Anthropic API key: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	if created, err := a.git.InitRepo(ctx); err != nil {
		return fmt.Errorf("prepare site repository: %w", err)
	} else if created {
		ui.Info("Initialized git repository in %s", a.git.Root())
	}
	if viper.GetString("admin.key") == "" {
		ui.Warning("admin.key is not set; admin routes are disabled")
	}

	hub := events.NewHub()
	defer hub.Close()
	runner := agent.New(agent.Config{
		Model:       a.llm,
		Git:         a.git,
		MaxTurns:    viper.GetInt("agent.max_turns"),
		MaxTokens:   viper.GetInt64("agent.max_tokens"),
		BashTimeout: durationConfig("agent.bash_timeout", agent.DefaultBashTimeout),
		Logger:      a.log,
	})
	chatSvc := chat.NewService(a.sessions, a.git, runner, a.review, hub, a.log)
	defer chatSvc.Close()

	a.sessions.StartReaper(ctx, durationConfig("sessions.reap_interval", time.Hour), durationConfig("sessions.max_idle", sessions.DefaultMaxIdle))
	retention := time.Duration(viper.GetInt("queue.retention_days")) * 24 * time.Hour
	if retention <= 0 {
		retention = queue.DefaultRetention
	}
	a.queue.StartCleanup(ctx, durationConfig("queue.cleanup_interval", 24*time.Hour), retention)

	uiHandler, err := siteui.Handler()
	if err != nil {
		return fmt.Errorf("failed to initialize UI handler: %w", err)
	}
	srv := api.NewServer(chatSvc, a.review, a.sessions, a.git, hub, api.Config{
		AdminKey: viper.GetString("admin.key"),
		UI:       uiHandler,
		Logger:   a.log,
	})

	rec := serverRecord()
	if err := rec.Acquire(serverState(os.Getpid())); err != nil {
		return err
	}
	defer func() { _ = rec.Release(os.Getpid()) }()

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	ui.Success("Serving at http://localhost%s (site: %s)", addr, a.git.Root())
	a.log.Info("server started", "addr", addr, "site_dir", a.git.Root(), "queue_backend", viper.GetString("queue.backend"))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ui.Info("Shutting down...")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("shutdown", "error", err)
	}
	return nil
}
