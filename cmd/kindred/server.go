package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kalambet/kindred/internal/api"
	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/config"
	"github.com/kalambet/kindred/internal/extract"
	"github.com/kalambet/kindred/internal/interview"
	"github.com/kalambet/kindred/internal/llm"
	"github.com/kalambet/kindred/internal/metrics"
	"github.com/kalambet/kindred/internal/profile"
	"github.com/kalambet/kindred/internal/safety"
	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/storage"
	"github.com/kalambet/kindred/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kindred server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdioMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(stdioMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kindred server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kindred system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout alongside HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kindred.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func runServer(stdioMCP bool) error {
	fmt.Fprintf(os.Stderr, "kindred version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewFileSecrets())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "secrets", config.SecretsFilePath())

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("kindred is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("kindred is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Language model backend. An unreachable Ollama is not fatal: extraction
	// degrades and its jobs are retried once the model is back.
	client, err := llm.New(llm.Options{
		Provider:          cfg.LLM.Provider,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("configuring language model: %w", err)
	}
	if strings.EqualFold(cfg.LLM.Provider, llm.ProviderOllama) {
		if err := llm.NewOllama(cfg.LLM.BaseURL, cfg.LLM.Model).EnsureReady(ctx, os.Stderr); err != nil {
			printWarning("%v", err)
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	cat, err := catalog.ForMode(catalog.Mode(cfg.Interview.Mode))
	if err != nil {
		return err
	}
	var responder interview.Responder = interview.TemplateResponder{}
	if cfg.Interview.Responder == "llm" {
		responder = interview.NewLLMResponder(client, config.Duration(cfg.Interview.ReplyTimeout))
	}

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)
	interviews := interview.NewService(store, cat, interview.Options{
		Responder: responder,
		Metrics:   m,
	})
	profiles := profile.NewManager(store)
	screenings := safety.NewEngine(store, m)
	registry, err := scoring.NewRegistry()
	if err != nil {
		return fmt.Errorf("loading scorers: %w", err)
	}
	scores := scoring.NewService(registry, store, m)

	w := worker.NewWorker(store, worker.Deps{
		Extractor: extract.NewExtractor(client, config.Duration(cfg.Extraction.Timeout)),
		Profiles:  profiles,
		Safety:    screenings,
		Gate:      safety.NewActivationGate(screenings, store, m),
		Scores:    scores,
		Metrics:   m,
	}, config.Duration(cfg.Worker.PollInterval), cfg.Worker.Concurrency)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	handler := api.NewHandler(api.Deps{
		Interview:      interviews,
		Profiles:       profiles,
		Safety:         screenings,
		Scores:         scores,
		Token:          apiToken,
		Metrics:        m,
		AllowedOrigins: cfg.Origins(),
	})

	if stdioMCP {
		catalogs, err := builtinCatalogs()
		if err != nil {
			return err
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Profiles: profiles,
			Safety:   screenings,
			Scores:   scores,
			Catalogs: catalogs,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kindred listening", "addr", addr, "mode", cfg.Interview.Mode, "llm", cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-workerDone
	return err
}

// builtinCatalogs keys each built-in catalog by its resource name.
func builtinCatalogs() (map[string]catalog.Catalog, error) {
	interviewCat, err := catalog.Interview()
	if err != nil {
		return nil, err
	}
	questionnaire, err := catalog.Questionnaire()
	if err != nil {
		return nil, err
	}
	return map[string]catalog.Catalog{
		"interview":     interviewCat,
		"questionnaire": questionnaire,
	}, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kindred is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kindred (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kindred (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case llm.ProviderOllama:
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if llm.NewOllama(cfg.LLM.BaseURL, cfg.LLM.Model).IsRunning(checkCtx) {
			printStatus("LLM", "ollama running at %s", cfg.LLM.BaseURL)
		} else {
			printStatus("LLM", "ollama not running at %s", cfg.LLM.BaseURL)
		}
	case llm.ProviderNone:
		printStatus("LLM", "disabled")
	default:
		printStatus("LLM", "%s at %s", cfg.LLM.Provider, cfg.LLM.BaseURL)
	}
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Interview", "%s mode, %s responder", cfg.Interview.Mode, cfg.Interview.Responder)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
