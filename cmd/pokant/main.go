// Package main is the entry point for the pokant backend.
//
// Usage:
//
//	pokant serve                     - HTTP API + monitor loop
//	pokant monitor                   - one monitor sweep, then exit
//	pokant analyze --customer-id=ID  - run the analysis pipeline for a customer
//	pokant keygen                    - print a fresh encryption key
//	pokant status                    - check a running daemon's health
//	pokant version                   - print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pokant/pokant/internal/abtest"
	"github.com/pokant/pokant/internal/analysis"
	"github.com/pokant/pokant/internal/api"
	"github.com/pokant/pokant/internal/config"
	"github.com/pokant/pokant/internal/llm"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/outbox"
	"github.com/pokant/pokant/internal/secrets"
	"github.com/pokant/pokant/internal/stats"
	"github.com/pokant/pokant/internal/store"
	"github.com/pokant/pokant/internal/vapi"
)

const (
	version = "0.1.0"
	appName = "pokant"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A .env file is a convenience for local runs; absence is fine.
	godotenv.Load()

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		runServe()
	case "monitor":
		runMonitor()
	case "analyze":
		runAnalyze(os.Args[2:])
	case "keygen":
		runKeygen()
	case "status":
		runStatus()
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s - voice-bot failure analysis and A/B rollout backend

Usage:
  %s <command>

Commands:
  serve      Start the HTTP API and the test monitor loop
  monitor    Run one monitor sweep and exit
  analyze    Run the analysis pipeline for one customer (--customer-id)
  keygen     Generate a credential encryption key
  status     Check daemon health (requires a running daemon)
  version    Print version

Environment variables:
  POKANT_DB                SQLite database path (default: pokant.db)
  POKANT_API_ADDR          API listen address (default: 127.0.0.1:8080)
  POKANT_ENCRYPTION_KEY    Base64 credential encryption key (see keygen)
  POKANT_MONITOR_INTERVAL  Time between sweeps in serve mode (default: 1h)
  OPENAI_API_KEY           OpenAI API key (variant generation)
  ANTHROPIC_API_KEY        Claude API key (transcript analysis, simulation)
  VAPI_BASE_URL            Voice platform base URL override

`, appName, version, appName)
}

// app bundles the wired subsystems shared by the commands.
type app struct {
	cfg      config.Config
	store    *store.SQLiteStore
	queue    *outbox.SQLiteOutbox
	cipher   *secrets.Cipher
	manager  *abtest.Manager
	monitor  *abtest.Monitor
	analyzer *stats.Analyzer
	pipeline *analysis.Pipeline
	log      *observability.Logger
	metrics  *observability.MetricsCollector
}

func (a *app) close() {
	a.queue.Close()
	a.store.Close()
}

// bootstrap wires every subsystem from the environment configuration.
func bootstrap() (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.EncryptionKey == "" {
		return nil, errors.New("POKANT_ENCRYPTION_KEY is required (run: pokant keygen)")
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	queue, err := outbox.NewSQLiteOutbox(cfg.DatabasePath)
	if err != nil {
		st.Close()
		return nil, err
	}

	log := observability.NewLogger(appName, nil)
	metrics := observability.NewMetricsCollector(0)

	clients := func(apiKey string) *vapi.Client {
		opts := []vapi.Option{
			vapi.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		}
		if cfg.VapiBaseURL != "" {
			opts = append(opts, vapi.WithBaseURL(cfg.VapiBaseURL))
		}
		return vapi.NewClient(apiKey, opts...)
	}

	manager := abtest.NewManager(st, cipher, clients, cfg, log.Component("abtest"), metrics)
	analyzer := stats.NewAnalyzer(cfg.MinSamplePerArm)
	monitor := abtest.NewMonitor(st, manager, analyzer, log.Component("monitor"), metrics)

	claude := llm.NewClaudeClient(cfg.ClaudeKey)
	transcript := analysis.NewTranscriptAnalyzer(claude, log.Component("analysis"))
	clusterer := analysis.NewPatternClusterer(st, cfg.RevenuePerCall)
	pipeline := analysis.NewPipeline(st, cipher,
		analysis.ClientFactory(clients), transcript, clusterer, log.Component("analysis"))

	return &app{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		cipher:   cipher,
		manager:  manager,
		monitor:  monitor,
		analyzer: analyzer,
		pipeline: pipeline,
		log:      log,
		metrics:  metrics,
	}, nil
}

func runServe() {
	a, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go a.monitor.Run(ctx, a.cfg.MonitorInterval)
	go a.runJobWorker(ctx)

	server := api.NewServer(a.cfg.APIAddr, a.store, a.manager, a.analyzer,
		a.queue, a.cipher, a.cfg, a.log.Component("api"), a.metrics)
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

// runJobWorker drains the outbox while the daemon runs.
func (a *app) runJobWorker(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainJobs(ctx)
		}
	}
}

func (a *app) drainJobs(ctx context.Context) {
	for {
		job, err := a.queue.Claim(ctx)
		if err != nil {
			a.log.Error("claim job", "error", err)
			return
		}
		if job == nil {
			return
		}

		switch job.Kind {
		case outbox.KindAnalyzeCustomer:
			_, err = a.pipeline.Run(ctx, job.Payload, 1000)
		default:
			err = fmt.Errorf("unknown job kind %q", job.Kind)
		}

		if err != nil {
			a.log.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			a.queue.Fail(ctx, job.ID, err)
			continue
		}
		a.queue.Complete(ctx, job.ID)
	}
}

func runMonitor() {
	a, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a.drainJobs(ctx)
	report := a.monitor.Sweep(ctx)

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Errors > 0 {
		os.Exit(1)
	}
}

func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	customerID := fs.String("customer-id", "", "customer ID to analyze")
	limit := fs.Int("limit", 1000, "max calls to fetch")
	fs.Parse(args)

	if *customerID == "" {
		fmt.Fprintln(os.Stderr, "analyze: --customer-id is required")
		os.Exit(1)
	}

	a, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := a.pipeline.Run(ctx, *customerID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

func runKeygen() {
	key, err := secrets.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("POKANT_ENCRYPTION_KEY=%s\n", key)
}

func runStatus() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.APIAddr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", cfg.APIAddr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "bad health response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("status: %s (uptime %s)\n", health["status"], health["uptime"])
}
