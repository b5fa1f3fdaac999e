// Package main is the entry point for the escolta task host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevir/escolta/internal/agent"
	"github.com/sevir/escolta/internal/config"
	"github.com/sevir/escolta/internal/mediation"
	"github.com/sevir/escolta/internal/scheduler"
	"github.com/sevir/escolta/internal/server"
	"github.com/sevir/escolta/internal/store"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse flags
	var (
		configPath     = flag.String("config", "", "Path to config file")
		host           = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port           = flag.Int("port", 0, "Server port (default: 8765)")
		permissionPort = flag.Int("permission-port", 0, "Permission mediation port (default: 8315)")
		questionPort   = flag.Int("question-port", 0, "Question mediation port (default: 8316)")
		mode           = flag.String("mode", "", "Mediation mode: interactive, auto-approve, auto-deny")
		storePath      = flag.String("store", "", "Path to task store file")
		logDir         = flag.String("log-dir", "", "Directory for agent logs")
		agentCmd       = flag.String("agent-cmd", "", "Agent CLI command")
		showVersion    = flag.Bool("version", false, "Show version and exit")
		initConfig     = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("escolta %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *permissionPort != 0 {
		cfg.Mediation.PermissionPort = *permissionPort
	}
	if *questionPort != 0 {
		cfg.Mediation.QuestionPort = *questionPort
	}
	if *mode != "" {
		if !mediation.ValidMode(mediation.Mode(*mode)) {
			log.Fatalf("Invalid mediation mode: %s", *mode)
		}
		cfg.Mediation.Mode = *mode
	}
	if *storePath != "" {
		cfg.Tasks.StorePath = *storePath
	}
	if *logDir != "" {
		cfg.Tasks.LogDir = *logDir
	}
	if *agentCmd != "" {
		cfg.Tasks.AgentCmd = *agentCmd
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	// Create task store
	st, err := store.NewFileStore(cfg.Tasks.StorePath)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}

	// Create runner and scheduler
	runner := agent.NewCLIRunner(cfg.Tasks.AgentCmd, cfg.Tasks.LogDir)
	sched := scheduler.New(runner, st, cfg.Tasks.Debounce(), nil)

	// Create mediation listeners; pending requests surface on the active
	// task's event stream.
	med := mediation.New(mediation.Config{
		Host:           cfg.Mediation.Host,
		PermissionPort: cfg.Mediation.PermissionPort,
		QuestionPort:   cfg.Mediation.QuestionPort,
		Mode:           mediation.Mode(cfg.Mediation.Mode),
		Rules:          cfg.Mediation.Allowlist,
		Observer:       sched.NotifyMediation,
	})
	med.Start()

	// Create control-plane server
	srv := server.New(server.Config{
		Addr:      cfg.Address(),
		Scheduler: sched,
		Mediation: med,
		Store:     st,
		Version:   version,
		Commit:    commit,
	})

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		// Scheduler first so no new mediation requests arrive, then the
		// mediation listeners fail their pending requests safe.
		sched.Dispose()
		med.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("Store shutdown error: %v", err)
		}
	}()

	// Print startup info
	log.Printf("escolta %s starting", version)
	log.Printf("API endpoint:    http://%s/api", cfg.Address())
	log.Printf("Events (SSE):    http://%s/api/events", cfg.Address())
	log.Printf("Health check:    http://%s/health", cfg.Address())
	log.Printf("Mediation mode:  %s", cfg.Mediation.Mode)

	// Start server
	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			log.Fatalf("Server error: %v", err)
		}
	}
}
