package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/pokemesh/internal/agent"
	"github.com/mtzanidakis/pokemesh/internal/collab"
	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/dispatch"
	"github.com/mtzanidakis/pokemesh/internal/natsbus"
	"github.com/mtzanidakis/pokemesh/internal/router"
	"github.com/mtzanidakis/pokemesh/internal/scheduler"
	"github.com/mtzanidakis/pokemesh/internal/store"
	"github.com/mtzanidakis/pokemesh/internal/telegram"
	"github.com/mtzanidakis/pokemesh/internal/tools"
	"github.com/mtzanidakis/pokemesh/internal/vault"
	"github.com/mtzanidakis/pokemesh/internal/web"
	"github.com/nats-io/nats.go"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("pokemesh %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: pokemesh <command>

Commands:
  gateway    Start the pokemesh gateway service
  backup     Archive the data directory to a tar.zst file
  restore    Restore a data directory from a tar.zst archive
  vault      Manage encrypted secrets
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting pokemesh gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	// Secrets vault
	var secrets *vault.Secrets
	if cfg.Vault.Passphrase != "" {
		secrets = vault.NewSecrets(vault.New(cfg.Vault.Passphrase), db)
	} else {
		slog.Warn("vault passphrase not set, secret resolution disabled")
	}

	// Env blocks declared on agents, with secret references resolved
	applyAgentEnv(secrets, cfg.Agents)

	// Built-in agents served over the bus
	gw := tools.NewPokeAPI(cfg.Tools)
	builtins := []agent.Agent{
		agent.NewPokemonAgent(gw),
		agent.NewPokedexAssistant(gw),
	}
	host := agent.NewHost(nc, builtins...)
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start agent host: %w", err)
	}
	defer host.Stop()

	// Agent directory, seeded from config plus the in-process agents. The
	// discovery poller keeps it fresh afterwards.
	dir := directory.FromDefinitions(cfg.Agents)
	for _, a := range builtins {
		dir.Register(a.Card)
	}
	for _, desc := range dir.Snapshot() {
		if err := db.UpsertAgent(desc); err != nil {
			slog.Warn("agent persist failed", "agent", desc.AgentID, "error", err)
		}
	}

	// Router and remote dispatch
	rtr := router.New(router.NewKeywordClassifier(router.DefaultRules()))
	disp := dispatch.NewClient(nc, cfg.Dispatch)

	// Session coordinator
	coord := collab.NewCoordinator(dir, rtr, disp, nc, db, cfg.Dispatch.DefaultDeadline)

	// Discovery poller keeps the directory fresh
	poller := directory.NewPoller(dir, nc, db, cfg.Discovery)
	go poller.Start(ctx)

	// Scheduler
	sched := scheduler.New(db, coord, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Request/reply bridge for the CLI
	if err := serveQuerySubmit(nc, coord); err != nil {
		return fmt.Errorf("query submit subscription: %w", err)
	}

	// Telegram bot
	token := cfg.Telegram.Token
	if secrets != nil {
		resolved := secrets.ResolveEnv(map[string]string{"TELEGRAM_TOKEN": token})
		token = resolved["TELEGRAM_TOKEN"]
	}
	if token != "" {
		botCfg := cfg.Telegram
		botCfg.Token = token
		bot, err := telegram.NewBot(botCfg, coord)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go bot.Start(ctx)
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, nc, dir, coord, disp, secrets, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

// applyAgentEnv resolves secret references in configured agent env blocks
// and exports them to the process environment, where in-process agents and
// their tool gateways read them.
func applyAgentEnv(sec *vault.Secrets, defs map[string]config.AgentDefinition) {
	for name, def := range defs {
		if len(def.Env) == 0 {
			continue
		}
		env := def.Env
		if sec != nil {
			env = sec.ResolveEnv(env)
		}
		for k, v := range env {
			if err := os.Setenv(k, v); err != nil {
				slog.Warn("agent env apply failed", "agent", name, "var", k, "error", err)
			}
		}
	}
}

// serveQuerySubmit answers synchronous query submissions from the CLI with
// the terminal session.
func serveQuerySubmit(nc *natsbus.Client, coord *collab.Coordinator) error {
	_, err := nc.QueueSubscribe(natsbus.TopicQuerySubmit, "gateway", func(msg *nats.Msg) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Query == "" {
			_ = msg.Respond([]byte(`{"error":"query is required"}`))
			return
		}

		go func() {
			sess := coord.Run(context.Background(), req.Query)
			data, err := json.Marshal(sess)
			if err != nil {
				_ = msg.Respond([]byte(`{"error":"marshal session failed"}`))
				return
			}
			_ = msg.Respond(data)
		}()
	})
	return err
}
