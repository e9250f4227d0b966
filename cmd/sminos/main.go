package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/sminos/internal/archive"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/notify"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/runs"
	"github.com/mtzanidakis/sminos/internal/scheduler"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/vault"
	"github.com/mtzanidakis/sminos/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("sminos %s\n", version)
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
	fmt.Fprintf(os.Stderr, "Usage: sminos <command>\n\nCommands:\n  gateway    Start the sminos gateway service\n  backup     Archive the data directories to a tar.zst file\n  restore    Restore a backup into the data directories\n  vault      Manage sealed secrets directly in the store\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting sminos gateway", "version", version)

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
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Secret vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v, err = vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// API keys may live in the vault instead of the config file.
	if v != nil {
		loadModelKeys(db, v, &cfg.Models)
	}

	// Model registry and swarm engine
	reg := registry.New(cfg.Models)
	engine := swarm.NewEngine(reg, cfg.Models.MaxTokens)

	// Run manager
	mgr := runs.New(db, engine, bus)
	defer mgr.Close()

	// Telegram notifier
	var notifier *notify.Notifier
	if cfg.Notify.TelegramToken != "" {
		notifier, err = notify.New(cfg.Notify)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		mgr.OnDone(notifier.RunFinished)
		slog.Info("telegram notifications enabled")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Run archiver
	arch := archive.New(cfg.Archive)

	// Scheduler
	sched := scheduler.New(db, mgr, bus, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Web API
	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(db, bus, mgr, v, arch, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads the config; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		reloaded, err := config.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		applyReload(cfg, reloaded, reg, sched, notifier, srv)
		cfg = reloaded
	}
	cancel()

	return nil
}

// applyReload pushes reloadable config changes into running components.
// Fields that only take effect on restart are logged as warnings.
func applyReload(old, loaded *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, notifier *notify.Notifier, srv *web.Server) {
	diff := config.Diff(old, loaded)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, no reloadable changes")
		return
	}

	if diff.ModelDefaultsChanged {
		reg.SetDefaults(diff.NewDefaultModel, diff.NewMaxTokens)
		slog.Info("model defaults updated", "model", diff.NewDefaultModel, "max_tokens", diff.NewMaxTokens)
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewPollInterval)
		slog.Info("scheduler poll interval updated", "interval", diff.NewPollInterval)
	}
	if diff.ChatIDChanged && notifier != nil {
		notifier.SetChatID(diff.NewChatID)
		slog.Info("notification chat updated", "chat_id", diff.NewChatID)
	}
	if diff.AuthChanged && srv != nil {
		srv.SetAuth(loaded.Web.Auth)
		slog.Info("web auth updated")
	}
}

// loadModelKeys fills empty API keys from vault secrets, so keys can be
// rotated through the secrets API without touching the config file.
func loadModelKeys(db *store.Store, v *vault.Vault, models *config.ModelsConfig) {
	unseal := func(name string) string {
		sec, err := db.GetSecretByName(name)
		if err != nil || sec == nil {
			return ""
		}
		plaintext, err := v.Open(sec.Value, sec.Nonce)
		if err != nil {
			slog.Error("unseal secret failed", "name", name, "error", err)
			return ""
		}
		return string(plaintext)
	}

	if models.AnthropicAPIKey == "" {
		if key := unseal("anthropic_api_key"); key != "" {
			models.AnthropicAPIKey = key
			slog.Info("anthropic api key loaded from vault")
		}
	}
	if models.OpenAIAPIKey == "" {
		if key := unseal("openai_api_key"); key != "" {
			models.OpenAIAPIKey = key
			slog.Info("openai api key loaded from vault")
		}
	}
}
