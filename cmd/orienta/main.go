// Command orienta runs the career-assistant task engine: the HTTP gateway,
// the skill dispatcher, the retention scheduler and the optional Telegram
// channel.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/caminholabs/orienta/internal/agent"
	"github.com/caminholabs/orienta/internal/bus"
	"github.com/caminholabs/orienta/internal/channels"
	"github.com/caminholabs/orienta/internal/config"
	"github.com/caminholabs/orienta/internal/cron"
	"github.com/caminholabs/orienta/internal/engine"
	"github.com/caminholabs/orienta/internal/gateway"
	otelPkg "github.com/caminholabs/orienta/internal/otel"
	"github.com/caminholabs/orienta/internal/persistence"
	"github.com/caminholabs/orienta/internal/shared"
	"github.com/caminholabs/orienta/internal/skills"
	"github.com/caminholabs/orienta/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	dotEnv := loadDotEnv(".env")

	home := flag.String("home", defaultHome(), "data directory (config.yaml, database, logs)")
	configCheck := flag.Bool("config-check", false, "load and print the effective config, then exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *configCheck {
		fingerprint, _ := cfg.Fingerprint()
		fmt.Printf("config ok: home=%s bind_addr=%s fingerprint=%s\n", cfg.HomeDir, cfg.BindAddr, fingerprint)
		return
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)
	for key, val := range dotEnv {
		logger.Debug("env loaded from .env", "key", key, "value", shared.RedactEnvValue(key, val))
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	recorder, err := otelPkg.NewRecorder(otelProvider.Meter, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder.Start()
	defer recorder.Stop()

	store, err := persistence.Open(cfg.DB.Path, cfg.DB.PoolSize)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DB.Path)

	// Tasks left in working state by a previous run can never finish; fail
	// them before the gateway accepts traffic.
	recovered, err := store.RecoverStaleWorking(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", recovered)

	brain := agent.NewBrain(ctx, agent.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLMAPIKey(),
		BaseURL:  cfg.LLM.BaseURL,
		Logger:   logger,
	})

	registry := buildRegistry(cfg, brain, logger)

	lifecycle := engine.NewLifecycle(store, eventBus, logger)
	eng := engine.New(engine.Config{
		Store:     store,
		Lifecycle: lifecycle,
		Registry:  registry,
		Fallback:  brain,
		Sessions:  store,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
	})
	defer eng.Close()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	fingerprint, _ := cfg.Fingerprint()
	gw := gateway.New(gateway.Config{
		Store:             store,
		Engine:            eng,
		Registry:          registry,
		Bus:               eventBus,
		AuthToken:         authToken,
		BaseURL:           "http://" + cfg.BindAddr,
		ConfigFingerprint: fingerprint,
		Metrics:           recorder.Metrics(),
		Logger:            logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	retention, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		Days:     cfg.Retention.Days,
		Schedule: cfg.Retention.Schedule,
		Interval: cfg.RetentionInterval(),
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	retention.Start(ctx)
	defer retention.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			newFingerprint, _ := newCfg.Fingerprint()
			if newFingerprint == fingerprint {
				continue
			}
			// Bind address, store and skill endpoints are fixed for the
			// process lifetime; a changed config takes effect on restart.
			logger.Warn("config changed on disk; restart to apply",
				"old_fingerprint", fingerprint, "new_fingerprint", newFingerprint)
		}
	}()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, eng, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildRegistry constructs every native handler whose service URL is
// configured. Missing URLs log a warning and leave the skill off the card;
// routing then reports it as unknown.
func buildRegistry(cfg *config.Config, brain *agent.Brain, logger *slog.Logger) *skills.Registry {
	client := &http.Client{Timeout: cfg.ServiceTimeout()}

	var handlers []skills.Skill
	add := func(s skills.Skill, err error) {
		if err != nil {
			logger.Warn("skill not registered", "error", err)
			return
		}
		handlers = append(handlers, s)
	}
	add(skills.NewRetrieveProfile(client, cfg.Services.ProfileURL))
	add(skills.NewSaveProfile(client, cfg.Services.ProfileSaveURL))
	add(skills.NewFindMatches(client, cfg.Services.MatchURL))
	add(skills.NewSearchVacancies(client, cfg.Services.VacancyURL))
	handlers = append(handlers, skills.NewUpdateState(agent.NewEnricher(brain)))

	return skills.NewRegistry(handlers, skills.FallbackDescriptors())
}

func defaultHome() string {
	if env := os.Getenv("ORIENTA_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orienta"
	}
	return filepath.Join(home, ".orienta")
}

// loadDotEnv applies KEY=VALUE lines from path to the environment, skipping
// keys already set. It returns the applied pairs so they can be logged once
// the logger exists.
func loadDotEnv(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	applied := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
		applied[key] = val
	}
	return applied
}

// loadAuthToken resolves the gateway bearer token: environment first, then
// <home>/auth.token, generating and persisting one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("ORIENTA_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"engine","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
