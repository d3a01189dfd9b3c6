package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emberchat/emberchat/internal/adapter"
	loopbackadapter "github.com/emberchat/emberchat/internal/adapter/loopback"
	openaiadapter "github.com/emberchat/emberchat/internal/adapter/openai"
	"github.com/emberchat/emberchat/internal/chat"
	"github.com/emberchat/emberchat/internal/config"
	"github.com/emberchat/emberchat/internal/health"
	"github.com/emberchat/emberchat/internal/httpserver"
	"github.com/emberchat/emberchat/internal/logging"
	"github.com/emberchat/emberchat/internal/metrics"
	"github.com/emberchat/emberchat/internal/modelmeta"
	"github.com/emberchat/emberchat/internal/ratelimit"
	"github.com/emberchat/emberchat/internal/store"
	pgstore "github.com/emberchat/emberchat/internal/store/postgres"
	sqlitestore "github.com/emberchat/emberchat/internal/store/sqlite"
	"github.com/emberchat/emberchat/internal/version"
)

func main() {
	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.LogFile != "" {
		fileWriter, err := logging.NewRotatingWriter(cfg.LogFile, 64<<20)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer fileWriter.Close()
		logOutput = io.MultiWriter(os.Stdout, fileWriter)
	}

	levelTag := strings.ToUpper(cfg.LogLevel)
	newLogger := func(component string) *log.Logger {
		return log.New(logOutput, fmt.Sprintf("[emberchat/%s][%s][%s] ", component, cfg.Environment, levelTag), log.LstdFlags|log.Lmicroseconds)
	}
	rootLogger := newLogger("main")
	rootLogger.Printf("starting emberchatd %s env=%s provider=%s store=%s", version.FullInfo(), cfg.Environment, cfg.Provider, cfg.StoreBackend)

	st, err := openStore(cfg)
	if err != nil {
		rootLogger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	streamAdapter, err := buildAdapter(cfg)
	if err != nil {
		rootLogger.Fatalf("build provider adapter: %v", err)
	}

	models := modelmeta.NewStore()
	models.SetLogger(newLogger("modelmeta"))
	if cfg.ModelCatalogPath != "" {
		models.StartAutoRefresh(cfg.ModelCatalogPath, cfg.ModelCatalogRefresh)
	}

	collector := metrics.NewCollector()

	service := chat.NewService(streamAdapter, st, chat.Options{
		ConnBufferSize: cfg.ConnBufferSize,
		PersistTimeout: cfg.PersistTimeout,
	})
	service.SetLogger(newLogger("stream"))
	service.SetModelResolver(models)
	service.SetMetrics(collector)

	supervisor := chat.NewSupervisor(service, cfg.SweepInterval, cfg.IdleTimeout)
	supervisor.SetLogger(newLogger("supervisor"))
	supervisor.Start()
	defer supervisor.Stop()

	if cfg.Environment == "dev" {
		if err := ensureDemoSession(st, cfg.DefaultModel); err != nil {
			rootLogger.Printf("demo session seed skipped: %v", err)
		}
	}

	server := httpserver.New(service, st)
	server.SetLogger(cfg.LogLevel, newLogger("http"))
	server.SetSSEPingInterval(cfg.SSEPingInterval)
	server.SetMetrics(collector)
	server.SetHealthChecker(health.New(health.Config{
		Store:           st,
		StoreBackend:    cfg.StoreBackend,
		ProviderBaseURL: providerProbeURL(cfg),
	}))
	if cfg.RateBurst > 0 && cfg.RatePerMinute > 0 {
		limiter := ratelimit.NewLimiter(float64(cfg.RateBurst), float64(cfg.RatePerMinute)/60)
		defer limiter.Close()
		server.SetRateLimiter(limiter)
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		rootLogger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	rootLogger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func openStore(cfg config.ServerConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return pgstore.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle)
	default:
		return sqlitestore.New(cfg.SQLitePath)
	}
}

// providerProbeURL returns the upstream base URL to health-check; the
// loopback provider has no upstream so it reports nothing to probe.
func providerProbeURL(cfg config.ServerConfig) string {
	if cfg.Provider != "openai" {
		return ""
	}
	if cfg.OpenAIBaseURL != "" {
		return cfg.OpenAIBaseURL
	}
	return "https://api.openai.com/v1"
}

func buildAdapter(cfg config.ServerConfig) (adapter.StreamingChatAdapter, error) {
	switch cfg.Provider {
	case "openai":
		return openaiadapter.New(openaiadapter.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: cfg.ProviderTimeout,
		})
	default:
		return loopbackadapter.New(), nil
	}
}

// ensureDemoSession seeds a "demo" chat session in dev so the streaming
// endpoints are usable immediately after first start.
func ensureDemoSession(st store.Store, model string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := st.GetSession(ctx, "demo"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	char, err := st.CreateCharacter(ctx, store.Character{
		Name:        "Ember",
		Description: "Ember is a warm, curious storyteller who answers in vivid detail.",
		Tags:        []string{"storyteller", "demo"},
	})
	if err != nil {
		return err
	}
	profile, err := st.CreateProfile(ctx, store.UserProfile{
		Name:        "Guest",
		Description: "A first-time visitor exploring the app.",
	})
	if err != nil {
		return err
	}
	_, err = st.CreateSession(ctx, store.ChatSession{
		ID:           "demo",
		Title:        "Demo chat",
		CharacterID:  char.ID,
		ProfileID:    profile.ID,
		ModelID:      model,
		SystemPrompt: "You are a character in a roleplay chat. Stay in character.",
	})
	return err
}
