package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/coordinator"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/identity"
	"github.com/park285/chess-arena/internal/matchhandler"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/premove"
	"github.com/park285/chess-arena/internal/sessionfabric"
	"github.com/park285/chess-arena/internal/statseffect"
	"github.com/park285/chess-arena/internal/timecontrol"
	"github.com/park285/chess-arena/internal/timeoutwatcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	ctx := context.Background()

	store, err := gamestore.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("gamestore init failed", zap.Error(err))
	}

	var repo *gamestore.Repository
	if cfg.DatabaseURL != "" {
		repo, err = gamestore.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("repository init failed", zap.Error(err))
		}
	}

	catalog, err := timecontrol.New(cfg.TimeControlOverrideDir)
	if err != nil {
		logger.Fatal("time control catalog init failed", zap.Error(err))
	}

	var verifier identity.Verifier
	if cfg.IdentityBaseURL != "" {
		verifier = identity.NewClient(cfg.IdentityBaseURL)
	}

	var stats coordinator.StatsApplier
	if cfg.StatsEndpoint != "" {
		stats = statseffect.NewHTTP(cfg.StatsEndpoint, logger)
	} else {
		stats = statseffect.NewLogging(logger)
	}

	// The fabric and coordinator are mutually dependent: the fabric
	// dispatches client events into the coordinator, and the
	// coordinator broadcasts through the fabric. Build the fabric with
	// a nil coordinator, then attach it once constructed.
	fabric := sessionfabric.New(nil, verifier, store.Client(), logger)
	coord := coordinator.New(store, repo, premove.New(), fabric, stats, cfg.DisconnectGraceMs, logger)
	fabric.SetCoordinator(coord)

	watcher := timeoutwatcher.New(store, repo, fabric, fabric, stats, logger)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	go watcher.Run(watchCtx)

	matches := matchhandler.New(store, catalog, cfg.FirstMoveTimeoutMs, logger)

	router := mux.NewRouter()
	router.HandleFunc("/games", matches.CreateGame).Methods(http.MethodPost)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := fabric.Accept(w, r); err != nil {
			logger.Warn("ws_accept_failed", zap.Error(err))
		}
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("chessd_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancelWatch()
	watcher.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	_ = store.Close()
	if repo != nil {
		_ = repo.Close()
	}
}
