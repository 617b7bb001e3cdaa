package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pointapp_back_end/internal/auth"
	"pointapp_back_end/internal/config"
	"pointapp_back_end/internal/handlers/ec"
	"pointapp_back_end/internal/logger"
	"pointapp_back_end/internal/routes"
	"pointapp_back_end/internal/workflow"
)

const shutdownTimeout = 20 * time.Second

func main() {
	config.Load()
	cfg := config.FromEnv()

	log, flush := logger.Init(cfg.LogLevel, cfg.LogFormat)
	defer flush()

	if err := run(cfg, log); err != nil {
		log.Error("❌ Arrêt du serveur sur erreur", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			return errors.New("JWT_SECRET manquant")
		}
		cfg.JWTSecret = "dev-secret"
		log.Warn("⚠️ JWT_SECRET absent, secret de développement utilisé")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	svc := workflow.New(b.deps, workflow.Settings{
		YenPerPoint:       cfg.YenPerPoint,
		PointUnitPriceYen: cfg.PointUnitPriceYen,
		LockTTL:           cfg.DecisionLockTTL,
		ReceiptURLTTL:     cfg.ReceiptURLTTL,
	})

	handler := ec.NewHandler(svc, cfg.ReceiptMaxBytes, cfg.CORSOrigins, log)
	router := routes.NewRouter(handler, routes.Options{
		CORSOrigins: cfg.CORSOrigins,
		Auth:        auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Limiter:     b.limiter,
		Log:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("🚀 Serveur PointApp EC lancé",
			zap.String("port", cfg.Port),
			zap.String("backend", cfg.StorageBackend),
			zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 Arrêt demandé, fermeture des connexions HTTP")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// effets de bord encore en vol (mails, index, audit)
	svc.Wait()
	log.Info("👋 Serveur arrêté")
	return err
}
