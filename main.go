package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	raven "github.com/getsentry/raven-go"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/OpenWebEvents/newsletter-backend/api"
	"github.com/OpenWebEvents/newsletter-backend/challenge"
	"github.com/OpenWebEvents/newsletter-backend/db"
	"github.com/OpenWebEvents/newsletter-backend/log"
	"github.com/OpenWebEvents/newsletter-backend/ratelimit"
	"github.com/OpenWebEvents/newsletter-backend/telemetry"
	"github.com/OpenWebEvents/newsletter-backend/util"
)

const serviceName = "newsletter-backend"

type serverConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	SentryDSN       string        `env:"SENTRY_DSN"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// config is every setting the service reads at startup.
type config struct {
	addr      string
	origins   []string
	server    serverConfig
	log       log.Config
	db        db.Config
	challenge challenge.Config
	limits    ratelimit.Config
}

// loadConfig reads the environment, reporting every problem at once.
func loadConfig() (config, error) {
	var cfg config
	var errs util.Errors
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(env.Parse(&cfg.server))
	addr, err := util.ValidPort(cfg.server.Port)
	collect(err)
	cfg.addr = addr
	cfg.origins = util.SplitList(cfg.server.AllowedOrigins)

	cfg.log, err = log.LoadEnvironmentVariables()
	collect(err)
	cfg.db, err = db.LoadEnvironmentVariables()
	collect(err)
	cfg.challenge, err = challenge.LoadEnvironmentVariables()
	collect(err)
	cfg.limits, err = ratelimit.LoadEnvironmentVariables()
	collect(err)
	util.RequireEnv("TURNSTILE_SITE_KEY", &errs)

	if len(errs) > 0 {
		return cfg, errs
	}
	return cfg, nil
}

// newAPI opens the store and limiter and builds the API. closeAll releases them.
func newAPI(cfg config, logger *logrus.Logger) (a *api.API, closeAll func(), err error) {
	database, err := db.Open(cfg.db)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open database")
	}
	limiter, err := ratelimit.New(cfg.limits)
	if err != nil {
		database.Close()
		return nil, nil, errors.Wrap(err, "rate limiter")
	}
	a = &api.API{
		Database: database,
		Verifier: challenge.Guarded{
			Verifier: challenge.NewTurnstile(cfg.challenge, logger.WithField("component", "challenge")),
			Guard:    challenge.NewReplayGuard(),
		},
		Limiter:        limiter,
		SiteKey:        cfg.challenge.SiteKey,
		Theme:          cfg.challenge.Theme,
		AllowedOrigins: cfg.origins,
		Log:            logger.WithField("component", "api"),
		AccessLog:      logger.WriterLevel(logrus.InfoLevel),
	}
	return a, func() {
		if err := limiter.Close(); err != nil {
			logger.WithError(err).Warn("Closing rate limiter")
		}
		if err := database.Close(); err != nil {
			logger.WithError(err).Warn("Closing database")
		}
	}, nil
}

// serve runs the public HTTP endpoints until ctx is cancelled, then drains
// in-flight requests for up to drain.
func serve(ctx context.Context, srv *http.Server, drain time.Duration, logger logrus.FieldLogger) error {
	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("Listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	// Ignore the error since .env is optional.
	godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatal(err)
	}
	logger, err := log.New(cfg.log)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := raven.SetDSN(cfg.server.SentryDSN); err != nil {
		logger.WithError(err).Fatal("Invalid SENTRY_DSN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName)
	if err != nil {
		logger.WithError(err).Fatal("Setting up tracing")
	}
	defer shutdownTracing(context.Background())

	a, closeAPI, err := newAPI(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Starting API")
	}
	defer closeAPI()

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           a.RegisterHandlers(chi.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := serve(ctx, srv, cfg.server.ShutdownTimeout, logger); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("Server stopped")
	}
}
