// Package app assembles the intake service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/api"
	"github.com/mechnerve/mechnerve-website/internal/attachment"
	"github.com/mechnerve/mechnerve-website/internal/config"
	"github.com/mechnerve/mechnerve-website/internal/delivery"
	"github.com/mechnerve/mechnerve-website/internal/fallback"
	"github.com/mechnerve/mechnerve-website/internal/kafka/producer"
	kafkapublisher "github.com/mechnerve/mechnerve-website/internal/kafka/publisher"
	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/metrics"
	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/pipeline"
	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
	"github.com/mechnerve/mechnerve-website/internal/providers/factory"
	"github.com/mechnerve/mechnerve-website/internal/validation"
)

const redisPingTimeout = 5 * time.Second

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Provider   emailprovider.Provider
	Store      fallback.Store
	Dispatcher *delivery.Dispatcher
	Pipeline   *pipeline.Pipeline
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Kafka      *producer.Producer

	logger  zerolog.Logger
	closers []func() error
}

// Option customises assembly, mainly for tests.
type Option func(*options)

type options struct {
	provider emailprovider.Provider
	producer *producer.Producer
}

// WithProvider replaces the transport built from configuration.
func WithProvider(p emailprovider.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithKafkaProducer replaces the producer dialled from the broker list. The
// app takes ownership and closes it.
func WithKafkaProducer(p *producer.Producer) Option {
	return func(o *options) {
		o.producer = p
	}
}

// New builds every component from cfg. On error, anything already opened is
// closed before returning.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	settings := &options{}
	for _, opt := range opts {
		opt(settings)
	}

	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   logger.OrNop(log),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.Metrics, err = metrics.New(a.Registry); err != nil {
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}

	if a.Provider, err = a.buildProvider(settings); err != nil {
		return nil, err
	}

	primary, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(settings)
	if err != nil {
		return nil, err
	}
	a.Store = fallback.NewMirroredStore(primary, publisher, a.logger)

	a.Dispatcher, err = delivery.NewDispatcher(delivery.ConfigFromMail(cfg.Mail), delivery.Dependencies{
		Provider: a.Provider,
		Store:    a.Store,
		Recorder: a.Metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: dispatcher: %w", err)
	}

	stager, err := attachment.NewStager(cfg.Upload.Dir, cfg.Upload.MaxBytes, attachment.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("app: stager: %w", err)
	}

	a.Pipeline, err = pipeline.New(pipeline.Dependencies{
		Validator:  validation.New(validation.DefaultConfig(), logger.Component(a.logger, "validator")),
		Stager:     stager,
		Dispatcher: a.Dispatcher,
		Records:    a.Store,
		Recorder:   a.Metrics,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: pipeline: %w", err)
	}

	if !a.Dispatcher.TransportConfigured() {
		a.logger.Warn().Msg("mail transport not configured; submissions will be stored for later delivery")
	}
	return a, nil
}

// Handler returns the HTTP surface for the service.
func (a *App) Handler() http.Handler {
	var handlerOpts []api.HandlerOption
	if a.Kafka != nil {
		handlerOpts = append(handlerOpts, api.WithMirrorReadiness(a.Kafka.IsReady))
	}
	h := api.NewHandler(a.Pipeline, a.Config.Upload.MaxBytes, a.logger, handlerOpts...)
	return api.NewRouter(h, api.RouterOptions{
		Limiter: api.NewRateLimiter(a.Config.RateLimit),
		Metrics: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Logger:  logger.Component(a.logger, "http"),
	})
}

// UnrecordedDispatcher returns a dispatcher over the same transport whose
// failed outcomes are dropped instead of appended to the fallback store.
func (a *App) UnrecordedDispatcher() (*delivery.Dispatcher, error) {
	d, err := delivery.NewDispatcher(delivery.ConfigFromMail(a.Config.Mail), delivery.Dependencies{
		Provider: a.Provider,
		Store:    discardStore{},
		Recorder: a.Metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: dispatcher: %w", err)
	}
	return d, nil
}

type discardStore struct{}

func (discardStore) Append(context.Context, models.FallbackRecord) error { return nil }

// Close releases stores, clients and producers.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildProvider(settings *options) (emailprovider.Provider, error) {
	if settings.provider != nil {
		return settings.provider, nil
	}
	if !a.Config.Mail.Configured() {
		return nil, nil
	}
	p, err := factory.Email(a.Config.Mail, logger.Component(a.logger, "email_provider"))
	if err != nil {
		return nil, fmt.Errorf("app: email provider: %w", err)
	}
	return p, nil
}

func (a *App) buildStore(ctx context.Context) (fallback.Store, error) {
	cfg := a.Config
	switch cfg.Fallback.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)

		store, err := fallback.NewRedisStore(client, cfg.Redis.Key, cfg.Fallback.Capacity, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("app: redis store: %w", err)
		}
		a.logger.Info().Str("store", store.String()).Msg("fallback store ready")
		return store, nil

	default:
		store, err := fallback.NewFileStore(cfg.Fallback.Path, cfg.Fallback.Capacity, fallback.WithFileLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("app: file store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info().Str("store", store.String()).Msg("fallback store ready")
		return store, nil
	}
}

func (a *App) buildPublisher(settings *options) (fallback.Publisher, error) {
	if !a.Config.Kafka.Enabled() {
		return nil, nil
	}
	kafkaLogger := logger.Component(a.logger, "kafka")
	prod := settings.producer
	if prod == nil {
		var err error
		if prod, err = producer.New(a.Config.Kafka.Brokers, kafkaLogger); err != nil {
			return nil, fmt.Errorf("app: kafka producer: %w", err)
		}
	}
	a.closers = append(a.closers, prod.Close)
	a.Kafka = prod

	return kafkapublisher.NewFallbackPublisher(prod, a.Config.Kafka.Topic, kafkaLogger), nil
}
