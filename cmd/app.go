package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/joescharf/qadesk/internal/alert"
	"github.com/joescharf/qadesk/internal/apiclient"
	"github.com/joescharf/qadesk/internal/config"
	"github.com/joescharf/qadesk/internal/engine"
	"github.com/joescharf/qadesk/internal/fetcher"
	"github.com/joescharf/qadesk/internal/logging"
	"github.com/joescharf/qadesk/internal/mapper"
	"github.com/joescharf/qadesk/internal/metrics"
	"github.com/joescharf/qadesk/internal/portal"
	"github.com/joescharf/qadesk/internal/retry"
	"github.com/joescharf/qadesk/internal/sla"
	"github.com/joescharf/qadesk/internal/stackexchange"
	"github.com/joescharf/qadesk/internal/store"
	"github.com/joescharf/qadesk/internal/zendesk"
)

// app is the fully wired process: every pass, the sink and the ledger.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	store   store.Store
	sink    store.Helpdesk
	metrics *metrics.Metrics
	engine  *engine.Engine
	redis   *redis.Client
}

// newApp builds the component graph from cfg. Passes whose settings are
// missing are left disabled rather than failing startup.
func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, dry bool) (*app, error) {
	if err := cfg.ValidateSink(); err != nil {
		return nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: s, metrics: metrics.New()}
	a.sink = newSink(cfg, s, log)

	claimer, err := a.newClaimer(ctx)
	if err != nil {
		return nil, err
	}

	sched := retry.New(log, cfg.Sync.MaxRetries)
	sched.Attempts = func(n int) { a.metrics.CreateAttempts.Observe(float64(n)) }

	deps := engine.Deps{
		Runs:     s,
		Metrics:  a.metrics,
		Lookback: cfg.Source.Lookback,
		Timeout:  cfg.PassTimeout,
		Log:      log,
	}

	if err := cfg.ValidateSource(); err != nil {
		log.Warn().Err(err).Msg("questions pass disabled")
	} else {
		seAPI := apiclient.New(log.With().Str("component", "stackexchange").Logger(),
			apiclient.WithTimeout(cfg.HTTPTimeout),
			apiclient.WithQueryParam("key", cfg.Source.Key),
		)
		src := stackexchange.NewClient(seAPI, cfg.Source.APIURL, cfg.Source.Site)
		deps.Fetcher = fetcher.New(src, cfg.Source.Tags, log)
		deps.Mapper = mapper.New(a.sink, sched, log, mapper.Options{
			Concurrency: cfg.Sync.Concurrency,
			DryRun:      dry,
			Claimer:     claimer,
			Observe: func(o mapper.Outcome) {
				a.metrics.QuestionOutcomes.WithLabelValues(string(o)).Inc()
			},
		})
	}

	if cfg.Portal.Alias == "" {
		log.Info().Msg("portal pass disabled: portal.alias is empty")
	} else {
		deps.Portal = portal.New(a.sink, cfg.Portal.Alias, dry, log)
	}

	deps.SLA = sla.New(a.sink, newNotifier(cfg, log, dry), cfg.AgentTicketURL, cfg.SLA.MinAge, cfg.SLA.MaxAge, log)

	a.engine = engine.New(deps)
	return a, nil
}

// newSink returns the helpdesk the passes write to.
func newSink(cfg config.Config, s store.Store, log zerolog.Logger) store.Helpdesk {
	if cfg.Sink == config.SinkLocal {
		return s
	}
	opts := []apiclient.Option{
		apiclient.WithTimeout(cfg.HTTPTimeout),
		// Zendesk API token auth: "{email}/token:{token}".
		apiclient.WithBasicAuth(cfg.Zendesk.Email+"/token", cfg.Zendesk.Token),
	}
	if rpm := cfg.Zendesk.RequestsPerMinute; rpm > 0 {
		opts = append(opts, apiclient.WithLimiter(rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)))
	}
	api := apiclient.New(log.With().Str("component", "zendesk").Logger(), opts...)
	return zendesk.NewClient(api, cfg.Zendesk.URL, zendesk.WithImportMode(cfg.Zendesk.ImportMode))
}

// newNotifier delivers SLA alerts to Slack when a webhook is configured.
func newNotifier(cfg config.Config, log zerolog.Logger, dry bool) alert.Notifier {
	if cfg.Alert.SlackWebhook == "" || dry {
		return alert.NewLog(log)
	}
	api := apiclient.New(log.With().Str("component", "slack").Logger(), apiclient.WithTimeout(cfg.HTTPTimeout))
	return alert.NewSlack(api, cfg.Alert.SlackWebhook)
}

func (a *app) newClaimer(ctx context.Context) (mapper.Claimer, error) {
	if a.cfg.RedisAddr == "" {
		return mapper.NewMemoryClaimer(), nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pctx).Err(); err != nil {
		_ = a.redis.Close()
		a.redis = nil
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.log.Info().Str("addr", a.cfg.RedisAddr).Msg("using redis claims")
	return mapper.NewRedisClaimer(a.redis, 0), nil
}

// Close releases the redis connection. The store is owned by getStore.
func (a *app) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// setupApp loads configuration and wires the app for a command.
func setupApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg)
	if dryRun {
		log = log.With().Bool("dry_run", true).Logger()
	}
	a, err := newApp(ctx, cfg, log, dryRun)
	if err != nil {
		return nil, err
	}
	return a, nil
}
