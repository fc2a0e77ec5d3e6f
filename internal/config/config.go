package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultTags are the Stack Overflow tags monitored when none are configured.
var DefaultTags = []string{
	"autodesk-forge",
	"autodesk-data-management",
	"autodesk-model-derivative",
	"autodesk-viewer",
	"autodesk-designautomation",
	"autodesk-webhooks",
	"autodesk-realitycapture",
	"autodesk-bim360",
	"autodesk-tandem",
}

// Sink kinds.
const (
	SinkZendesk = "zendesk"
	SinkLocal   = "local"
)

// Config is the immutable runtime configuration, built once at startup and
// passed to every component.
type Config struct {
	StateDir string
	DBPath   string

	LogLevel  string
	LogFormat string

	Source  Source
	Sink    string
	Zendesk Zendesk
	Portal  Portal
	Alert   Alert
	SLA     SLA

	Schedule Schedule
	Sync     Sync

	PassTimeout time.Duration
	HTTPTimeout time.Duration
	RedisAddr   string
	MetricsAddr string
}

// Source configures the Q&A platform client.
type Source struct {
	APIURL   string
	Site     string
	Key      string
	Tags     []string
	Lookback time.Duration
}

// Zendesk configures the helpdesk client.
type Zendesk struct {
	URL               string
	Email             string
	Token             string
	RequestsPerMinute int
	ImportMode        bool
}

// Portal configures the web-form reconciliation pass.
type Portal struct {
	Alias string
}

// Alert configures SLA escalation delivery.
type Alert struct {
	SlackWebhook string
}

// SLA bounds the age window in which a new ticket is reported.
type SLA struct {
	MinAge time.Duration
	MaxAge time.Duration
}

// Schedule holds cron specs for each pass.
type Schedule struct {
	Questions string
	Portal    string
	SLA       string
}

// Sync tunes the question pipeline.
type Sync struct {
	Concurrency int
	MaxRetries  int
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", stateDir+"/qadesk.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("source.api_url", "https://api.stackexchange.com/2.3")
	v.SetDefault("source.site", "stackoverflow")
	v.SetDefault("source.key", "")
	v.SetDefault("source.tags", DefaultTags)
	v.SetDefault("source.lookback", "1h")

	v.SetDefault("sink.kind", SinkZendesk)
	v.SetDefault("zendesk.url", "")
	v.SetDefault("zendesk.email", "")
	v.SetDefault("zendesk.token", "")
	v.SetDefault("zendesk.requests_per_minute", 400)
	v.SetDefault("zendesk.import_mode", true)

	v.SetDefault("portal.alias", "")
	v.SetDefault("alert.slack_webhook", "")
	v.SetDefault("sla.min_age", "19h")
	v.SetDefault("sla.max_age", "20h")

	v.SetDefault("schedule.questions", "*/10 * * * *")
	v.SetDefault("schedule.portal", "5-59/10 * * * *")
	v.SetDefault("schedule.sla", "7 * * * *")

	v.SetDefault("sync.concurrency", 8)
	v.SetDefault("sync.max_retries", 0)
	v.SetDefault("passes.timeout", "9m")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the effective configuration out of v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		StateDir:  v.GetString("state_dir"),
		DBPath:    v.GetString("db_path"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		Source: Source{
			APIURL:   strings.TrimRight(v.GetString("source.api_url"), "/"),
			Site:     v.GetString("source.site"),
			Key:      v.GetString("source.key"),
			Tags:     parseTags(v.GetStringSlice("source.tags")),
			Lookback: v.GetDuration("source.lookback"),
		},
		Sink: strings.ToLower(strings.TrimSpace(v.GetString("sink.kind"))),
		Zendesk: Zendesk{
			URL:               strings.TrimRight(v.GetString("zendesk.url"), "/"),
			Email:             v.GetString("zendesk.email"),
			Token:             v.GetString("zendesk.token"),
			RequestsPerMinute: v.GetInt("zendesk.requests_per_minute"),
			ImportMode:        v.GetBool("zendesk.import_mode"),
		},
		Portal: Portal{Alias: strings.TrimSpace(v.GetString("portal.alias"))},
		Alert:  Alert{SlackWebhook: v.GetString("alert.slack_webhook")},
		SLA: SLA{
			MinAge: v.GetDuration("sla.min_age"),
			MaxAge: v.GetDuration("sla.max_age"),
		},
		Schedule: Schedule{
			Questions: v.GetString("schedule.questions"),
			Portal:    v.GetString("schedule.portal"),
			SLA:       v.GetString("schedule.sla"),
		},
		Sync: Sync{
			Concurrency: v.GetInt("sync.concurrency"),
			MaxRetries:  v.GetInt("sync.max_retries"),
		},
		PassTimeout: v.GetDuration("passes.timeout"),
		HTTPTimeout: v.GetDuration("http.timeout"),
		RedisAddr:   v.GetString("redis.addr"),
		MetricsAddr: v.GetString("metrics.addr"),
	}

	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 1
	}
	if cfg.SLA.MaxAge <= cfg.SLA.MinAge {
		return cfg, fmt.Errorf("sla.max_age (%s) must be greater than sla.min_age (%s)", cfg.SLA.MaxAge, cfg.SLA.MinAge)
	}
	if cfg.Source.Lookback <= 0 {
		return cfg, fmt.Errorf("source.lookback must be positive, got %s", cfg.Source.Lookback)
	}
	switch cfg.Sink {
	case SinkZendesk, SinkLocal:
	default:
		return cfg, fmt.Errorf("unknown sink.kind %q (want %q or %q)", cfg.Sink, SinkZendesk, SinkLocal)
	}
	return cfg, nil
}

// parseTags accepts both list values and a single comma-separated string,
// which is what an environment variable produces.
func parseTags(raw []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range raw {
		for _, t := range strings.Split(r, ",") {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ValidateSource reports missing settings needed by the question pass.
func (c Config) ValidateSource() error {
	if len(c.Source.Tags) == 0 {
		return errors.New("source.tags is empty")
	}
	return nil
}

// ValidateSink reports missing settings needed to talk to the helpdesk.
func (c Config) ValidateSink() error {
	if c.Sink == SinkLocal {
		return nil
	}
	var missing []string
	if c.Zendesk.URL == "" {
		missing = append(missing, "zendesk.url")
	}
	if c.Zendesk.Email == "" {
		missing = append(missing, "zendesk.email")
	}
	if c.Zendesk.Token == "" {
		missing = append(missing, "zendesk.token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing helpdesk settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AgentTicketURL returns the agent-facing link for a ticket id.
func (c Config) AgentTicketURL(id int64) string {
	base := c.Zendesk.URL
	if base == "" {
		base = "https://localhost"
	}
	return fmt.Sprintf("%s/agent/tickets/%d", base, id)
}
