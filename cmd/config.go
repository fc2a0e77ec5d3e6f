package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "qadesk"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage qadesk configuration.

Running bare 'qadesk config' is the same as 'qadesk config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# qadesk configuration
# See: qadesk config show (for effective values and sources)
# Secrets are best kept in the environment (QADESK_ZENDESK_TOKEN) or a .env file.

# State/data directory (default: ~/.config/qadesk)
# state_dir: {{ .StateDir }}

# SQLite database path: run ledger, and tickets when sink.kind is "local"
# db_path: {{ .DBPath }}

log:
  level: "{{ .LogLevel }}"
  # "console" for humans, "json" for log shippers
  format: "{{ .LogFormat }}"

# Stack Exchange
source:
  site: "{{ .Site }}"
  # Optional app key; raises the daily request quota
  key: ""
  lookback: "{{ .Lookback }}"
  tags:
{{- range .Tags }}
    - {{ . }}
{{- end }}

# "zendesk" or "local"
sink:
  kind: "{{ .SinkKind }}"

zendesk:
  url: "{{ .ZendeskURL }}"
  email: "{{ .ZendeskEmail }}"
  # token: set QADESK_ZENDESK_TOKEN instead
  requests_per_minute: {{ .RequestsPerMinute }}
  # Use the ticket import endpoint so tickets keep the question's creation time
  import_mode: {{ .ImportMode }}

# Web-form tickets arrive with this requester email (empty disables the pass)
portal:
  alias: "{{ .PortalAlias }}"

# Slack incoming webhook for SLA alerts (empty logs alerts instead)
alert:
  slack_webhook: ""

sla:
  min_age: "{{ .SLAMinAge }}"
  max_age: "{{ .SLAMaxAge }}"

# Cron specs (minute hour dom month dow); empty disables the schedule
schedule:
  questions: "{{ .ScheduleQuestions }}"
  portal: "{{ .SchedulePortal }}"
  sla: "{{ .ScheduleSLA }}"

sync:
  concurrency: {{ .Concurrency }}
  # 0 retries rate-limited ticket creation until the pass times out
  max_retries: {{ .MaxRetries }}

# Shared claim store for multiple daemons (empty uses in-process locks)
redis:
  addr: ""

# Admin API and Prometheus metrics listener
metrics:
  addr: "{{ .MetricsAddr }}"
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	LogLevel          string
	LogFormat         string
	Site              string
	Lookback          string
	Tags              []string
	SinkKind          string
	ZendeskURL        string
	ZendeskEmail      string
	RequestsPerMinute int
	ImportMode        bool
	PortalAlias       string
	SLAMinAge         string
	SLAMaxAge         string
	ScheduleQuestions string
	SchedulePortal    string
	ScheduleSLA       string
	Concurrency       int
	MaxRetries        int
	MetricsAddr       string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		LogLevel:          viper.GetString("log.level"),
		LogFormat:         viper.GetString("log.format"),
		Site:              viper.GetString("source.site"),
		Lookback:          viper.GetString("source.lookback"),
		Tags:              viper.GetStringSlice("source.tags"),
		SinkKind:          viper.GetString("sink.kind"),
		ZendeskURL:        viper.GetString("zendesk.url"),
		ZendeskEmail:      viper.GetString("zendesk.email"),
		RequestsPerMinute: viper.GetInt("zendesk.requests_per_minute"),
		ImportMode:        viper.GetBool("zendesk.import_mode"),
		PortalAlias:       viper.GetString("portal.alias"),
		SLAMinAge:         viper.GetString("sla.min_age"),
		SLAMaxAge:         viper.GetString("sla.max_age"),
		ScheduleQuestions: viper.GetString("schedule.questions"),
		SchedulePortal:    viper.GetString("schedule.portal"),
		ScheduleSLA:       viper.GetString("schedule.sla"),
		Concurrency:       viper.GetInt("sync.concurrency"),
		MaxRetries:        viper.GetInt("sync.max_retries"),
		MetricsAddr:       viper.GetString("metrics.addr"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "log.level"},
	{Key: "log.format"},
	{Key: "source.api_url"},
	{Key: "source.site"},
	{Key: "source.key", Secret: true},
	{Key: "source.tags"},
	{Key: "source.lookback"},
	{Key: "sink.kind"},
	{Key: "zendesk.url"},
	{Key: "zendesk.email"},
	{Key: "zendesk.token", Secret: true},
	{Key: "zendesk.requests_per_minute"},
	{Key: "zendesk.import_mode"},
	{Key: "portal.alias"},
	{Key: "alert.slack_webhook", Secret: true},
	{Key: "sla.min_age"},
	{Key: "sla.max_age"},
	{Key: "schedule.questions"},
	{Key: "schedule.portal"},
	{Key: "schedule.sla"},
	{Key: "sync.concurrency"},
	{Key: "sync.max_retries"},
	{Key: "passes.timeout"},
	{Key: "http.timeout"},
	{Key: "redis.addr"},
	{Key: "metrics.addr"},
}

// envVarFor returns the environment variable viper consults for key.
func envVarFor(key string) string {
	return "QADESK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, envVarFor(k.Key), fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'qadesk config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
