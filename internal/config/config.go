package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fencesync/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "fencesync"
	defaultAPIListen           = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultIngestPath          = "/events"
	defaultBatchPath           = "/events/batch"
	defaultMaxBodyBytes        = 2 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultBucketPrefix        = "fencesync"
	defaultSubjectPrefix       = "fencesync.backend"
	defaultRequestTimeoutMS    = 5000
	defaultReconnectInitialMS  = 250
	defaultReconnectMaxMS      = 30000
	defaultSQLitePath          = "fencesync.db"
	defaultNATSIngestSubject   = "fencesync.events"
	defaultNATSIngestStream    = "FENCESYNC_EVENTS"
	defaultNATSIngestConsumer  = "fencesync-ingest"
	defaultNATSIngestGroup     = "fencesync-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultStoreRefreshSeconds = 15
	defaultNotifyQueueSize     = 256

	// ServiceModeNATS runs against NATS-backed stores, backend, and ingest.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreDriverMemory keeps fences in process memory.
	StoreDriverMemory = "memory"
	// StoreDriverSQLite keeps fences in one SQLite file.
	StoreDriverSQLite = "sqlite"
	// StoreDriverNATS keeps fences in JetStream KV buckets.
	StoreDriverNATS = "nats"

	// BackendDriverLocal uses the in-process loopback backend.
	BackendDriverLocal = "local"
	// BackendDriverNATS talks to the backend over NATS request/reply.
	BackendDriverNATS = "nats"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"
)

var notifyChannelOrder = []string{NotifyChannelTelegram, NotifyChannelHTTP}

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig           `toml:"service"`
	Log     LogConfig               `toml:"log"`
	NATS    NATSConfig              `toml:"nats"`
	API     APIConfig               `toml:"api"`
	Store   StoreConfig             `toml:"store"`
	Backend BackendConfig           `toml:"backend"`
	Ingest  IngestConfig            `toml:"ingest"`
	Notify  NotifyConfig            `toml:"notify"`
	Handler map[string]HandlerRoute `toml:"handler"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, and resync schedule.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	ResyncOnBoot      *bool  `toml:"resync_on_boot"`
	ResyncIntervalSec int    `toml:"resync_interval_sec"`
	ResubmitSynced    bool   `toml:"resubmit_synced"`
	StoreRefreshSec   int    `toml:"store_refresh_sec"`
}

// BootResync reports whether boot-time resync is enabled (default true).
func (s ServiceConfig) BootResync() bool {
	return s.ResyncOnBoot == nil || *s.ResyncOnBoot
}

// ResyncInterval returns periodic resync interval; zero disables it.
func (s ServiceConfig) ResyncInterval() time.Duration {
	return time.Duration(s.ResyncIntervalSec) * time.Second
}

// StoreRefresh returns store-size sampling interval.
func (s ServiceConfig) StoreRefresh() time.Duration {
	return time.Duration(s.StoreRefreshSec) * time.Second
}

// NATSConfig holds the NATS server list shared by every NATS-backed component.
type NATSConfig struct {
	URL []string `toml:"url"`
}

// APIConfig configures the management HTTP server.
// Params: listen address, health/metrics paths, and request body limit.
// Returns: API server options.
type APIConfig struct {
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// StoreConfig selects the durable substrate for fence namespaces.
type StoreConfig struct {
	Driver string            `toml:"driver"`
	SQLite SQLiteStoreConfig `toml:"sqlite"`
	NATS   NATSStoreConfig   `toml:"nats"`
}

// SQLiteStoreConfig configures SQLite database file.
type SQLiteStoreConfig struct {
	Path string `toml:"path"`
}

// NATSStoreConfig contains JetStream KV controls for fence namespaces.
// Params: URL list, bucket prefix, and bucket creation toggle.
// Returns: NATS store backend options.
type NATSStoreConfig struct {
	URL                []string `toml:"-"`
	BucketPrefix       string   `toml:"bucket_prefix"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// BackendConfig selects the fence backend connector.
type BackendConfig struct {
	Driver     string            `toml:"driver"`
	ServeLocal bool              `toml:"serve_local"`
	NATS       NATSBackendConfig `toml:"nats"`
}

// NATSBackendConfig configures request/reply backend connector.
// Params: subject prefix, request timeout, and reconnect backoff bounds.
// Returns: connector options.
type NATSBackendConfig struct {
	URL                []string `toml:"-"`
	SubjectPrefix      string   `toml:"subject_prefix"`
	RequestTimeoutMS   int      `toml:"request_timeout_ms"`
	ReconnectInitialMS int      `toml:"reconnect_initial_ms"`
	ReconnectMaxMS     int      `toml:"reconnect_max_ms"`
}

// RequestTimeout returns per-request reply deadline.
func (c NATSBackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// IngestConfig defines inbound fence trigger interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP trigger endpoints on the API server.
type HTTPIngestConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	BatchPath string `toml:"batch_path"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: worker/ack/redelivery policy; routing names default to fixed values.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// NotifyConfig defines outbound notification behavior.
// Params: outcome toggles, outcome routes, and per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	OnAdd     bool             `toml:"on_add"`
	OnRemove  bool             `toml:"on_remove"`
	QueueSize int              `toml:"queue_size"`
	Route     []NotifyRoute    `toml:"route"`
	Telegram  TelegramNotifier `toml:"telegram"`
	HTTP      HTTPNotifier     `toml:"http"`
}

// NotifyRoute binds one transport channel with one named message template.
type NotifyRoute struct {
	Channel  string `toml:"channel"`
	Template string `toml:"template"`
}

// HandlerRoute lists notification routes for one fence target.
type HandlerRoute struct {
	Route []NotifyRoute `toml:"route"`
}

// DefaultHandlerTarget names the [handler.*] section feeding the fallback handler.
const DefaultHandlerTarget = "default"

// SplitHandlerRoutes separates fallback routes from per-target routes.
// Params: none.
// Returns: [handler.default] routes and a copy of every other target.
func (c Config) SplitHandlerRoutes() ([]NotifyRoute, map[string]HandlerRoute) {
	targets := make(map[string]HandlerRoute, len(c.Handler))
	var fallback []NotifyRoute
	for target, route := range c.Handler {
		if target == DefaultHandlerTarget {
			fallback = route.Route
			continue
		}
		targets[target] = route
	}
	return fallback, targets
}

// NamedTemplateConfig describes one reusable message template within one channel section.
// Params: template name and Go text/template body.
// Returns: template entry referenced from routes.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	ChatID       string                `toml:"chat_id"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// HTTPNotifier defines generic outbound HTTP endpoint.
// Params: URL, method, timeout, optional static headers, and retry policy.
// Returns: HTTP notification sender configuration.
type HTTPNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Method       string                `toml:"method"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Headers      map[string]string     `toml:"headers"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates one TOML document held in memory.
// Params: TOML body.
// Returns: validated config.
func Parse(body []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
type configMergeHints struct {
	Notify notifyMergeHints `toml:"notify"`
}

type notifyMergeHints struct {
	OnAdd    *bool             `toml:"on_add"`
	OnRemove *bool             `toml:"on_remove"`
	Telegram channelMergeHints `toml:"telegram"`
	HTTP     channelMergeHints `toml:"http"`
}

type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

func (h notifyMergeHints) hasExplicitBool() bool {
	return h.OnAdd != nil ||
		h.OnRemove != nil ||
		h.Telegram.Enabled != nil ||
		h.HTTP.Enabled != nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination section by section.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if len(src.NATS.URL) > 0 {
		dst.NATS = src.NATS
	}
	if src.API != (APIConfig{}) {
		dst.API = src.API
	}
	if hasStoreConfig(src.Store) {
		dst.Store = src.Store
	}
	if hasBackendConfig(src.Backend) {
		dst.Backend = src.Backend
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if hasNotifyConfig(src.Notify) || hints.Notify.hasExplicitBool() {
		mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
	}
	if len(src.Handler) > 0 {
		if dst.Handler == nil {
			dst.Handler = make(map[string]HandlerRoute, len(src.Handler))
		}
		for target, route := range src.Handler {
			dst.Handler[target] = route
		}
	}
}

// mergeNotifyConfig overlays notify fragment preserving existing sibling fields.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	applyBoolMerge(&dst.OnAdd, src.OnAdd, hints.OnAdd)
	applyBoolMerge(&dst.OnRemove, src.OnRemove, hints.OnRemove)
	if src.QueueSize != 0 {
		dst.QueueSize = src.QueueSize
	}
	if len(src.Route) > 0 {
		dst.Route = append([]NotifyRoute(nil), src.Route...)
	}

	applyBoolMerge(&dst.Telegram.Enabled, src.Telegram.Enabled, hints.Telegram.Enabled)
	if strings.TrimSpace(src.Telegram.BotToken) != "" {
		dst.Telegram.BotToken = src.Telegram.BotToken
	}
	if strings.TrimSpace(src.Telegram.ChatID) != "" {
		dst.Telegram.ChatID = src.Telegram.ChatID
	}
	if strings.TrimSpace(src.Telegram.APIBase) != "" {
		dst.Telegram.APIBase = src.Telegram.APIBase
	}
	if src.Telegram.Retry != (NotifyRetry{}) {
		dst.Telegram.Retry = src.Telegram.Retry
	}
	if len(src.Telegram.NameTemplate) > 0 {
		dst.Telegram.NameTemplate = append(dst.Telegram.NameTemplate, src.Telegram.NameTemplate...)
	}

	applyBoolMerge(&dst.HTTP.Enabled, src.HTTP.Enabled, hints.HTTP.Enabled)
	if strings.TrimSpace(src.HTTP.URL) != "" {
		dst.HTTP.URL = src.HTTP.URL
	}
	if strings.TrimSpace(src.HTTP.Method) != "" {
		dst.HTTP.Method = src.HTTP.Method
	}
	if src.HTTP.TimeoutSec != 0 {
		dst.HTTP.TimeoutSec = src.HTTP.TimeoutSec
	}
	if len(src.HTTP.Headers) > 0 {
		if dst.HTTP.Headers == nil {
			dst.HTTP.Headers = make(map[string]string, len(src.HTTP.Headers))
		}
		for key, value := range src.HTTP.Headers {
			dst.HTTP.Headers[key] = value
		}
	}
	if src.HTTP.Retry != (NotifyRetry{}) {
		dst.HTTP.Retry = src.HTTP.Retry
	}
	if len(src.HTTP.NameTemplate) > 0 {
		dst.HTTP.NameTemplate = append(dst.HTTP.NameTemplate, src.HTTP.NameTemplate...)
	}
}

func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

func hasStoreConfig(cfg StoreConfig) bool {
	return strings.TrimSpace(cfg.Driver) != "" ||
		cfg.SQLite != (SQLiteStoreConfig{}) ||
		strings.TrimSpace(cfg.NATS.BucketPrefix) != "" ||
		cfg.NATS.AllowCreateBuckets
}

func hasBackendConfig(cfg BackendConfig) bool {
	return strings.TrimSpace(cfg.Driver) != "" ||
		cfg.ServeLocal ||
		strings.TrimSpace(cfg.NATS.SubjectPrefix) != "" ||
		cfg.NATS.RequestTimeoutMS != 0 ||
		cfg.NATS.ReconnectInitialMS != 0 ||
		cfg.NATS.ReconnectMaxMS != 0
}

func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) ||
		cfg.NATS.Enabled ||
		strings.TrimSpace(cfg.NATS.Subject) != "" ||
		strings.TrimSpace(cfg.NATS.Stream) != "" ||
		strings.TrimSpace(cfg.NATS.ConsumerName) != "" ||
		strings.TrimSpace(cfg.NATS.DeliverGroup) != "" ||
		cfg.NATS.Workers != 0 ||
		cfg.NATS.AckWaitSec != 0 ||
		cfg.NATS.NackDelayMS != 0 ||
		cfg.NATS.MaxDeliver != 0 ||
		cfg.NATS.MaxAckPending != 0
}

func hasNotifyConfig(cfg NotifyConfig) bool {
	return cfg.OnAdd ||
		cfg.OnRemove ||
		cfg.QueueSize != 0 ||
		len(cfg.Route) > 0 ||
		cfg.Telegram.Enabled ||
		strings.TrimSpace(cfg.Telegram.BotToken) != "" ||
		len(cfg.Telegram.NameTemplate) > 0 ||
		cfg.HTTP.Enabled ||
		strings.TrimSpace(cfg.HTTP.URL) != "" ||
		len(cfg.HTTP.NameTemplate) > 0
}

// applyDefaults fills omitted settings and pins mode-dependent drivers.
// Params: decoded configuration pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.StoreRefreshSec <= 0 {
		cfg.Service.StoreRefreshSec = defaultStoreRefreshSeconds
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.API.Listen) == "" {
		cfg.API.Listen = defaultAPIListen
	}
	if strings.TrimSpace(cfg.API.HealthPath) == "" {
		cfg.API.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.API.ReadyPath) == "" {
		cfg.API.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.API.MetricsPath) == "" {
		cfg.API.MetricsPath = defaultMetricsPath
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Path) == "" {
		cfg.Ingest.HTTP.Path = defaultIngestPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.BatchPath) == "" {
		cfg.Ingest.HTTP.BatchPath = defaultBatchPath
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Backend.Driver = strings.ToLower(strings.TrimSpace(cfg.Backend.Driver))
	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode never dials NATS regardless of user flags.
		if cfg.Store.Driver == "" || cfg.Store.Driver == StoreDriverNATS {
			cfg.Store.Driver = StoreDriverMemory
		}
		cfg.Backend.Driver = BackendDriverLocal
		cfg.Backend.ServeLocal = false
		cfg.Ingest.NATS.Enabled = false
		cfg.Ingest.HTTP.Enabled = true
		cfg.NATS.URL = nil
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = StoreDriverNATS
		}
		if cfg.Backend.Driver == "" {
			cfg.Backend.Driver = BackendDriverNATS
		}
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
	}

	if strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
		cfg.Store.SQLite.Path = defaultSQLitePath
	}
	cfg.Store.NATS.URL = append([]string(nil), cfg.NATS.URL...)
	if strings.TrimSpace(cfg.Store.NATS.BucketPrefix) == "" {
		cfg.Store.NATS.BucketPrefix = defaultBucketPrefix
	}

	cfg.Backend.NATS.URL = append([]string(nil), cfg.NATS.URL...)
	if strings.TrimSpace(cfg.Backend.NATS.SubjectPrefix) == "" {
		cfg.Backend.NATS.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.Backend.NATS.RequestTimeoutMS <= 0 {
		cfg.Backend.NATS.RequestTimeoutMS = defaultRequestTimeoutMS
	}
	if cfg.Backend.NATS.ReconnectInitialMS <= 0 {
		cfg.Backend.NATS.ReconnectInitialMS = defaultReconnectInitialMS
	}
	if cfg.Backend.NATS.ReconnectMaxMS <= 0 {
		cfg.Backend.NATS.ReconnectMaxMS = defaultReconnectMaxMS
	}

	cfg.Ingest.NATS.URL = append([]string(nil), cfg.NATS.URL...)
	if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
		cfg.Ingest.NATS.Subject = defaultNATSIngestSubject
	}
	if strings.TrimSpace(cfg.Ingest.NATS.Stream) == "" {
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	}
	if strings.TrimSpace(cfg.Ingest.NATS.ConsumerName) == "" {
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	}
	if strings.TrimSpace(cfg.Ingest.NATS.DeliverGroup) == "" {
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	}
	if cfg.Ingest.NATS.Workers == 0 {
		cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS < 0 {
		cfg.Ingest.NATS.NackDelayMS = 0
	}
	if cfg.Ingest.NATS.NackDelayMS == 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = defaultNotifyQueueSize
	}
	for i := range cfg.Notify.Route {
		cfg.Notify.Route[i].Channel = NormalizeNotifyChannel(cfg.Notify.Route[i].Channel)
	}
	for target, handler := range cfg.Handler {
		for i := range handler.Route {
			handler.Route[i].Channel = NormalizeNotifyChannel(handler.Route[i].Channel)
		}
		cfg.Handler[target] = handler
	}
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = 10
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing rule as field-path error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.ResyncIntervalSec < 0 {
		return errors.New("service.resync_interval_sec must be >=0")
	}
	if strings.TrimSpace(cfg.API.Listen) == "" {
		return errors.New("api.listen is required")
	}
	for name, path := range map[string]string{
		"api.health_path":        cfg.API.HealthPath,
		"api.ready_path":         cfg.API.ReadyPath,
		"api.metrics_path":       cfg.API.MetricsPath,
		"ingest.http.path":       cfg.Ingest.HTTP.Path,
		"ingest.http.batch_path": cfg.Ingest.HTTP.BatchPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
			return errors.New("store.sqlite.path is required when store.driver=sqlite")
		}
	case StoreDriverNATS:
		if mode != ServiceModeNATS {
			return errors.New("store.driver=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("store.driver has unsupported value %q", cfg.Store.Driver)
	}

	switch cfg.Backend.Driver {
	case BackendDriverLocal:
		if cfg.Backend.ServeLocal {
			return errors.New("backend.serve_local requires backend.driver=nats")
		}
	case BackendDriverNATS:
		if mode != ServiceModeNATS {
			return errors.New("backend.driver=nats requires service.mode=nats")
		}
		if cfg.Backend.NATS.ReconnectMaxMS < cfg.Backend.NATS.ReconnectInitialMS {
			return errors.New("backend.nats.reconnect_max_ms must be >= reconnect_initial_ms")
		}
	default:
		return fmt.Errorf("backend.driver has unsupported value %q", cfg.Backend.Driver)
	}

	if mode == ServiceModeNATS {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("nats.url is required")
		}
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.Enabled {
			if cfg.Ingest.NATS.Workers <= 0 {
				return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
			}
			if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
				return errors.New("ingest.nats.max_deliver must be -1 or >0")
			}
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when notify.telegram.enabled=true")
		}
	}
	if cfg.Notify.HTTP.Enabled && strings.TrimSpace(cfg.Notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	if err := validateRetry("notify.telegram.retry", cfg.Notify.Telegram.Retry); err != nil {
		return err
	}
	if err := validateRetry("notify.http.retry", cfg.Notify.HTTP.Retry); err != nil {
		return err
	}

	templates, err := validateNotifyTemplates(cfg.Notify)
	if err != nil {
		return err
	}
	if (cfg.Notify.OnAdd || cfg.Notify.OnRemove) && len(cfg.Notify.Route) == 0 {
		return errors.New("notify.route is required when notify.on_add or notify.on_remove is enabled")
	}
	if err := validateRoutes(cfg.Notify, "notify.route", cfg.Notify.Route, templates); err != nil {
		return err
	}
	targets := make([]string, 0, len(cfg.Handler))
	for target := range cfg.Handler {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		if strings.TrimSpace(target) == "" {
			return errors.New("handler target name is empty")
		}
		path := "handler." + target + ".route"
		if len(cfg.Handler[target].Route) == 0 {
			return fmt.Errorf("%s must contain at least one route", path)
		}
		if err := validateRoutes(cfg.Notify, path, cfg.Handler[target].Route, templates); err != nil {
			return err
		}
	}
	return nil
}

func validateRetry(path string, retry NotifyRetry) error {
	if !retry.Enabled {
		return nil
	}
	switch retry.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("%s.backoff has unsupported value %q", path, retry.Backoff)
	}
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must be >=0", path)
	}
	if retry.MaxMS < retry.InitialMS {
		return fmt.Errorf("%s.max_ms must be >= initial_ms", path)
	}
	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		out = append(out, url)
	}
	return out
}

// validateNotifyTemplates indexes channel templates and validates their bodies.
// Params: notify config.
// Returns: channel -> template name -> template, or first invalid template.
func validateNotifyTemplates(notifyCfg NotifyConfig) (map[string]map[string]NamedTemplateConfig, error) {
	index := make(map[string]map[string]NamedTemplateConfig, len(notifyChannelOrder))
	if err := collectChannelTemplates(index, NotifyChannelTelegram, "notify.telegram.name-template", notifyCfg.Telegram.NameTemplate); err != nil {
		return nil, err
	}
	if err := collectChannelTemplates(index, NotifyChannelHTTP, "notify.http.name-template", notifyCfg.HTTP.NameTemplate); err != nil {
		return nil, err
	}
	return index, nil
}

func collectChannelTemplates(index map[string]map[string]NamedTemplateConfig, channel, pathPrefix string, templates []NamedTemplateConfig) error {
	byName := make(map[string]NamedTemplateConfig, len(templates))
	for i, tmpl := range templates {
		name := strings.TrimSpace(tmpl.Name)
		path := fmt.Sprintf("%s[%d]", pathPrefix, i)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if _, exists := byName[name]; exists {
			return fmt.Errorf("%s.name duplicates %q", path, name)
		}
		if err := validateMessageTemplate(path+".message", tmpl.Message); err != nil {
			return err
		}
		byName[name] = tmpl
	}
	index[channel] = byName
	return nil
}

func validateRoutes(notifyCfg NotifyConfig, path string, routes []NotifyRoute, templates map[string]map[string]NamedTemplateConfig) error {
	for i, route := range routes {
		routePath := fmt.Sprintf("%s[%d]", path, i)
		channel := NormalizeNotifyChannel(route.Channel)
		if !IsSupportedNotifyChannel(channel) {
			return fmt.Errorf("%s.channel has unsupported value %q", routePath, route.Channel)
		}
		if !NotifyChannelEnabled(notifyCfg, channel) {
			return fmt.Errorf("%s.channel %q is disabled", routePath, channel)
		}
		name := strings.TrimSpace(route.Template)
		if name == "" {
			return fmt.Errorf("%s.template is required", routePath)
		}
		if _, ok := templates[channel][name]; !ok {
			return fmt.Errorf("%s.template %q is not defined in notify.%s.name-template", routePath, name, channel)
		}
	}
	return nil
}

// NormalizeNotifyChannel normalizes channel names.
func NormalizeNotifyChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode normalizes runtime mode and applies default.
// Params: raw service mode.
// Returns: normalized mode string.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeNATS
	}
	return mode
}

// IsSupportedServiceMode reports whether runtime mode is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns supported channels in deterministic order.
func NotifyChannelNames() []string {
	return append([]string(nil), notifyChannelOrder...)
}

// IsSupportedNotifyChannel reports whether channel has a registered transport.
func IsSupportedNotifyChannel(channel string) bool {
	switch NormalizeNotifyChannel(channel) {
	case NotifyChannelTelegram, NotifyChannelHTTP:
		return true
	default:
		return false
	}
}

// NotifyChannelEnabled reports whether channel transport is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	switch NormalizeNotifyChannel(channel) {
	case NotifyChannelTelegram:
		return cfg.Telegram.Enabled
	case NotifyChannelHTTP:
		return cfg.HTTP.Enabled
	default:
		return false
	}
}

// NotifyChannelRetry returns channel retry policy.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	switch NormalizeNotifyChannel(channel) {
	case NotifyChannelTelegram:
		return cfg.Telegram.Retry
	case NotifyChannelHTTP:
		return cfg.HTTP.Retry
	default:
		return NotifyRetry{}
	}
}

// NotifyChannelTemplates returns channel named templates.
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	switch NormalizeNotifyChannel(channel) {
	case NotifyChannelTelegram:
		return cfg.Telegram.NameTemplate
	case NotifyChannelHTTP:
		return cfg.HTTP.NameTemplate
	default:
		return nil
	}
}

func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.Parse(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
