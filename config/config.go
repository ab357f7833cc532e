package config

import "time"

// Config is the process configuration snapshot. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Listeners ListenerConfig  `yaml:"listeners"`
	Admin     AdminConfig     `yaml:"admin"`
	Access    AccessConfig    `yaml:"access"`
	Routing   RoutingConfig   `yaml:"routing"`
	Rules     RulesConfig     `yaml:"rules"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ListenerConfig defines the proxy-facing listeners.
type ListenerConfig struct {
	HTTPAddress  string `yaml:"http_address" env:"HTTP_LISTEN_ADDR" default:":8080"`
	HTTPSAddress string `yaml:"https_address" env:"HTTPS_LISTEN_ADDR" default:":8443"`
	CertFile     string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile      string `yaml:"key_file" env:"TLS_KEY_FILE"`
	EnableHTTP3  bool   `yaml:"enable_http3" env:"ENABLE_HTTP3" default:"false"`
	EnableH2C    bool   `yaml:"enable_h2c" env:"ENABLE_H2C" default:"true"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" default:"10s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// TLSEnabled reports whether the HTTPS listener should be started.
func (l ListenerConfig) TLSEnabled() bool {
	return l.CertFile != "" && l.KeyFile != "" && l.HTTPSAddress != ""
}

// AdminConfig defines the admin listener serving metrics, health and stats.
type AdminConfig struct {
	Address string `yaml:"address" env:"ADMIN_LISTEN_ADDR" default:"127.0.0.1:9090"`
}

// AccessConfig populates the origin admission policy.
type AccessConfig struct {
	AllowedIPv4      []string `yaml:"allowed_ipv4" env:"ALLOWED_IPV4_CIDRS"`
	AllowedIPv6      []string `yaml:"allowed_ipv6" env:"ALLOWED_IPV6_CIDRS"`
	HateLAN          bool     `yaml:"hate_lan" env:"HATE_LAN_ACCESS" default:"false"`
	AbortOnViolation bool     `yaml:"abort_on_violation" env:"ABORT_CONNECTION_IF_INVALID_IP" default:"false"`
	DisableIPv6      bool     `yaml:"disable_ipv6" env:"DISABLE_IPV6" default:"false"`
	// TrustedProxies lists proxy CIDRs whose forwarding headers are believed
	// when extracting the client address.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXY_CIDRS"`
}

// RoutingConfig defines hostname rewriting.
type RoutingConfig struct {
	// ArcServer pins every request to a single upstream authority.
	ArcServer string `yaml:"arc_server" env:"MFDLABS_ARC_SERVER"`
	// Rewrites holds "source=target" suffix pairs, e.g.
	// "test.example.com=example.com".
	Rewrites  []string `yaml:"rewrites" env:"HOST_REWRITES"`
	CacheSize int      `yaml:"cache_size" env:"HOST_RESOLUTION_CACHE_SIZE" default:"1024"`
}

// RulesConfig locates the per-domain rule files.
type RulesConfig struct {
	// Directory holds one <domain>.yaml file per transformation domain.
	// Empty disables the rule engine.
	Directory string `yaml:"directory" env:"RULES_DIRECTORY"`
}

// UpstreamConfig configures the proxy transport.
type UpstreamConfig struct {
	Scheme             string        `yaml:"scheme" env:"UPSTREAM_SCHEME" default:"https"`
	Timeout            time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT" default:"30s"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"UPSTREAM_INSECURE_SKIP_VERIFY" default:"false"`
	// Resolvers lists nameservers (host or host:port) used for upstream
	// lookups instead of the system resolver.
	Resolvers []string `yaml:"resolvers" env:"UPSTREAM_DNS_SERVERS"`
}

// TelemetryConfig configures the GA4 measurement protocol forwarder.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLE_GA4_CLIENT" default:"false"`
	MeasurementID    string        `yaml:"measurement_id" env:"GA4_MEASUREMENT_ID"`
	APISecret        string        `yaml:"api_secret" env:"GA4_API_SECRET" redact:"true"`
	Validate         bool          `yaml:"validate" env:"GA4_ENABLE_VALIDATION" default:"false"`
	DisableIPLogging bool          `yaml:"disable_ip_logging" env:"GA4_DISABLE_IP_LOGGING" default:"false"`
	Endpoint         string        `yaml:"endpoint" env:"GA4_ENDPOINT" default:"https://www.google-analytics.com"`
	EventName        string        `yaml:"event_name" env:"GA4_EVENT_NAME" default:"proxy_request"`
	Timeout          time.Duration `yaml:"timeout" env:"GA4_TIMEOUT" default:"5s"`
	RetryDelay       time.Duration `yaml:"retry_delay" env:"GA4_RETRY_DELAY" default:"250ms"`
	Workers          int           `yaml:"workers" env:"GA4_WORKERS" default:"2"`
	QueueSize        int           `yaml:"queue_size" env:"GA4_QUEUE_SIZE" default:"1024"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Dir      string            `yaml:"dir" env:"LOG_DIR"`
	Persist  bool              `yaml:"persist" env:"LOG_PERSIST" default:"true"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size" env:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int  `yaml:"max_backups" env:"LOG_MAX_BACKUPS" default:"3"`
	MaxAge     int  `yaml:"max_age" env:"LOG_MAX_AGE_DAYS" default:"28"`
	Compress   bool `yaml:"compress" env:"LOG_COMPRESS" default:"true"`
}

// TracingConfig defines OpenTelemetry export. Tracing is enabled when an
// endpoint is configured.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME" default:"edgeproxy"`
	SampleRate  float64 `yaml:"sample_rate" env:"OTEL_TRACES_SAMPLER_ARG" default:"1.0"`
}

// Enabled reports whether tracing export is configured.
func (t TracingConfig) Enabled() bool {
	return t.Endpoint != ""
}
