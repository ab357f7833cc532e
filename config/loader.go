package config

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wudi/edgeproxy/internal/cidr"
	"github.com/wudi/edgeproxy/internal/errors"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Loader builds a Config from the process environment.
type Loader struct {
	lookup   LookupFunc
	envFiles []string
	secrets  *SecretRegistry
}

// NewLoader creates a loader reading os environment, with the env and file
// secret providers registered.
func NewLoader() *Loader {
	secrets := NewSecretRegistry()
	secrets.Register(&EnvProvider{})
	secrets.Register(&FileProvider{})
	return &Loader{
		lookup:  os.LookupEnv,
		secrets: secrets,
	}
}

// WithEnvFiles loads the given dotenv files before reading the environment.
// Variables already present in the environment are not overridden. A missing
// ".env" is ignored; any other missing file is an error.
func (l *Loader) WithEnvFiles(files ...string) *Loader {
	l.envFiles = append(l.envFiles, files...)
	return l
}

// WithLookup replaces the environment lookup (used by tests).
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	l.lookup = fn
	return l
}

// Load loads the configuration from the environment and validates it.
func Load() (*Config, error) {
	return NewLoader().WithEnvFiles(".env").Load(context.Background())
}

// Load reads, resolves and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil {
			if f == ".env" && os.IsNotExist(err) {
				continue
			}
			return nil, errors.Config(f, fmt.Errorf("load env file: %w", err))
		}
	}

	cfg := &Config{}
	if err := l.populate(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}

	if err := resolveSecretRefs(cfg, l.secrets, ctx); err != nil {
		return nil, errors.Config("secrets", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// populate walks struct fields carrying an `env` tag, applying the
// environment value or the `default` tag.
func (l *Loader) populate(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if f.Kind() == reflect.Struct && sf.Tag.Get("env") == "" {
			if err := l.populate(f); err != nil {
				return err
			}
			continue
		}
		key := sf.Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := l.lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			raw, ok = sf.Tag.Lookup("default")
			if !ok {
				continue
			}
		}
		if err := setField(f, strings.TrimSpace(raw)); err != nil {
			return errors.Config(key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		f.SetInt(int64(d))
		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		f.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		f.SetFloat(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", f.Type())
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		f.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

// Validate checks cross-field constraints. Every failure is a ConfigError.
func Validate(cfg *Config) error {
	v4, _, err := cidr.ParseList(strings.Join(cfg.Access.AllowedIPv4, ","))
	if err != nil {
		return errors.Config("ALLOWED_IPV4_CIDRS", err)
	}
	if len(v4.V6) > 0 {
		return errors.Configf("ALLOWED_IPV4_CIDRS", "IPv6 range %s in IPv4 allow-list", v4.V6[0])
	}
	v6, _, err := cidr.ParseList(strings.Join(cfg.Access.AllowedIPv6, ","))
	if err != nil {
		return errors.Config("ALLOWED_IPV6_CIDRS", err)
	}
	if len(v6.V4) > 0 {
		return errors.Configf("ALLOWED_IPV6_CIDRS", "IPv4 range %s in IPv6 allow-list", v6.V4[0])
	}
	if _, _, err := cidr.ParseList(strings.Join(cfg.Access.TrustedProxies, ",")); err != nil {
		return errors.Config("TRUSTED_PROXY_CIDRS", err)
	}

	if cfg.Routing.ArcServer != "" {
		if err := validateAuthority(cfg.Routing.ArcServer); err != nil {
			return errors.Config("MFDLABS_ARC_SERVER", err)
		}
	}
	for _, rw := range cfg.Routing.Rewrites {
		src, dst, ok := strings.Cut(rw, "=")
		if !ok || strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
			return errors.Configf("HOST_REWRITES", "entry %q must have the form source=target", rw)
		}
	}
	if cfg.Routing.CacheSize < 0 {
		return errors.Configf("HOST_RESOLUTION_CACHE_SIZE", "must not be negative")
	}

	if cfg.Rules.Directory != "" {
		fi, err := os.Stat(cfg.Rules.Directory)
		if err != nil {
			return errors.Config("RULES_DIRECTORY", err)
		}
		if !fi.IsDir() {
			return errors.Configf("RULES_DIRECTORY", "%s is not a directory", cfg.Rules.Directory)
		}
	}

	switch cfg.Upstream.Scheme {
	case "http", "https":
	default:
		return errors.Configf("UPSTREAM_SCHEME", "must be http or https, got %q", cfg.Upstream.Scheme)
	}
	for _, ns := range cfg.Upstream.Resolvers {
		host := ns
		if h, _, err := net.SplitHostPort(ns); err == nil {
			host = h
		}
		if _, err := netip.ParseAddr(host); err != nil {
			return errors.Configf("UPSTREAM_DNS_SERVERS", "nameserver %q must be an IP address", ns)
		}
	}

	if (cfg.Listeners.CertFile == "") != (cfg.Listeners.KeyFile == "") {
		return errors.Configf("TLS_CERT_FILE", "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.Listeners.EnableHTTP3 && !cfg.Listeners.TLSEnabled() {
		return errors.Configf("ENABLE_HTTP3", "HTTP/3 requires TLS_CERT_FILE and TLS_KEY_FILE")
	}
	if cfg.Listeners.HTTPAddress == "" && !cfg.Listeners.TLSEnabled() {
		return errors.Configf("HTTP_LISTEN_ADDR", "no listener configured")
	}

	if err := validateTelemetry(cfg.Telemetry); err != nil {
		return err
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return errors.Configf("OTEL_TRACES_SAMPLER_ARG", "sample rate must be within [0,1], got %v", cfg.Tracing.SampleRate)
	}
	return nil
}

func validateTelemetry(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if t.MeasurementID == "" {
		return errors.Configf("GA4_MEASUREMENT_ID", "required when ENABLE_GA4_CLIENT is true")
	}
	if t.APISecret == "" {
		return errors.Configf("GA4_API_SECRET", "required when ENABLE_GA4_CLIENT is true")
	}
	u, err := url.Parse(t.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Configf("GA4_ENDPOINT", "invalid endpoint %q", t.Endpoint)
	}
	if t.EventName == "" {
		return errors.Configf("GA4_EVENT_NAME", "must not be empty")
	}
	if t.Timeout <= 0 {
		return errors.Configf("GA4_TIMEOUT", "must be positive")
	}
	if t.Workers <= 0 {
		return errors.Configf("GA4_WORKERS", "must be positive")
	}
	if t.QueueSize <= 0 {
		return errors.Configf("GA4_QUEUE_SIZE", "must be positive")
	}
	return nil
}

// validateAuthority accepts "host" or "host:port".
func validateAuthority(s string) error {
	if strings.Contains(s, "/") {
		return fmt.Errorf("%q must be a host or host:port, not a URL", s)
	}
	host := s
	if h, port, err := net.SplitHostPort(s); err == nil {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("invalid port in %q", s)
		}
		host = h
	}
	if host == "" {
		return fmt.Errorf("empty host in %q", s)
	}
	return nil
}
