// Package config loads the engine's YAML configuration file into a plain
// Go struct, mirroring spec.md §6's external interfaces: process-wide
// settings plus one entry per listener. It follows
// albertito-chasquid/internal/config's Load(path, overrides)-with-
// defaults-then-override shape, adapted from chasquid's prototext
// encoding to YAML (this engine carries no protobuf toolchain) and from
// abligh-goms/smtpd/config.go's Config/ServerConfig split for the actual
// field shape (listeners as a list; TLS material here is one
// process-wide block rather than nested under each listener).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration, loaded from YAML.
type Config struct {
	Hostname string `yaml:"hostname"`

	MailboxDir string `yaml:"mailbox_dir"`
	SpoolDir   string `yaml:"spool_dir"`
	TempDir    string `yaml:"temp_dir"`
	ListsDir   string `yaml:"lists_dir"`

	// LocalDomains are the domains RoutingPolicy.IsLocal considers
	// local, per spec.md §6's "configured local domain(s)".
	LocalDomains []string `yaml:"local_domains"`

	TLS TLSConfig `yaml:"tls"`

	Features      FeatureToggles  `yaml:"features"`
	RateLimits    RateLimitConfig `yaml:"rate_limits"`
	Retry         RetryConfig     `yaml:"retry"`
	TrustedProxyCIDRs []string    `yaml:"trusted_proxy_cidrs"`

	Listeners []ListenerConfig `yaml:"listeners"`
}

// TLSConfig names the process-wide certificate and policy; individual
// listeners only toggle whether/how TLS applies.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// MinVersion is "TLSv1.2" or "TLSv1.3", per spec.md §6.
	MinVersion string `yaml:"min_version"`
	// CipherSuites names TLS 1.2 cipher suites by their Go constant name
	// (e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"); empty means the
	// runtime default list.
	CipherSuites []string `yaml:"cipher_suites"`
}

// ListenerConfig is one port's configuration, per spec.md §6's
// "Listener configuration (per port)" list.
type ListenerConfig struct {
	Port               int    `yaml:"port"`
	ServiceName        string `yaml:"service_name"`
	ImplicitTLS        bool   `yaml:"implicit_tls"`
	EnableStartTLS     bool   `yaml:"enable_start_tls"`
	EnableAuth         bool   `yaml:"enable_auth"`
	RequireAuthForMail bool   `yaml:"require_auth_for_mail"`
	ProxyProtocol      bool   `yaml:"proxy_protocol"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
}

// FeatureToggles gates the optional ESMTP verbs spec.md §6 lists.
type FeatureToggles struct {
	VRFY bool `yaml:"vrfy"`
	EXPN bool `yaml:"expn"`
	ETRN bool `yaml:"etrn"`
}

// RateLimitConfig mirrors spec.md §4.10's connection/message and AUTH
// limiter parameters.
type RateLimitConfig struct {
	MaxConnectionsPerIP     int `yaml:"max_connections_per_ip"`
	MaxMessagesPerIPPerHour int `yaml:"max_messages_per_ip_per_hour"`
}

// RetryConfig mirrors spec.md §6's "spool retry policy (max retries,
// base delay, worker concurrency, trigger cooldown)".
type RetryConfig struct {
	MaxRetries             int `yaml:"max_retries"`
	BaseDelaySeconds       int `yaml:"base_delay_seconds"`
	MaxDelaySeconds        int `yaml:"max_delay_seconds"`
	WorkerConcurrency      int `yaml:"worker_concurrency"`
	BatchSize              int `yaml:"batch_size"`
	TriggerCooldownSeconds int `yaml:"trigger_cooldown_seconds"`
	ShutdownCeilingSeconds int `yaml:"shutdown_ceiling_seconds"`
}

// defaultConfig mirrors chasquid's package-level defaultConfig: a
// complete, valid zero-argument starting point that Load overrides from
// whatever the file (and then the caller-supplied overrides) specify.
var defaultConfig = Config{
	Hostname:   "",
	MailboxDir: "/var/lib/mailengine/mailboxes",
	SpoolDir:   "/var/lib/mailengine/spool",
	TempDir:    "/var/lib/mailengine/tmp",
	TLS: TLSConfig{
		MinVersion: "TLSv1.2",
	},
	RateLimits: RateLimitConfig{
		MaxConnectionsPerIP:     20,
		MaxMessagesPerIPPerHour: 200,
	},
	Retry: RetryConfig{
		MaxRetries:             20,
		BaseDelaySeconds:       60,
		MaxDelaySeconds:        3600,
		WorkerConcurrency:      4,
		BatchSize:              16,
		TriggerCooldownSeconds: 2,
		ShutdownCeilingSeconds: 30,
	},
	Listeners: []ListenerConfig{
		{Port: 25, ServiceName: "mailengine", IdleTimeoutSeconds: 300},
	},
}

// Load reads path, applies it over defaultConfig, then applies overrides
// (a YAML document, e.g. assembled from command-line flags; pass ""
// for none) over the result, exactly like chasquid's two-stage
// Load(path, overrides). If Hostname is still empty afterward, it falls
// back to os.Hostname(), same as chasquid.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	var fromFile Config
	if err := yaml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	override(&c, &fromFile)

	if overrides != "" {
		var fromOverrides Config
		if err := yaml.Unmarshal([]byte(overrides), &fromOverrides); err != nil {
			return nil, fmt.Errorf("config: parsing overrides: %w", err)
		}
		override(&c, &fromOverrides)
	}

	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: could not get hostname: %w", err)
		}
		c.Hostname = h
	}

	if len(c.Listeners) == 0 {
		return nil, fmt.Errorf("config: at least one listener is required")
	}

	return &c, nil
}

// override copies every non-zero field set in o onto c, the same
// field-by-field merge chasquid's config.override performs (a library
// that did structural zero-value merging, like mergo, would save the
// repetition, but chasquid doesn't reach for one here and the field list
// is short enough that hand-written merge stays readable).
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MailboxDir != "" {
		c.MailboxDir = o.MailboxDir
	}
	if o.SpoolDir != "" {
		c.SpoolDir = o.SpoolDir
	}
	if o.TempDir != "" {
		c.TempDir = o.TempDir
	}
	if o.ListsDir != "" {
		c.ListsDir = o.ListsDir
	}

	if o.TLS.CertFile != "" {
		c.TLS.CertFile = o.TLS.CertFile
	}
	if o.TLS.KeyFile != "" {
		c.TLS.KeyFile = o.TLS.KeyFile
	}
	if o.TLS.MinVersion != "" {
		c.TLS.MinVersion = o.TLS.MinVersion
	}
	if len(o.TLS.CipherSuites) > 0 {
		c.TLS.CipherSuites = o.TLS.CipherSuites
	}

	if o.Features != (FeatureToggles{}) {
		c.Features = o.Features
	}

	if o.RateLimits.MaxConnectionsPerIP > 0 {
		c.RateLimits.MaxConnectionsPerIP = o.RateLimits.MaxConnectionsPerIP
	}
	if o.RateLimits.MaxMessagesPerIPPerHour > 0 {
		c.RateLimits.MaxMessagesPerIPPerHour = o.RateLimits.MaxMessagesPerIPPerHour
	}

	if o.Retry.MaxRetries > 0 {
		c.Retry.MaxRetries = o.Retry.MaxRetries
	}
	if o.Retry.BaseDelaySeconds > 0 {
		c.Retry.BaseDelaySeconds = o.Retry.BaseDelaySeconds
	}
	if o.Retry.MaxDelaySeconds > 0 {
		c.Retry.MaxDelaySeconds = o.Retry.MaxDelaySeconds
	}
	if o.Retry.WorkerConcurrency > 0 {
		c.Retry.WorkerConcurrency = o.Retry.WorkerConcurrency
	}
	if o.Retry.BatchSize > 0 {
		c.Retry.BatchSize = o.Retry.BatchSize
	}
	if o.Retry.TriggerCooldownSeconds > 0 {
		c.Retry.TriggerCooldownSeconds = o.Retry.TriggerCooldownSeconds
	}
	if o.Retry.ShutdownCeilingSeconds > 0 {
		c.Retry.ShutdownCeilingSeconds = o.Retry.ShutdownCeilingSeconds
	}

	if len(o.TrustedProxyCIDRs) > 0 {
		c.TrustedProxyCIDRs = o.TrustedProxyCIDRs
	}
	if len(o.LocalDomains) > 0 {
		c.LocalDomains = o.LocalDomains
	}
	if len(o.Listeners) > 0 {
		c.Listeners = o.Listeners
	}
}

// IdleTimeout returns l's idle timeout as a time.Duration, falling back
// to 5 minutes when unset.
func (l ListenerConfig) IdleTimeout() time.Duration {
	if l.IdleTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

// BaseDelay, MaxDelay, TriggerCooldown and ShutdownCeiling convert
// RetryConfig's YAML-friendly integer-seconds fields into
// time.Duration, the shape internal/spool, internal/worker and
// internal/session actually consume.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

func (r RetryConfig) TriggerCooldown() time.Duration {
	return time.Duration(r.TriggerCooldownSeconds) * time.Second
}

func (r RetryConfig) ShutdownCeiling() time.Duration {
	return time.Duration(r.ShutdownCeilingSeconds) * time.Second
}
