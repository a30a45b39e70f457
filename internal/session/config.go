package session

import (
	"crypto/tls"
	"time"

	"github.com/mailcore/engine/internal/auth"
	"github.com/mailcore/engine/internal/proxyproto"
)

// Config bundles everything a Session needs that's shared across an
// entire listener, mirroring spec.md §6's per-port ListenerConfig plus
// the process-wide settings a session consults directly.
type Config struct {
	// Hostname is used in the greeting and Received header.
	Hostname string
	// ServiceName is appended to the greeting line, e.g. "ESMTP mailengine".
	ServiceName string

	// MaxDataSize bounds a message body, advertised via SIZE.
	MaxDataSize int64
	// MaxChunkSize bounds a single BDAT chunk.
	MaxChunkSize int64
	// MaxRecipients bounds the number of RCPT commands per transaction.
	MaxRecipients int

	ImplicitTLS     bool
	EnableStartTLS  bool
	TLSConfig       *tls.Config
	TLSHandshakeTimeout time.Duration

	EnableAuth         bool
	RequireAuthForMail bool
	Authr              *auth.Authenticator

	ProxyProtocol bool
	TrustedCIDRs  *proxyproto.TrustedCIDRs

	EnableVRFY bool
	EnableEXPN bool
	EnableETRN bool
	UserHandler        UserHandler
	MailingListHandler MailingListHandler

	MaxConnectionsPerIP     int
	MaxMessagesPerIPPerHour int
	Limiter                 Limiter
	AuthLimiter             AuthLimiter

	Routing   RoutingPolicy
	Processor Processor

	Hooks        EventHook
	Interceptors CommandInterceptor

	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	// MaxErrors closes the connection after this many 4xx/5xx responses
	// (chasquid's cross-protocol-attack mitigation).
	MaxErrors int
}

func (c *Config) maxErrors() int {
	if c.MaxErrors <= 0 {
		return 3
	}
	return c.MaxErrors
}

func (c *Config) commandTimeout() time.Duration {
	if c.CommandTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.CommandTimeout
}

func (c *Config) dataTimeout() time.Duration {
	if c.DataTimeout <= 0 {
		return 10 * time.Minute
	}
	return c.DataTimeout
}

func (c *Config) maxRecipients() int {
	if c.MaxRecipients <= 0 {
		return 100
	}
	return c.MaxRecipients
}

func (c *Config) maxDataSize() int64 {
	if c.MaxDataSize <= 0 {
		return 32 << 20
	}
	return c.MaxDataSize
}
