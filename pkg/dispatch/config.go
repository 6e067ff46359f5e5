package dispatch

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the coordination layer's tuning knobs.
type Config struct {
	HeartbeatTimeout time.Duration `env:"DISPATCH_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	ReapInterval     time.Duration `env:"DISPATCH_REAP_INTERVAL" envDefault:"5s"`
	GraceWindow      time.Duration `env:"DISPATCH_GRACE_WINDOW" envDefault:"3s"`
	Retention        time.Duration `env:"DISPATCH_RETENTION" envDefault:"10m"`
	SessionQueue     int           `env:"DISPATCH_SESSION_QUEUE" envDefault:"256"`
	CallInbox        int           `env:"DISPATCH_CALL_INBOX" envDefault:"128"`
	AuditTimeout     time.Duration `env:"DISPATCH_AUDIT_TIMEOUT" envDefault:"5s"`
	// involuntary releases retry this many times while the audit sink is down
	ReleaseRetries    int           `env:"DISPATCH_RELEASE_RETRIES" envDefault:"5"`
	ReleaseRetryDelay time.Duration `env:"DISPATCH_RELEASE_RETRY_DELAY" envDefault:"1s"`
	IndexSize         int           `env:"DISPATCH_INDEX_SIZE" envDefault:"4096"`
	EscalationAckSLA  time.Duration `env:"DISPATCH_ESCALATION_ACK_SLA" envDefault:"2m"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:  30 * time.Second,
		ReapInterval:      5 * time.Second,
		GraceWindow:       3 * time.Second,
		Retention:         10 * time.Minute,
		SessionQueue:      256,
		CallInbox:         128,
		AuditTimeout:      5 * time.Second,
		ReleaseRetries:    5,
		ReleaseRetryDelay: time.Second,
		IndexSize:         4096,
		EscalationAckSLA:  2 * time.Minute,
	}
}

// LoadConfig parses DISPATCH_* variables from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SessionQueue <= 0 {
		c.SessionQueue = d.SessionQueue
	}
	if c.CallInbox <= 0 {
		c.CallInbox = d.CallInbox
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = d.AuditTimeout
	}
	if c.ReleaseRetries < 0 {
		c.ReleaseRetries = 0
	}
	if c.ReleaseRetryDelay <= 0 {
		c.ReleaseRetryDelay = d.ReleaseRetryDelay
	}
	if c.IndexSize <= 0 {
		c.IndexSize = d.IndexSize
	}
	if c.EscalationAckSLA <= 0 {
		c.EscalationAckSLA = d.EscalationAckSLA
	}
	return c
}
