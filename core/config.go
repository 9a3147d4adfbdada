package core

import (
	"fmt"
	"strings"
	"time"
)

type CodeReusePolicy string

const (
	// CodeReuseRelease frees a failed redemption's reservation so a new
	// redemption may claim the code.
	CodeReuseRelease CodeReusePolicy = "release"
	// CodeReuseRetain keeps the reservation with the failed redemption; only
	// an operator retry of that redemption can use the code again.
	CodeReuseRetain CodeReusePolicy = "retain"
)

type WorkflowConfig struct {
	ContactTimeout           time.Duration   `koanf:"contact_timeout" mapstructure:"contact_timeout" yaml:"contact_timeout" env:"CONTACT_TIMEOUT"`
	ContactPollInterval      time.Duration   `koanf:"contact_poll_interval" mapstructure:"contact_poll_interval" yaml:"contact_poll_interval" env:"CONTACT_POLL_INTERVAL"`
	CodeReusePolicy          CodeReusePolicy `koanf:"code_reuse_policy" mapstructure:"code_reuse_policy" yaml:"code_reuse_policy" env:"CODE_REUSE_POLICY"`
	VerifyManualConfirmation bool            `koanf:"verify_manual_confirmation" mapstructure:"verify_manual_confirmation" yaml:"verify_manual_confirmation" env:"VERIFY_MANUAL_CONFIRMATION"`
	SuppressRecipientNotices bool            `koanf:"suppress_recipient_notices" mapstructure:"suppress_recipient_notices" yaml:"suppress_recipient_notices" env:"SUPPRESS_RECIPIENT_NOTICES"`
}

type StepRetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff" yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff" yaml:"max_backoff" env:"MAX_BACKOFF"`
}

type RetryConfig struct {
	ContactRequest StepRetryConfig `koanf:"contact_request" mapstructure:"contact_request" yaml:"contact_request" envPrefix:"CONTACT_REQUEST_"`
	ContactPoll    StepRetryConfig `koanf:"contact_poll" mapstructure:"contact_poll" yaml:"contact_poll" envPrefix:"CONTACT_POLL_"`
}

type SchedulerConfig struct {
	Workers      int           `koanf:"workers" mapstructure:"workers" yaml:"workers" env:"WORKERS"`
	TickInterval time.Duration `koanf:"tick_interval" mapstructure:"tick_interval" yaml:"tick_interval" env:"TICK_INTERVAL"`
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	LeaseTTL     time.Duration `koanf:"lease_ttl" mapstructure:"lease_ttl" yaml:"lease_ttl" env:"LEASE_TTL"`
	LockWait     time.Duration `koanf:"lock_wait" mapstructure:"lock_wait" yaml:"lock_wait" env:"LOCK_WAIT"`
}

type SessionConfig struct {
	QueueSize            int           `koanf:"queue_size" mapstructure:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	OperationTimeout     time.Duration `koanf:"operation_timeout" mapstructure:"operation_timeout" yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	ReconnectMaxAttempts int           `koanf:"reconnect_max_attempts" mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay" mapstructure:"reconnect_base_delay" yaml:"reconnect_base_delay" env:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay" mapstructure:"reconnect_max_delay" yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY"`
	CallsPerSecond       float64       `koanf:"calls_per_second" mapstructure:"calls_per_second" yaml:"calls_per_second" env:"CALLS_PER_SECOND"`
	Burst                int           `koanf:"burst" mapstructure:"burst" yaml:"burst" env:"BURST"`
}

type NotifierConfig struct {
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff" yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff" yaml:"max_backoff" env:"MAX_BACKOFF"`
}

type SubmissionConfig struct {
	PerMinute float64 `koanf:"per_minute" mapstructure:"per_minute" yaml:"per_minute" env:"PER_MINUTE"`
	Burst     int     `koanf:"burst" mapstructure:"burst" yaml:"burst" env:"BURST"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver" yaml:"driver" env:"DRIVER"`
	DSN    string `koanf:"dsn" mapstructure:"dsn" yaml:"dsn" env:"DSN"`
	Debug  bool   `koanf:"debug" mapstructure:"debug" yaml:"debug" env:"DEBUG"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
	Workflow    WorkflowConfig   `koanf:"workflow" mapstructure:"workflow" yaml:"workflow" envPrefix:"WORKFLOW_"`
	Retry       RetryConfig      `koanf:"retry" mapstructure:"retry" yaml:"retry" envPrefix:"RETRY_"`
	Scheduler   SchedulerConfig  `koanf:"scheduler" mapstructure:"scheduler" yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Session     SessionConfig    `koanf:"session" mapstructure:"session" yaml:"session" envPrefix:"SESSION_"`
	Notifier    NotifierConfig   `koanf:"notifier" mapstructure:"notifier" yaml:"notifier" envPrefix:"NOTIFIER_"`
	Submission  SubmissionConfig `koanf:"submission" mapstructure:"submission" yaml:"submission" envPrefix:"SUBMISSION_"`
	Database    DatabaseConfig   `koanf:"database" mapstructure:"database" yaml:"database" envPrefix:"DATABASE_"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "redemptions",
		Workflow: WorkflowConfig{
			ContactTimeout:      24 * time.Hour,
			ContactPollInterval: 30 * time.Second,
			CodeReusePolicy:     CodeReuseRelease,
		},
		Retry: RetryConfig{
			ContactRequest: StepRetryConfig{
				MaxAttempts:    5,
				InitialBackoff: 5 * time.Second,
				MaxBackoff:     5 * time.Minute,
			},
			ContactPoll: StepRetryConfig{
				MaxAttempts:    5,
				InitialBackoff: 5 * time.Second,
				MaxBackoff:     5 * time.Minute,
			},
		},
		Scheduler: SchedulerConfig{
			Workers:      4,
			TickInterval: time.Second,
			BatchSize:    50,
			LeaseTTL:     2 * time.Minute,
			LockWait:     5 * time.Second,
		},
		Session: SessionConfig{
			QueueSize:            256,
			OperationTimeout:     30 * time.Second,
			ReconnectMaxAttempts: 5,
			ReconnectBaseDelay:   5 * time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			Burst:                1,
		},
		Notifier: NotifierConfig{
			BatchSize:      50,
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		Submission: SubmissionConfig{
			Burst: 5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch c.Workflow.CodeReusePolicy {
	case CodeReuseRelease, CodeReuseRetain:
	default:
		return fmt.Errorf("core: workflow.code_reuse_policy must be %q or %q, got %q",
			CodeReuseRelease, CodeReuseRetain, c.Workflow.CodeReusePolicy)
	}
	if c.Workflow.ContactTimeout <= 0 {
		return fmt.Errorf("core: workflow.contact_timeout must be positive")
	}
	if c.Workflow.ContactPollInterval <= 0 {
		return fmt.Errorf("core: workflow.contact_poll_interval must be positive")
	}
	for name, step := range map[string]StepRetryConfig{
		"contact_request": c.Retry.ContactRequest,
		"contact_poll":    c.Retry.ContactPoll,
	} {
		if step.MaxAttempts <= 0 {
			return fmt.Errorf("core: retry.%s.max_attempts must be positive", name)
		}
		if step.InitialBackoff < 0 || step.MaxBackoff < 0 {
			return fmt.Errorf("core: retry.%s backoff must not be negative", name)
		}
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("core: scheduler.workers must be positive")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("core: scheduler.lease_ttl must be positive")
	}
	if c.Session.OperationTimeout > 0 && c.Session.OperationTimeout >= c.Scheduler.LeaseTTL {
		return fmt.Errorf("core: session.operation_timeout must be shorter than scheduler.lease_ttl")
	}
	if c.Submission.PerMinute < 0 || c.Session.CallsPerSecond < 0 {
		return fmt.Errorf("core: rate limits must not be negative")
	}
	return nil
}

func (c Config) ContactRequestPolicy() RetryPolicy {
	return retryPolicyFromConfig(c.Retry.ContactRequest)
}

func (c Config) ContactPollPolicy() RetryPolicy {
	return retryPolicyFromConfig(c.Retry.ContactPoll)
}

func retryPolicyFromConfig(step StepRetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    step.MaxAttempts,
		InitialBackoff: step.InitialBackoff,
		MaxBackoff:     step.MaxBackoff,
	}
}
