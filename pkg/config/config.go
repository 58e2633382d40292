// Package config loads and validates the synchronization core's configuration:
// source database connection, CRM client behavior, sync cycle timing, retry
// queue policy, plan projector policy, and the ambient logging/notification
// concerns. See sync.yaml in the config directory for the recognized options.
package config

// Config is the umbrella configuration object produced by Initialize.
// Its sections are passed explicitly into component constructors rather
// than read from a package-level singleton.
type Config struct {
	configDir string

	Source  SourceConfig  `yaml:"source"`
	CRM     CRMConfig     `yaml:"crm"`
	Sync    SyncConfig    `yaml:"sync"`
	Queue   QueueConfig   `yaml:"queue"`
	Plans   PlansConfig   `yaml:"plans"`
	Logging LoggingConfig `yaml:"logging"`
	Stages  StagesConfig  `yaml:"stages"`
	Notify  NotifyConfig  `yaml:"notify"`
	Admin   AdminConfig   `yaml:"admin"`
}

// SourceConfig describes the read-only appointment database connection.
type SourceConfig struct {
	Server            string   `yaml:"server" validate:"required"`
	Database          string   `yaml:"database" validate:"required"`
	Username          string   `yaml:"username" validate:"required"`
	Password          string   `yaml:"password" validate:"required"`
	Port              int      `yaml:"port" validate:"required,min=1,max=65535"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	QueryTimeout      Duration `yaml:"query_timeout"`
}

// CRMConfig describes the CRM HTTP client's behavior.
type CRMConfig struct {
	WebhookURL  string     `yaml:"webhook_url" validate:"required,url"`
	MaxRetries  int        `yaml:"max_retries" validate:"min=1"`
	RetryDelays []Duration `yaml:"retry_delays" validate:"min=1,dive,min=0"`
	RateLimit   float64    `yaml:"rate_limit" validate:"gt=0"`
	CallTimeout Duration   `yaml:"call_timeout"`
}

// SyncConfig controls the scheduler's cycle timing and scope.
type SyncConfig struct {
	IntervalMinutes int `yaml:"interval_minutes" validate:"min=1"`
	BatchSize       int `yaml:"batch_size" validate:"min=1"`
	InitialSyncDays int `yaml:"initial_sync_days" validate:"min=0"`
	FilialID        int `yaml:"filial_id" validate:"min=1,max=5"`
}

// QueueConfig controls the retry queue's durable store and retry policy.
type QueueConfig struct {
	StorePath        string `yaml:"store_path" validate:"required"`
	MaxQueueSize     int    `yaml:"max_queue_size" validate:"min=1"`
	MaxRetryAttempts int    `yaml:"max_retry_attempts" validate:"min=1"`
	WatermarkPath    string `yaml:"watermark_path" validate:"required"`
}

// PlansConfig controls the treatment-plan projector's cache and throttle.
type PlansConfig struct {
	CachePath       string   `yaml:"cache_path" validate:"required"`
	MaxCacheEntries int      `yaml:"max_cache_entries" validate:"min=1"`
	ThrottleMinutes Duration `yaml:"throttle_minutes"`
}

// LoggingConfig is an external/ambient concern: the core only reads
// MaskPersonalData directly (the rest informs the process's log handler
// setup in cmd/synccore).
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Directory        string `yaml:"directory"`
	RotationDays     int    `yaml:"rotation_days"`
	MaskPersonalData bool   `yaml:"mask_personal_data"`
}

// StagesConfig injects the CRM's stage identifiers as opaque configured
// strings (Design Notes: avoid binding stage identifiers into code).
type StagesConfig struct {
	New               StageID `yaml:"new"`
	ContactMade       StageID `yaml:"contact_made"`
	Treatment         StageID `yaml:"treatment"`
	CompletedUnpaid   StageID `yaml:"completed_unpaid"`
	Won               StageID `yaml:"won"`
	Lose              StageID `yaml:"lose"`
	PrepaymentInvoice StageID `yaml:"prepayment_invoice"`
	FinalInvoice      StageID `yaml:"final_invoice"`
	Executing         StageID `yaml:"executing"`
	Apology           StageID `yaml:"apology"`
}

// StageID is an opaque CRM stage identifier supplied by configuration.
type StageID string

// NotifyConfig controls the optional operational Slack notifier.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// AdminConfig controls the diagnostic HTTP surface (health/stats/metrics).
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ConfigDir returns the directory Config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Ordered returns the stage enumeration in ascending order, smallest to
// largest. WON and LOSE are the final stages.
func (s StagesConfig) Ordered() []StageID {
	return []StageID{s.New, s.ContactMade, s.Treatment, s.CompletedUnpaid, s.Won}
}

// Final returns the set of final (immutable) stages.
func (s StagesConfig) Final() map[StageID]bool {
	return map[StageID]bool{s.Won: true, s.Lose: true}
}

// Protected returns the set of protected stages: final plus the
// protected-but-non-terminal manual stages.
func (s StagesConfig) Protected() map[StageID]bool {
	protected := s.Final()
	protected[s.PrepaymentInvoice] = true
	protected[s.FinalInvoice] = true
	protected[s.Executing] = true
	protected[s.Apology] = true
	return protected
}
