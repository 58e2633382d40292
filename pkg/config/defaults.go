package config

import "time"

// Defaults returns a Config populated with the operational defaults.
// Loaded YAML is merged on top of this via mergo so that unset options
// fall back to sane values.
func Defaults() *Config {
	return &Config{
		Source: SourceConfig{
			Port:              5432,
			ConnectionTimeout: Duration(10 * time.Second),
			QueryTimeout:      Duration(30 * time.Second),
		},
		CRM: CRMConfig{
			MaxRetries:  3,
			RetryDelays: []Duration{Duration(1 * time.Second), Duration(5 * time.Second), Duration(15 * time.Second)},
			RateLimit:   2,
			CallTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			IntervalMinutes: 2,
			BatchSize:       50,
			InitialSyncDays: 7,
			FilialID:        1,
		},
		Queue: QueueConfig{
			StorePath:        "./data/queue.store",
			MaxQueueSize:     1000,
			MaxRetryAttempts: 5,
			WatermarkPath:    "./data/watermark.txt",
		},
		Plans: PlansConfig{
			CachePath:       "./data/plan_cache.store",
			MaxCacheEntries: 10000,
			ThrottleMinutes: Duration(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:            "info",
			MaskPersonalData: true,
		},
		Stages: StagesConfig{
			New:               "NEW",
			ContactMade:       "CONTACT_MADE",
			Treatment:         "TREATMENT",
			CompletedUnpaid:   "COMPLETED_UNPAID",
			Won:               "WON",
			Lose:              "LOSE",
			PrepaymentInvoice: "PREPAYMENT_INVOICE",
			FinalInvoice:      "FINAL_INVOICE",
			Executing:         "EXECUTING",
			Apology:           "APOLOGY",
		},
		Notify: NotifyConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		Admin: AdminConfig{
			ListenAddr: ":8080",
		},
	}
}
