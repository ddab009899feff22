package config

const (
	defaultDataDir              = "~/.local/share/radonflow"
	defaultLogDir               = "~/.local/share/radonflow/logs"
	defaultAPIBind              = "127.0.0.1:6500"
	defaultCatalogFile          = "catalog.db"
	defaultMinProbability       = 1.0
	defaultMaxConcurrency       = 8
	defaultPollInterval         = 5
	defaultErrorRetryInterval   = 10
	defaultStoreBackoffMax      = 300
	defaultBatchSize            = 200
	defaultLeaseTTL             = 120
	defaultLeaseRenewInterval   = 30
	defaultMaxAttempts          = 5
	defaultBackoffBase          = 30
	defaultBackoffCap           = 1800
	defaultConvergenceCap       = 100
	defaultCacheTTL             = 10
	defaultCacheMaxEntries      = 10000
	defaultStageTimeout         = 600
	defaultFetchTimeout         = 120
	defaultAugmentTimeout       = 900
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultNtfyRequestTimeout   = 10
	defaultBandSet              = "griz"
	defaultWorkerCommandPattern = "radonflow-%s"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	bands := make([]string, 0, len(defaultBandSet))
	for _, r := range defaultBandSet {
		bands = append(bands, string(r))
	}
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Catalog: Catalog{
			MinProbability: defaultMinProbability,
			Bands:          bands,
		},
		Dispatch: Dispatch{
			MaxConcurrency:     defaultMaxConcurrency,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			StoreBackoffMax:    defaultStoreBackoffMax,
			BatchSize:          defaultBatchSize,
			LeaseTTL:           defaultLeaseTTL,
			LeaseRenewInterval: defaultLeaseRenewInterval,
		},
		Retry: Retry{
			MaxAttempts: defaultMaxAttempts,
			BackoffBase: defaultBackoffBase,
			BackoffCap:  defaultBackoffCap,
		},
		Aggregation: Aggregation{
			ConvergenceCap: defaultConvergenceCap,
		},
		Cache: Cache{
			TTL:        defaultCacheTTL,
			MaxEntries: defaultCacheMaxEntries,
		},
		Stages: Stages{
			Fetch:   Stage{Enabled: true, Timeout: defaultFetchTimeout},
			Radon:   Stage{Enabled: true, Timeout: defaultStageTimeout},
			Augment: Stage{Enabled: true, Timeout: defaultAugmentTimeout},
		},
		Logging: Logging{
			Format:         defaultLogFormat,
			Level:          defaultLogLevel,
			RetentionDays:  defaultLogRetentionDays,
			StageOverrides: map[string]string{},
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
	}
}
