package optname

// Flag names double as viper keys. The engine-facing configuration keys in
// config.Settings are these names with dashes swapped for underscores.
const (
	AutoStart              = "auto-start"
	ChunkNumber            = "global-chunk-number"
	ChunkSize              = "global-chunk-size"
	ConfigFile             = "config"
	ConnTimeout            = "connect-timeout"
	DownloadDir            = "download-dir"
	Extract                = "extract"
	Force                  = "force"
	LoggingLevel           = "log-level"
	MaxConcurrentDownloads = "max-concurrent-downloads"
	MaxSpeedLimit          = "max-speed-limit"
	MinSplitSize           = "min-split-size"
	ProbeMaxConnections    = "probe-max-connections"
	Proxy                  = "proxy"
	ResumeOnStartup        = "resume-on-startup"
	RetryAttempts          = "retry-attempts"
	RetryBackoff           = "retry-backoff"
	RetryBackoffMax        = "retry-backoff-max"
	StateDir               = "state-dir"
	Timeout                = "timeout"
	UserAgent              = "user-agent"
	Verbose                = "verbose"
)
