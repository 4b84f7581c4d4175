package config

import (
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/getsluice/sluice/pkg/optname"
)

const EnvPrefix = "SLUICE"

// StateDirName is the directory under download-dir holding task records
// when no explicit state-dir is configured.
const StateDirName = ".sluice"

func AddRootPersistentFlags(cmd *cobra.Command) error {
	// Persistent Flags (applies to all commands/subcommands)
	cmd.PersistentFlags().String(optname.ChunkSize, "1MiB", "Chunk size for ranged downloads (e.g. 8M, 1MiB)")
	cmd.PersistentFlags().IntP(optname.ChunkNumber, "n", 4, "Maximum number of chunks per file")
	cmd.PersistentFlags().String(optname.MaxSpeedLimit, "0", "Combined download speed limit (e.g. 1MiB/s), 0 for unlimited")
	cmd.PersistentFlags().Bool(optname.AutoStart, true, "Begin transfers immediately on enqueue")
	cmd.PersistentFlags().Bool(optname.ResumeOnStartup, false, "Reload persisted tasks at startup")
	cmd.PersistentFlags().String(optname.MinSplitSize, "10MiB", "Smallest file worth splitting into chunks")
	cmd.PersistentFlags().String(optname.UserAgent, "", "User-Agent header (default sluice/<version>)")
	cmd.PersistentFlags().String(optname.Proxy, "", "HTTP proxy URL (default taken from the environment)")
	cmd.PersistentFlags().StringP(optname.DownloadDir, "d", "downloads", "Directory for completed downloads")
	cmd.PersistentFlags().IntP(optname.MaxConcurrentDownloads, "j", 3, "Maximum number of tasks downloading at once")
	cmd.PersistentFlags().Duration(optname.Timeout, 30*time.Second, "Per-request timeout, format is <number><unit>, e.g. 30s")
	cmd.PersistentFlags().IntP(optname.RetryAttempts, "r", 3, "Number of retries for transient transfer errors")
	cmd.PersistentFlags().Duration(optname.ConnTimeout, 5*time.Second, "Timeout for establishing a connection")
	cmd.PersistentFlags().String(optname.StateDir, "", "Directory for task state records (default <download-dir>/"+StateDirName+")")
	cmd.PersistentFlags().BoolP(optname.Force, "f", false, "Force download, overwriting existing destination files")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String(optname.ConfigFile, "", "Path to a YAML config file, keys match the flag names")

	// Tuning knobs without flag surface, still reachable via environment
	// (e.g. SLUICE_RETRY_BACKOFF=2s).
	viper.SetDefault(optname.RetryBackoff, time.Second)
	viper.SetDefault(optname.RetryBackoffMax, 32*time.Second)
	viper.SetDefault(optname.ProbeMaxConnections, 16)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	return nil
}

func PersistentStartupProcessFlags() error {
	// The config file is merged before the log level is read so the file
	// can raise it. Set flags and environment still win over file values.
	if cfgFile := viper.GetString(optname.ConfigFile); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	setLogLevel(viper.GetString(optname.LoggingLevel))
	return nil
}

func setLogLevel(logLevel string) {
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Settings is the read-only configuration snapshot handed to the engine.
// It is consulted at admission and planning time; changes apply only to
// newly planned tasks, a persisted plan keeps the values it was made with.
type Settings struct {
	ChunkSize              int64
	ChunkNumber            int
	MaxSpeedLimit          int64
	AutoStart              bool
	ResumeOnStartup        bool
	MinSplitSize           int64
	UserAgent              string
	Proxy                  string
	DownloadDir            string
	StateDir               string
	MaxConcurrentDownloads int
	Timeout                time.Duration
	ConnTimeout            time.Duration
	RetryAttempts          int
	RetryBackoff           time.Duration
	RetryBackoffMax        time.Duration
	ProbeMaxConnections    int
}

// LoadSettings builds a validated Settings snapshot from the bound flag,
// environment and config-file values.
func LoadSettings() (Settings, error) {
	chunkSize, err := ParseSize(viper.GetString(optname.ChunkSize))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", optname.ChunkSize, err)
	}
	minSplitSize, err := ParseSize(viper.GetString(optname.MinSplitSize))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", optname.MinSplitSize, err)
	}
	speedLimit, err := ParseSpeed(viper.GetString(optname.MaxSpeedLimit))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", optname.MaxSpeedLimit, err)
	}

	settings := Settings{
		ChunkSize:              chunkSize,
		ChunkNumber:            viper.GetInt(optname.ChunkNumber),
		MaxSpeedLimit:          speedLimit,
		AutoStart:              viper.GetBool(optname.AutoStart),
		ResumeOnStartup:        viper.GetBool(optname.ResumeOnStartup),
		MinSplitSize:           minSplitSize,
		UserAgent:              viper.GetString(optname.UserAgent),
		Proxy:                  viper.GetString(optname.Proxy),
		DownloadDir:            viper.GetString(optname.DownloadDir),
		StateDir:               viper.GetString(optname.StateDir),
		MaxConcurrentDownloads: viper.GetInt(optname.MaxConcurrentDownloads),
		Timeout:                viper.GetDuration(optname.Timeout),
		ConnTimeout:            viper.GetDuration(optname.ConnTimeout),
		RetryAttempts:          viper.GetInt(optname.RetryAttempts),
		RetryBackoff:           viper.GetDuration(optname.RetryBackoff),
		RetryBackoffMax:        viper.GetDuration(optname.RetryBackoffMax),
		ProbeMaxConnections:    viper.GetInt(optname.ProbeMaxConnections),
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s Settings) Validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.ChunkNumber < 1 {
		return fmt.Errorf("chunk number must be at least 1, got %d", s.ChunkNumber)
	}
	if s.MaxSpeedLimit < 0 {
		return fmt.Errorf("speed limit must not be negative, got %d", s.MaxSpeedLimit)
	}
	if s.MinSplitSize < 0 {
		return fmt.Errorf("min split size must not be negative, got %d", s.MinSplitSize)
	}
	if s.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", s.MaxConcurrentDownloads)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative, got %d", s.RetryAttempts)
	}
	if s.RetryBackoff <= 0 || s.RetryBackoffMax < s.RetryBackoff {
		return fmt.Errorf("retry backoff window %s..%s is invalid", s.RetryBackoff, s.RetryBackoffMax)
	}
	if s.ProbeMaxConnections < 1 {
		return fmt.Errorf("probe connection ceiling must be at least 1, got %d", s.ProbeMaxConnections)
	}
	if s.Proxy != "" {
		parsed, err := url.Parse(s.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL %q: %w", s.Proxy, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("proxy URL %q must include scheme and host", s.Proxy)
		}
	}
	return nil
}

// StatePath resolves the directory task records are written to.
func (s Settings) StatePath() string {
	if s.StateDir != "" {
		return s.StateDir
	}
	return filepath.Join(s.DownloadDir, StateDirName)
}

// ParseSize parses a humanized byte size such as "10MB" or "8MiB".
func ParseSize(value string) (int64, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if size > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", value)
	}
	return int64(size), nil
}

// ParseSpeed parses a humanized bytes-per-second rate. A trailing "/s" is
// accepted, "0" or the empty string mean unlimited.
func ParseSpeed(value string) (int64, error) {
	value = strings.TrimSuffix(strings.TrimSpace(value), "/s")
	if value == "" || value == "0" {
		return 0, nil
	}
	return ParseSize(value)
}
