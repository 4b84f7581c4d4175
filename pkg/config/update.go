package config

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Externally updatable configuration keys. These are the names control
// layers speak; they map onto flag names with underscores for dashes.
const (
	KeyChunkSize              = "global_chunk_size"
	KeyChunkNumber            = "global_chunk_number"
	KeyMaxSpeedLimit          = "max_speed_limit"
	KeyAutoStart              = "auto_start"
	KeyResumeOnStartup        = "resume_on_startup"
	KeyMinSplitSize           = "min_split_size"
	KeyUserAgent              = "user_agent"
	KeyProxy                  = "proxy"
	KeyDownloadDir            = "download_dir"
	KeyMaxConcurrentDownloads = "max_concurrent_downloads"
	KeyTimeout                = "timeout"
	KeyRetryAttempts          = "retry_attempts"
)

// Apply returns a copy of s with the given updates applied. Only the
// externally updatable keys are recognized, anything else is rejected.
// The returned snapshot is validated as a whole before being handed back.
func (s Settings) Apply(updates map[string]any) (Settings, error) {
	out := s
	for key, value := range updates {
		var err error
		switch key {
		case KeyChunkSize:
			out.ChunkSize, err = toSize(value)
		case KeyChunkNumber:
			out.ChunkNumber, err = cast.ToIntE(value)
		case KeyMaxSpeedLimit:
			out.MaxSpeedLimit, err = toSpeed(value)
		case KeyAutoStart:
			out.AutoStart, err = cast.ToBoolE(value)
		case KeyResumeOnStartup:
			out.ResumeOnStartup, err = cast.ToBoolE(value)
		case KeyMinSplitSize:
			out.MinSplitSize, err = toSize(value)
		case KeyUserAgent:
			out.UserAgent, err = cast.ToStringE(value)
		case KeyProxy:
			out.Proxy, err = cast.ToStringE(value)
		case KeyDownloadDir:
			out.DownloadDir, err = cast.ToStringE(value)
		case KeyMaxConcurrentDownloads:
			out.MaxConcurrentDownloads, err = cast.ToIntE(value)
		case KeyTimeout:
			out.Timeout, err = toTimeout(value)
		case KeyRetryAttempts:
			out.RetryAttempts, err = cast.ToIntE(value)
		default:
			return Settings{}, fmt.Errorf("unknown configuration key %q", key)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("configuration key %q: %w", key, err)
		}
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Map returns the externally visible key/value view of the settings.
func (s Settings) Map() map[string]any {
	return map[string]any{
		KeyChunkSize:              s.ChunkSize,
		KeyChunkNumber:            s.ChunkNumber,
		KeyMaxSpeedLimit:          s.MaxSpeedLimit,
		KeyAutoStart:              s.AutoStart,
		KeyResumeOnStartup:        s.ResumeOnStartup,
		KeyMinSplitSize:           s.MinSplitSize,
		KeyUserAgent:              s.UserAgent,
		KeyProxy:                  s.Proxy,
		KeyDownloadDir:            s.DownloadDir,
		KeyMaxConcurrentDownloads: s.MaxConcurrentDownloads,
		KeyTimeout:                s.Timeout.String(),
		KeyRetryAttempts:          s.RetryAttempts,
	}
}

func toSize(value any) (int64, error) {
	if s, ok := value.(string); ok {
		return ParseSize(s)
	}
	return cast.ToInt64E(value)
}

func toSpeed(value any) (int64, error) {
	if s, ok := value.(string); ok {
		return ParseSpeed(s)
	}
	return cast.ToInt64E(value)
}

// toTimeout accepts a duration string ("30s") or a bare number of seconds,
// matching what JSON-decoded control requests deliver.
func toTimeout(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
	}
	secs, err := cast.ToInt64E(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
