// Package config provides the configuration schema, loader, and file watcher
// for the rtpbridge service.
package config

import "log/slog"

// LogLevel controls log verbosity for the rtpbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the equivalent slog level. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SpeechProvider selects the realtime speech backend.
type SpeechProvider string

// SpeechOpenAI is the OpenAI Realtime API.
const SpeechOpenAI SpeechProvider = "openai"

// IsValid reports whether p is a recognised speech provider.
func (p SpeechProvider) IsValid() bool {
	return p == SpeechOpenAI
}

// Config is the root configuration structure for rtpbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	RTP     RTPConfig     `yaml:"rtp"`
	Turn    TurnConfig    `yaml:"turn"`
	Speech  SpeechConfig  `yaml:"speech"`
	ARI     ARIConfig     `yaml:"ari"`
	CallLog CallLogConfig `yaml:"calllog"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// RTPConfig configures the media socket and outbound framing.
type RTPConfig struct {
	// BindIP is the local address the RTP socket binds to.
	BindIP string `yaml:"bind_ip"`

	// BindPort is the local UDP port. 0 picks an ephemeral port per call.
	BindPort int `yaml:"bind_port"`

	// AdvertiseHost is the address the PBX is told to send media to.
	AdvertiseHost string `yaml:"advertise_host"`

	// FrameMs is the pacer interval in milliseconds. Frames are always 160
	// bytes regardless of this value.
	FrameMs int `yaml:"frame_ms"`

	// PrerollFrames is the number of silence frames sent before each turn.
	// Unset means 3; an explicit 0 sends none. Read it through Preroll.
	PrerollFrames *int `yaml:"preroll_frames"`

	// PostrollFrames is the number of silence frames sent after each turn.
	// Unset means 2. Read it through Postroll.
	PostrollFrames *int `yaml:"postroll_frames"`

	// Pace sends one frame per FrameMs when true; otherwise queued audio
	// is flushed as fast as the socket accepts it. Defaults to true.
	Pace *bool `yaml:"pace"`
}

// TurnConfig configures client-side turn detection.
type TurnConfig struct {
	SilenceThresholdMs int    `yaml:"silence_threshold_ms"`
	MinAudioBytes      int    `yaml:"min_audio_bytes"`
	ResponseTimeoutMs  int    `yaml:"response_timeout_ms"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	Instructions       string `yaml:"instructions"`

	// Greeting, when set, is sent as response instructions as soon as the
	// caller's payload type is known.
	Greeting          string `yaml:"greeting"`
	GreetingTimeoutMs int    `yaml:"greeting_timeout_ms"`
}

// SpeechConfig configures the realtime speech session opened per call.
type SpeechConfig struct {
	Provider SpeechProvider `yaml:"provider"`

	// APIKey authenticates against the provider. Usually set as
	// "${OPENAI_API_KEY}" so the secret stays in the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	Model        string    `yaml:"model"`
	Voice        string    `yaml:"voice"`
	Instructions string    `yaml:"instructions"`
	InputFormat  string    `yaml:"input_format"`
	OutputFormat string    `yaml:"output_format"`
	VAD          VADConfig `yaml:"vad"`
}

// VADConfig configures server-side voice activity detection. It is
// independent of [TurnConfig.SilenceThresholdMs].
type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// ARIConfig configures the Asterisk REST Interface connection.
type ARIConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	App         string `yaml:"app"`
	MediaFormat string `yaml:"media_format"`
}

// CallLogConfig configures where finished calls are recorded.
type CallLogConfig struct {
	// PostgresDSN selects the PostgreSQL call log. When empty, records are
	// kept in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Paced reports the effective pacing setting.
func (r RTPConfig) Paced() bool {
	return r.Pace == nil || *r.Pace
}

// Preroll reports the effective preroll frame count.
func (r RTPConfig) Preroll() int { return intOr(r.PrerollFrames, DefaultPrerollFrames) }

// Postroll reports the effective postroll frame count.
func (r RTPConfig) Postroll() int { return intOr(r.PostrollFrames, DefaultPostrollFrames) }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
