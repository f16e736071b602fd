package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr        = ":8080"
	DefaultBindIP            = "0.0.0.0"
	DefaultAdvertiseHost     = "127.0.0.1"
	DefaultFrameMs           = 20
	DefaultPrerollFrames     = 3
	DefaultPostrollFrames    = 2
	DefaultSilenceThreshold  = 850
	DefaultMinAudioBytes     = 800
	DefaultResponseTimeout   = 2000
	DefaultPollInterval      = 200
	DefaultGreetingTimeout   = 3000
	DefaultTurnInstructions  = "Respond briefly and naturally to the caller."
	DefaultVoice             = "alloy"
	DefaultAudioFormat       = "g711_ulaw"
	DefaultVADThreshold      = 0.33
	DefaultVADPrefixPadding  = 400
	DefaultVADSilenceMs      = 850
	DefaultARIMediaFormat    = "ulaw"
	DefaultSpeechInstruction = "You are a friendly phone assistant. Keep answers short and conversational."
)

var validAudioFormats = map[string]bool{"g711_ulaw": true, "g711_alaw": true, "pcm16": true}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the process environment, fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.RTP.BindIP, DefaultBindIP)
	setDefault(&cfg.RTP.AdvertiseHost, DefaultAdvertiseHost)
	setDefault(&cfg.RTP.FrameMs, DefaultFrameMs)

	setDefault(&cfg.Turn.SilenceThresholdMs, DefaultSilenceThreshold)
	setDefault(&cfg.Turn.MinAudioBytes, DefaultMinAudioBytes)
	setDefault(&cfg.Turn.ResponseTimeoutMs, DefaultResponseTimeout)
	setDefault(&cfg.Turn.PollIntervalMs, DefaultPollInterval)
	setDefault(&cfg.Turn.GreetingTimeoutMs, DefaultGreetingTimeout)
	setDefault(&cfg.Turn.Instructions, DefaultTurnInstructions)

	setDefault(&cfg.Speech.Provider, SpeechOpenAI)
	setDefault(&cfg.Speech.Voice, DefaultVoice)
	setDefault(&cfg.Speech.Instructions, DefaultSpeechInstruction)
	setDefault(&cfg.Speech.InputFormat, DefaultAudioFormat)
	setDefault(&cfg.Speech.OutputFormat, DefaultAudioFormat)
	setDefault(&cfg.Speech.VAD.Threshold, DefaultVADThreshold)
	setDefault(&cfg.Speech.VAD.PrefixPaddingMs, DefaultVADPrefixPadding)
	setDefault(&cfg.Speech.VAD.SilenceDurationMs, DefaultVADSilenceMs)

	setDefault(&cfg.ARI.MediaFormat, DefaultARIMediaFormat)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// RTP
	if cfg.RTP.BindIP != "" && net.ParseIP(cfg.RTP.BindIP) == nil {
		errs = append(errs, fmt.Errorf("rtp.bind_ip %q is not an IP address", cfg.RTP.BindIP))
	}
	if cfg.RTP.BindPort < 0 || cfg.RTP.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("rtp.bind_port %d is out of range [0, 65535]", cfg.RTP.BindPort))
	}
	errs = appendPositive(errs, "rtp.frame_ms", cfg.RTP.FrameMs)
	if n := cfg.RTP.Preroll(); n < 0 {
		errs = append(errs, fmt.Errorf("rtp.preroll_frames %d must not be negative", n))
	}
	if n := cfg.RTP.Postroll(); n < 0 {
		errs = append(errs, fmt.Errorf("rtp.postroll_frames %d must not be negative", n))
	}

	// Turn
	errs = appendPositive(errs, "turn.silence_threshold_ms", cfg.Turn.SilenceThresholdMs)
	errs = appendPositive(errs, "turn.min_audio_bytes", cfg.Turn.MinAudioBytes)
	errs = appendPositive(errs, "turn.response_timeout_ms", cfg.Turn.ResponseTimeoutMs)
	errs = appendPositive(errs, "turn.poll_interval_ms", cfg.Turn.PollIntervalMs)
	errs = appendPositive(errs, "turn.greeting_timeout_ms", cfg.Turn.GreetingTimeoutMs)

	// Speech
	if !cfg.Speech.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("speech.provider %q is invalid; valid values: openai", cfg.Speech.Provider))
	}
	if cfg.Speech.APIKey == "" {
		errs = append(errs, errors.New("speech.api_key is required"))
	}
	if cfg.Speech.BaseURL != "" {
		if u, err := url.Parse(cfg.Speech.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("speech.base_url %q must be a ws:// or wss:// URL", cfg.Speech.BaseURL))
		}
	}
	for name, f := range map[string]string{"speech.input_format": cfg.Speech.InputFormat, "speech.output_format": cfg.Speech.OutputFormat} {
		if !validAudioFormats[f] {
			errs = append(errs, fmt.Errorf("%s %q is invalid; valid values: g711_ulaw, g711_alaw, pcm16", name, f))
		}
	}
	if cfg.Speech.VAD.Threshold < 0 || cfg.Speech.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("speech.vad.threshold %.2f is out of range [0, 1]", cfg.Speech.VAD.Threshold))
	}

	// ARI
	if cfg.ARI.URL == "" {
		errs = append(errs, errors.New("ari.url is required"))
	} else if u, err := url.Parse(cfg.ARI.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("ari.url %q must be an http:// or https:// URL", cfg.ARI.URL))
	}
	if cfg.ARI.App == "" {
		errs = append(errs, errors.New("ari.app is required"))
	}

	return errors.Join(errs...)
}

func appendPositive(errs []error, name string, v int) []error {
	if v <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
	}
	return errs
}
