package config

import (
	"time"

	"github.com/MrWong99/rtpbridge/internal/bridge"
	"github.com/MrWong99/rtpbridge/pkg/speech"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// BridgeConfig returns the per-call tuning described by cfg.
func (cfg *Config) BridgeConfig() bridge.Config {
	bc := bridge.DefaultConfig()
	bc.Pace = cfg.RTP.Paced()
	bc.FrameInterval = ms(cfg.RTP.FrameMs)
	bc.PrerollFrames = cfg.RTP.Preroll()
	bc.PostrollFrames = cfg.RTP.Postroll()
	bc.SilenceThreshold = ms(cfg.Turn.SilenceThresholdMs)
	bc.MinAudioBytes = cfg.Turn.MinAudioBytes
	bc.ResponseTimeout = ms(cfg.Turn.ResponseTimeoutMs)
	bc.PollInterval = ms(cfg.Turn.PollIntervalMs)
	bc.TurnInstructions = cfg.Turn.Instructions
	bc.Greeting = cfg.Turn.Greeting
	bc.GreetingTimeout = ms(cfg.Turn.GreetingTimeoutMs)
	return bc
}

// SessionConfig returns the speech session configuration described by cfg.
func (cfg *Config) SessionConfig() speech.SessionConfig {
	return speech.SessionConfig{
		Instructions: cfg.Speech.Instructions,
		Voice:        cfg.Speech.Voice,
		InputFormat:  cfg.Speech.InputFormat,
		OutputFormat: cfg.Speech.OutputFormat,
		TurnDetection: speech.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.Speech.VAD.Threshold,
			PrefixPaddingMs:   cfg.Speech.VAD.PrefixPaddingMs,
			SilenceDurationMs: cfg.Speech.VAD.SilenceDurationMs,
		},
	}
}
