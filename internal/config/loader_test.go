package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/rtpbridge/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing api key",
			yaml: "ari:\n  url: http://x:8088\n  app: a\n",
			want: "speech.api_key is required",
		},
		{
			name: "missing ari",
			yaml: "speech:\n  api_key: k\n",
			want: "ari.url is required",
		},
		{
			name: "ari url scheme",
			yaml: "speech:\n  api_key: k\nari:\n  url: ws://x:8088\n  app: a\n",
			want: "ari.url",
		},
		{
			name: "bad log level",
			yaml: minimalYAML + "server:\n  log_level: bananas\n",
			want: "server.log_level",
		},
		{
			name: "bad bind ip",
			yaml: minimalYAML + "rtp:\n  bind_ip: not-an-ip\n",
			want: "rtp.bind_ip",
		},
		{
			name: "port out of range",
			yaml: minimalYAML + "rtp:\n  bind_port: 70000\n",
			want: "rtp.bind_port",
		},
		{
			name: "negative preroll",
			yaml: minimalYAML + "rtp:\n  preroll_frames: -1\n",
			want: "rtp.preroll_frames",
		},
		{
			name: "negative silence threshold",
			yaml: minimalYAML + "turn:\n  silence_threshold_ms: -5\n",
			want: "turn.silence_threshold_ms",
		},
		{
			name: "unknown provider",
			yaml: "speech:\n  api_key: k\n  provider: gemini\nari:\n  url: http://x:8088\n  app: a\n",
			want: "speech.provider",
		},
		{
			name: "bad audio format",
			yaml: "speech:\n  api_key: k\n  output_format: mp3\nari:\n  url: http://x:8088\n  app: a\n",
			want: "speech.output_format",
		},
		{
			name: "vad threshold",
			yaml: "speech:\n  api_key: k\n  vad:\n    threshold: 1.5\nari:\n  url: http://x:8088\n  app: a\n",
			want: "speech.vad.threshold",
		},
		{
			name: "base url scheme",
			yaml: "speech:\n  api_key: k\n  base_url: https://api.openai.com\nari:\n  url: http://x:8088\n  app: a\n",
			want: "speech.base_url",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "speech.api_key", "ari.url", "ari.app"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_EmptyDocumentNeedsRequiredKeys(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Turn.MinAudioBytes = 1200
	cfg.Speech.Voice = "echo"
	config.ApplyDefaults(cfg)

	if cfg.Turn.MinAudioBytes != 1200 {
		t.Errorf("min_audio_bytes = %d, want 1200", cfg.Turn.MinAudioBytes)
	}
	if cfg.Speech.Voice != "echo" {
		t.Errorf("voice = %q, want echo", cfg.Speech.Voice)
	}
	if cfg.Turn.PollIntervalMs != config.DefaultPollInterval {
		t.Errorf("poll_interval_ms = %d, want default", cfg.Turn.PollIntervalMs)
	}
}

func TestLoadFromReader_SilencePadding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		rtp          string
		wantPreroll  int
		wantPostroll int
	}{
		{"unset", "", config.DefaultPrerollFrames, config.DefaultPostrollFrames},
		{"explicit zero", "rtp:\n  preroll_frames: 0\n  postroll_frames: 0\n", 0, 0},
		{"preroll only", "rtp:\n  preroll_frames: 5\n", 5, config.DefaultPostrollFrames},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + tc.rtp))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if cfg.RTP.Preroll() != tc.wantPreroll || cfg.RTP.Postroll() != tc.wantPostroll {
				t.Errorf("preroll/postroll = %d/%d, want %d/%d",
					cfg.RTP.Preroll(), cfg.RTP.Postroll(), tc.wantPreroll, tc.wantPostroll)
			}
			bc := cfg.BridgeConfig()
			if bc.PrerollFrames != tc.wantPreroll || bc.PostrollFrames != tc.wantPostroll {
				t.Errorf("bridge preroll/postroll = %d/%d", bc.PrerollFrames, bc.PostrollFrames)
			}
		})
	}
}
