package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked. Changes apply to
// calls started after the reload; active calls keep their tuning.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TuningChanged bool // rtp framing or turn tuning
	SpeechChanged bool // speech instructions, voice or VAD

	// RestartRequired lists keys that changed but only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TuningChanged || d.SpeechChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldRTP, newRTP := old.RTP, new.RTP
	if oldRTP.FrameMs != newRTP.FrameMs ||
		oldRTP.Preroll() != newRTP.Preroll() ||
		oldRTP.Postroll() != newRTP.Postroll() ||
		oldRTP.Paced() != newRTP.Paced() ||
		old.Turn != new.Turn {
		d.TuningChanged = true
	}

	if old.Speech.Instructions != new.Speech.Instructions ||
		old.Speech.Voice != new.Speech.Voice ||
		old.Speech.VAD != new.Speech.VAD {
		d.SpeechChanged = true
	}

	restart := []struct {
		key     string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"rtp.bind_ip", oldRTP.BindIP != newRTP.BindIP},
		{"rtp.bind_port", oldRTP.BindPort != newRTP.BindPort},
		{"rtp.advertise_host", oldRTP.AdvertiseHost != newRTP.AdvertiseHost},
		{"speech.provider", old.Speech.Provider != new.Speech.Provider},
		{"speech.api_key", old.Speech.APIKey != new.Speech.APIKey},
		{"speech.base_url", old.Speech.BaseURL != new.Speech.BaseURL},
		{"speech.model", old.Speech.Model != new.Speech.Model},
		{"speech.input_format", old.Speech.InputFormat != new.Speech.InputFormat},
		{"speech.output_format", old.Speech.OutputFormat != new.Speech.OutputFormat},
		{"ari", old.ARI != new.ARI},
		{"calllog.postgres_dsn", old.CallLog != new.CallLog},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.key)
		}
	}

	return d
}
