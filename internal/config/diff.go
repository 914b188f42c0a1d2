package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, backend,
// and auth changes require a restart.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	ThresholdsChanged bool
	SessionTTLChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Search.HighConfidence != new.Search.HighConfidence ||
		old.Search.MediumConfidence != new.Search.MediumConfidence {
		d.ThresholdsChanged = true
	}

	if old.Session.TTL != new.Session.TTL {
		d.SessionTTLChanged = true
	}

	return d
}
