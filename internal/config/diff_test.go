package config_test

import (
	"testing"
	"time"

	"github.com/obradorhq/obradoria/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Search: config.SearchConfig{HighConfidence: 0.75, MediumConfidence: 0.6},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.ThresholdsChanged || d.SessionTTLChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_ThresholdsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Search: config.SearchConfig{HighConfidence: 0.75}}
	new := &config.Config{Search: config.SearchConfig{HighConfidence: 0.8}}

	d := config.Diff(old, new)
	if !d.ThresholdsChanged {
		t.Error("expected ThresholdsChanged=true")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_SessionTTLChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{TTL: time.Hour}}
	new := &config.Config{Session: config.SessionConfig{TTL: 30 * time.Minute}}

	d := config.Diff(old, new)
	if !d.SessionTTLChanged {
		t.Error("expected SessionTTLChanged=true")
	}
}
