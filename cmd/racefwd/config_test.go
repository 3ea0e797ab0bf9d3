package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/racefwd/internal/chronotrack"
	"github.com/danmuck/racefwd/internal/config"
	"github.com/danmuck/racefwd/internal/testutil/testlog"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadRuntimeConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRuntimeConfig("", envMap(nil), "v1.2.3")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ListenMode != config.ListenPrivate || cfg.ListenMode.Host() != "127.0.0.1" {
		t.Fatalf("unexpected listen mode: %v", cfg.ListenMode)
	}
	if cfg.ChronoPort != 3000 || cfg.MyLapsPort != 3097 {
		t.Fatalf("unexpected ports chrono=%d mylaps=%d", cfg.ChronoPort, cfg.MyLapsPort)
	}
	if cfg.Upstream.Host != "https://racemap.com" || cfg.Dispatch != config.DispatchFireAndForget {
		t.Fatalf("unexpected upstream: %+v dispatch=%s", cfg.Upstream, cfg.Dispatch)
	}
	if cfg.Chrono.Version != "v1.2.3" || cfg.Chrono.Session.KeepAliveInterval != 10*time.Second {
		t.Fatalf("session settings not propagated: %+v", cfg.Chrono)
	}
	if cfg.Chrono.TimezoneOffsetHours != localOffsetHours(time.Now()) {
		t.Fatalf("timezone offset should default to local zone, got=%v", cfg.Chrono.TimezoneOffsetHours)
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("admin server should be disabled by default, got=%q", cfg.AdminAddr)
	}
}

func TestLoadRuntimeConfigFileOverlay(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
listen_mode = "public"
admin_addr = "127.0.0.1:9191"
dispatch = "queued"
queue_capacity = 16
chrono_port = 4000
chrono_time_format = "normal"
mylaps_enabled = false
timezone_offset_hours = 1.5
start_retrigger_limit = 3
frame_max_delay = "250ms"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadRuntimeConfig(path, envMap(nil), "dev")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenMode.Host() != "0.0.0.0" || cfg.AdminAddr != "127.0.0.1:9191" {
		t.Fatalf("unexpected listen settings: %+v", cfg)
	}
	if cfg.Dispatch != config.DispatchQueued || cfg.Queue.Capacity != 16 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("unexpected queue settings: dispatch=%s queue=%+v", cfg.Dispatch, cfg.Queue)
	}
	if cfg.ChronoPort != 4000 || cfg.Chrono.TimeFormat != chronotrack.TimeFormatNormal || cfg.MyLapsEnabled {
		t.Fatalf("unexpected forwarder settings: %+v", cfg)
	}
	if cfg.Chrono.TimezoneOffsetHours != 1.5 {
		t.Fatalf("unexpected offset: %v", cfg.Chrono.TimezoneOffsetHours)
	}
	if cfg.Session.StartRetriggerLimit != 3 || cfg.Chrono.Session.FrameMaxDelay != 250*time.Millisecond {
		t.Fatalf("unexpected session settings: %+v", cfg.Chrono.Session)
	}
	if cfg.Session.KeepAliveInterval != 10*time.Second {
		t.Fatalf("undefined keys must keep defaults: %+v", cfg.Session)
	}
}

func TestLoadRuntimeConfigRejectsInvalidFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`dispatch = "sometimes"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := loadRuntimeConfig(path, envMap(nil), "dev")
	if !errors.Is(err, config.ErrInvalidDispatchMode) {
		t.Fatalf("expected ErrInvalidDispatchMode, got=%v", err)
	}
	if _, err := loadRuntimeConfig(filepath.Join(t.TempDir(), "missing.toml"), envMap(nil), "dev"); err == nil {
		t.Fatalf("missing file should fail")
	}
}

func TestLoadRuntimeConfigEnvOverridesFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_token = \"file-token\"\nmylaps_port = 5000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadRuntimeConfig(path, envMap(map[string]string{
		envAPIHost:        "http://localhost:8080/",
		envAPIToken:       "env-token",
		envListenMode:     "PUBLIC",
		envMyLapsPort:     "6000",
		envChronoPrefix:   "CT_",
		envMyLapsPrefix:   "ML_",
		envTimezoneOffset: "-5",
		envAdminAddr:      ":9090",
	}), "dev")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Upstream.Host != "http://localhost:8080/" || cfg.Upstream.Token != "env-token" {
		t.Fatalf("unexpected upstream: %+v", cfg.Upstream)
	}
	if cfg.ListenMode != config.ListenPublic || cfg.MyLapsPort != 6000 {
		t.Fatalf("unexpected listen settings: mode=%s port=%d", cfg.ListenMode, cfg.MyLapsPort)
	}
	if cfg.Chrono.ChipPrefix != "CT_" || cfg.MyLaps.ChipPrefix != "ML_" {
		t.Fatalf("unexpected prefixes: chrono=%q mylaps=%q", cfg.Chrono.ChipPrefix, cfg.MyLaps.ChipPrefix)
	}
	if cfg.Chrono.TimezoneOffsetHours != -5 || cfg.AdminAddr != ":9090" {
		t.Fatalf("unexpected offset/admin: %v %q", cfg.Chrono.TimezoneOffsetHours, cfg.AdminAddr)
	}
}

func TestLoadRuntimeConfigEnvErrors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		env  map[string]string
		want string
	}{
		{env: map[string]string{envListenMode: "lan"}, want: envListenMode},
		{env: map[string]string{envChronoPort: "http"}, want: envChronoPort},
		{env: map[string]string{envMyLapsPort: "70000"}, want: envMyLapsPort},
		{env: map[string]string{envTimezoneOffset: "east"}, want: envTimezoneOffset},
		{env: map[string]string{envChronoPort: "4000", envMyLapsPort: "4000"}, want: "must differ"},
	}
	for _, tc := range cases {
		_, err := loadRuntimeConfig("", envMap(tc.env), "dev")
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("env %v: expected error containing %q, got=%v", tc.env, tc.want, err)
		}
	}
	_, err := loadRuntimeConfig("", envMap(map[string]string{envListenMode: "lan"}), "dev")
	if !errors.Is(err, config.ErrInvalidListenMode) {
		t.Fatalf("expected ErrInvalidListenMode, got=%v", err)
	}
}

func TestEnvReportMasksToken(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRuntimeConfig("", envMap(map[string]string{envAPIToken: "secret-token"}), "dev")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	report := strings.Join(envReport(cfg), "\n")
	if strings.Contains(report, "secret-token") {
		t.Fatalf("token leaked in report: %s", report)
	}
	if !strings.Contains(report, envAPIToken+": se********en") {
		t.Fatalf("unexpected masked token: %s", report)
	}
	if !strings.Contains(report, envChronoPort+": 3000") || !strings.Contains(report, envChronoPrefix+": Chrono_") {
		t.Fatalf("missing defaults in report: %s", report)
	}
	if got := maskToken(""); got != "<unset>" {
		t.Fatalf("unexpected empty mask: %q", got)
	}
}
