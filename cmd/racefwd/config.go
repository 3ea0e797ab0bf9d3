package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/racefwd/internal/chronotrack"
	"github.com/danmuck/racefwd/internal/config"
	"github.com/danmuck/racefwd/internal/mylaps"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/danmuck/racefwd/internal/upstream"
)

const (
	envAPIHost        = "RACEMAP_API_HOST"
	envAPIToken       = "RACEMAP_API_TOKEN"
	envListenMode     = "LISTEN_MODE"
	envChronoPort     = "CHRONO_LISTEN_PORT"
	envMyLapsPort     = "MYLAPS_LISTEN_PORT"
	envChronoPrefix   = "CHRONO_CHIP_PREFIX"
	envMyLapsPrefix   = "MYLAPS_CHIP_PREFIX"
	envTimezoneOffset = "TIMEZONE_OFFSET_HOURS"
	envAdminAddr      = "RACEFWD_ADMIN_ADDR"
	envAdminToken     = "RACEFWD_ADMIN_TOKEN"

	defaultChronoPort = 3000
	defaultMyLapsPort = 3097
)

// runtimeConfig is the resolved process configuration.
type runtimeConfig struct {
	ListenMode    config.ListenMode
	AdminAddr     string
	AdminToken    string
	CORSOrigins   []string
	Upstream      upstream.Config
	Dispatch      config.DispatchMode
	Queue         upstream.QueueConfig
	ChronoEnabled bool
	ChronoPort    int
	TrafficLog    string
	Chrono        chronotrack.Config
	MyLapsEnabled bool
	MyLapsPort    int
	MyLaps        mylaps.Config
	Session       session.Config
}

func defaultRuntimeConfig(now time.Time) runtimeConfig {
	sess := session.DefaultConfig()
	chrono := chronotrack.DefaultConfig()
	chrono.TimezoneOffsetHours = localOffsetHours(now)
	return runtimeConfig{
		ListenMode:    config.ListenPrivate,
		Upstream:      upstream.Config{Host: upstream.DefaultHost, Timeout: 30 * time.Second},
		Dispatch:      config.DispatchFireAndForget,
		Queue:         upstream.DefaultQueueConfig(),
		ChronoEnabled: true,
		ChronoPort:    defaultChronoPort,
		Chrono:        chrono,
		MyLapsEnabled: true,
		MyLapsPort:    defaultMyLapsPort,
		MyLaps:        mylaps.DefaultConfig(),
		Session:       sess,
	}
}

func localOffsetHours(now time.Time) float64 {
	_, offset := now.Zone()
	return float64(offset) / 3600
}

// loadRuntimeConfig overlays the optional config file and then the
// environment on top of the defaults.
func loadRuntimeConfig(path string, getenv func(string) string, version string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig(time.Now())
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return runtimeConfig{}, err
		}
	}
	if err := overlayEnv(&cfg, getenv); err != nil {
		return runtimeConfig{}, err
	}
	if cfg.ChronoEnabled && cfg.MyLapsEnabled && cfg.ChronoPort == cfg.MyLapsPort {
		return runtimeConfig{}, fmt.Errorf("load racefwd config: chrono and mylaps ports must differ (%d)", cfg.ChronoPort)
	}
	if !cfg.ChronoEnabled && !cfg.MyLapsEnabled {
		return runtimeConfig{}, fmt.Errorf("load racefwd config: at least one forwarder must be enabled")
	}

	cfg.Session = cfg.Session.WithDefaults()
	cfg.Queue.Backoff = cfg.Session.Backoff
	cfg.Queue.Timeout = cfg.Upstream.Timeout
	cfg.Chrono.Version = version
	cfg.Chrono.Session = cfg.Session
	cfg.MyLaps.Session = cfg.Session
	return cfg, nil
}

func overlayFile(cfg *runtimeConfig, path string) error {
	var raw config.RacefwdConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load racefwd config: %w", err)
	}
	if err := config.ValidateRacefwdConfig(raw); err != nil {
		return fmt.Errorf("load racefwd config: %w", err)
	}

	if meta.IsDefined("listen_mode") {
		cfg.ListenMode, _ = config.ParseListenMode(raw.ListenMode)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("api_host") {
		cfg.Upstream.Host = strings.TrimSpace(raw.APIHost)
	}
	if meta.IsDefined("api_token") {
		cfg.Upstream.Token = strings.TrimSpace(raw.APIToken)
	}
	if meta.IsDefined("upstream_timeout") {
		cfg.Upstream.Timeout, _ = config.ParseDuration("upstream_timeout", raw.UpstreamTimeout)
	}
	if meta.IsDefined("dispatch") {
		cfg.Dispatch, _ = config.ParseDispatchMode(raw.Dispatch)
	}
	if meta.IsDefined("queue_capacity") && raw.QueueCapacity > 0 {
		cfg.Queue.Capacity = raw.QueueCapacity
	}
	if meta.IsDefined("queue_max_attempts") && raw.QueueMaxAttempts > 0 {
		cfg.Queue.MaxAttempts = raw.QueueMaxAttempts
	}
	if meta.IsDefined("chrono_enabled") && raw.ChronoEnabled != nil {
		cfg.ChronoEnabled = *raw.ChronoEnabled
	}
	if meta.IsDefined("chrono_port") && raw.ChronoPort > 0 {
		cfg.ChronoPort = raw.ChronoPort
	}
	if meta.IsDefined("chrono_chip_prefix") {
		cfg.Chrono.ChipPrefix = raw.ChronoChipPrefix
	}
	if meta.IsDefined("chrono_time_format") {
		cfg.Chrono.TimeFormat, _ = chronotrack.ParseTimeFormat(raw.ChronoTimeFormat)
	}
	if meta.IsDefined("chrono_traffic_log") {
		cfg.TrafficLog = strings.TrimSpace(raw.ChronoTrafficLog)
	}
	if meta.IsDefined("mylaps_enabled") && raw.MyLapsEnabled != nil {
		cfg.MyLapsEnabled = *raw.MyLapsEnabled
	}
	if meta.IsDefined("mylaps_port") && raw.MyLapsPort > 0 {
		cfg.MyLapsPort = raw.MyLapsPort
	}
	if meta.IsDefined("mylaps_chip_prefix") {
		cfg.MyLaps.ChipPrefix = raw.MyLapsChipPrefix
	}
	if meta.IsDefined("timezone_offset_hours") && raw.TimezoneOffsetHours != nil {
		cfg.Chrono.TimezoneOffsetHours = *raw.TimezoneOffsetHours
	}
	if meta.IsDefined("keepalive_interval") {
		cfg.Session.KeepAliveInterval, _ = config.ParseDuration("keepalive_interval", raw.KeepAliveInterval)
	}
	if meta.IsDefined("start_retrigger_interval") {
		cfg.Session.StartRetriggerInterval, _ = config.ParseDuration("start_retrigger_interval", raw.StartRetriggerInterval)
	}
	if meta.IsDefined("start_retrigger_limit") {
		cfg.Session.StartRetriggerLimit = raw.StartRetriggerLimit
	}
	if meta.IsDefined("frame_max_delay") {
		cfg.Session.FrameMaxDelay, _ = config.ParseDuration("frame_max_delay", raw.FrameMaxDelay)
	}
	if meta.IsDefined("write_timeout") {
		cfg.Session.WriteTimeout, _ = config.ParseDuration("write_timeout", raw.WriteTimeout)
	}
	return nil
}

func overlayEnv(cfg *runtimeConfig, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(envAPIHost)); v != "" {
		cfg.Upstream.Host = v
	}
	if v := strings.TrimSpace(getenv(envAPIToken)); v != "" {
		cfg.Upstream.Token = v
	}
	if v := getenv(envListenMode); strings.TrimSpace(v) != "" {
		mode, err := config.ParseListenMode(v)
		if err != nil {
			return fmt.Errorf("load racefwd config: %s: %w", envListenMode, err)
		}
		cfg.ListenMode = mode
	}
	if err := envPort(getenv, envChronoPort, &cfg.ChronoPort); err != nil {
		return err
	}
	if err := envPort(getenv, envMyLapsPort, &cfg.MyLapsPort); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv(envChronoPrefix)); v != "" {
		cfg.Chrono.ChipPrefix = v
	}
	if v := strings.TrimSpace(getenv(envMyLapsPrefix)); v != "" {
		cfg.MyLaps.ChipPrefix = v
	}
	if v := strings.TrimSpace(getenv(envTimezoneOffset)); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(hours) || math.Abs(hours) > 14 {
			return fmt.Errorf("load racefwd config: %s must be an hour offset between -14 and 14: %q", envTimezoneOffset, v)
		}
		cfg.Chrono.TimezoneOffsetHours = hours
	}
	if v, ok := lookup(getenv, envAdminAddr); ok {
		cfg.AdminAddr = v
	}
	if v, ok := lookup(getenv, envAdminToken); ok {
		cfg.AdminToken = v
	}
	return nil
}

func envPort(getenv func(string) string, key string, dst *int) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("load racefwd config: %s must be a TCP port: %q", key, v)
	}
	*dst = port
	return nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// envReport lists every recognized variable with its effective value.
func envReport(cfg runtimeConfig) []string {
	return []string{
		fmt.Sprintf("%s: %s", envAPIHost, cfg.Upstream.Host),
		fmt.Sprintf("%s: %s", envAPIToken, maskToken(cfg.Upstream.Token)),
		fmt.Sprintf("%s: %s", envListenMode, cfg.ListenMode),
		fmt.Sprintf("%s: %d", envChronoPort, cfg.ChronoPort),
		fmt.Sprintf("%s: %d", envMyLapsPort, cfg.MyLapsPort),
		fmt.Sprintf("%s: %s", envChronoPrefix, chipPrefix(cfg.Chrono.ChipPrefix, timing.ChronoTrackPrefix)),
		fmt.Sprintf("%s: %s", envMyLapsPrefix, chipPrefix(cfg.MyLaps.ChipPrefix, timing.MyLapsPrefix)),
		fmt.Sprintf("%s: %g", envTimezoneOffset, cfg.Chrono.TimezoneOffsetHours),
		fmt.Sprintf("%s: %s", envAdminAddr, cfg.AdminAddr),
		fmt.Sprintf("%s: %s", envAdminToken, maskToken(cfg.AdminToken)),
	}
}

func chipPrefix(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maskToken(token string) string {
	if token == "" {
		return "<unset>"
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return token[:2] + strings.Repeat("*", len(token)-4) + token[len(token)-2:]
}
