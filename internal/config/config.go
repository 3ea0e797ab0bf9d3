package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ListenMode string

const (
	ListenPrivate ListenMode = "private"
	ListenPublic  ListenMode = "public"
)

type DispatchMode string

const (
	DispatchFireAndForget DispatchMode = "fire_and_forget"
	DispatchQueued        DispatchMode = "queued"
)

var (
	ErrInvalidListenMode   = errors.New("config: invalid listen mode (expected private or public)")
	ErrInvalidDispatchMode = errors.New("config: invalid dispatch mode (expected fire_and_forget or queued)")
)

// ParseListenMode accepts private or public; empty means private.
func ParseListenMode(raw string) (ListenMode, error) {
	switch ListenMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ListenPrivate:
		return ListenPrivate, nil
	case ListenPublic:
		return ListenPublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidListenMode, raw)
	}
}

// Host returns the bind address for mode.
func (m ListenMode) Host() string {
	if m == ListenPublic {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func ParseDispatchMode(raw string) (DispatchMode, error) {
	switch DispatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DispatchFireAndForget:
		return DispatchFireAndForget, nil
	case DispatchQueued:
		return DispatchQueued, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDispatchMode, raw)
	}
}

// RacefwdConfig is the racefwd config.toml shape.
type RacefwdConfig struct {
	ListenMode             string   `toml:"listen_mode"`
	AdminAddr              string   `toml:"admin_addr"`
	AdminToken             string   `toml:"admin_token"`
	CorsOrigins            []string `toml:"cors_origins"`
	APIHost                string   `toml:"api_host"`
	APIToken               string   `toml:"api_token"`
	UpstreamTimeout        string   `toml:"upstream_timeout"`
	Dispatch               string   `toml:"dispatch"`
	QueueCapacity          int      `toml:"queue_capacity"`
	QueueMaxAttempts       int      `toml:"queue_max_attempts"`
	ChronoEnabled          *bool    `toml:"chrono_enabled"`
	ChronoPort             int      `toml:"chrono_port"`
	ChronoChipPrefix       string   `toml:"chrono_chip_prefix"`
	ChronoTimeFormat       string   `toml:"chrono_time_format"`
	ChronoTrafficLog       string   `toml:"chrono_traffic_log"`
	MyLapsEnabled          *bool    `toml:"mylaps_enabled"`
	MyLapsPort             int      `toml:"mylaps_port"`
	MyLapsChipPrefix       string   `toml:"mylaps_chip_prefix"`
	TimezoneOffsetHours    *float64 `toml:"timezone_offset_hours"`
	KeepAliveInterval      string   `toml:"keepalive_interval"`
	StartRetriggerInterval string   `toml:"start_retrigger_interval"`
	StartRetriggerLimit    int      `toml:"start_retrigger_limit"`
	FrameMaxDelay          string   `toml:"frame_max_delay"`
	WriteTimeout           string   `toml:"write_timeout"`
}

func LoadRacefwdConfig(path string) (RacefwdConfig, error) {
	var cfg RacefwdConfig
	if err := loadToml(path, &cfg); err != nil {
		return RacefwdConfig{}, err
	}
	if err := ValidateRacefwdConfig(cfg); err != nil {
		return RacefwdConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRacefwdConfig(cfg RacefwdConfig) error {
	if _, err := ParseListenMode(cfg.ListenMode); err != nil {
		return err
	}
	if _, err := ParseDispatchMode(cfg.Dispatch); err != nil {
		return err
	}
	if err := ValidatePort("chrono_port", cfg.ChronoPort); err != nil {
		return err
	}
	if err := ValidatePort("mylaps_port", cfg.MyLapsPort); err != nil {
		return err
	}
	if cfg.ChronoPort != 0 && cfg.ChronoPort == cfg.MyLapsPort {
		return fmt.Errorf("chrono_port and mylaps_port must differ (%d)", cfg.ChronoPort)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ChronoTimeFormat)) {
	case "", "iso", "normal", "unix":
	default:
		return fmt.Errorf("chrono_time_format must be iso, normal or unix: %q", cfg.ChronoTimeFormat)
	}
	if cfg.StartRetriggerLimit < 0 {
		return fmt.Errorf("start_retrigger_limit must be >= 0: %d", cfg.StartRetriggerLimit)
	}
	if cfg.QueueCapacity < 0 || cfg.QueueMaxAttempts < 0 {
		return fmt.Errorf("queue settings must be >= 0")
	}
	durations := map[string]string{
		"upstream_timeout":         cfg.UpstreamTimeout,
		"keepalive_interval":       cfg.KeepAliveInterval,
		"start_retrigger_interval": cfg.StartRetriggerInterval,
		"frame_max_delay":          cfg.FrameMaxDelay,
		"write_timeout":            cfg.WriteTimeout,
	}
	for key, raw := range durations {
		if _, err := ParseDuration(key, raw); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePort accepts 0 (unset) or a TCP port.
func ValidatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", key, port)
	}
	return nil
}

// ParseDuration reads a Go duration string; empty yields zero.
func ParseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative: %s", key, raw)
	}
	return d, nil
}
