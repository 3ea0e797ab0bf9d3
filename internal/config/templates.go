package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "racefwd":
		return racefwdTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const racefwdTemplate = `# private binds 127.0.0.1, public binds 0.0.0.0
listen_mode = "private"
admin_addr = "127.0.0.1:9090"
# bearer token for /forwarders and /upstream routes; empty leaves them open
admin_token = ""
cors_origins = ["http://localhost:3000"]

api_host = "https://racemap.com"
api_token = ""
upstream_timeout = "30s"
# fire_and_forget | queued
dispatch = "fire_and_forget"
queue_capacity = 1024
queue_max_attempts = 5

chrono_enabled = true
chrono_port = 3000
chrono_chip_prefix = "Chrono_"
# iso | normal | unix
chrono_time_format = "iso"
chrono_traffic_log = ""

mylaps_enabled = true
mylaps_port = 3097
mylaps_chip_prefix = "MyLaps_"

# applied to ChronoTrack "normal" time-of-day telegrams
timezone_offset_hours = 0.0

keepalive_interval = "10s"
start_retrigger_interval = "1s"
# 0 keeps retriggering until the client disconnects
start_retrigger_limit = 0
frame_max_delay = "500ms"
write_timeout = "5s"
`
