package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "15s" or "6m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Watchdog bounds a running automation from the client side.
type Watchdog struct {
	Enabled       bool     `toml:"enabled"`
	TotalTimeout  Duration `toml:"total_timeout"`
	StallTimeout  Duration `toml:"stall_timeout"`
	CheckInterval Duration `toml:"check_interval"`
}

// Client is the operator CLI configuration.
type Client struct {
	ServerURL          string              `toml:"server_url"`
	UserName           string              `toml:"user_name"`
	StateDir           string              `toml:"state_dir"`
	QueuePollInterval  Duration            `toml:"queue_poll_interval"`
	ResumePollInterval Duration            `toml:"resume_poll_interval"`
	StateTTL           Duration            `toml:"state_ttl"`
	DisplayMaxAge      Duration            `toml:"display_max_age"`
	LogLevel           string              `toml:"log_level"`
	Watchdog           map[string]Watchdog `toml:"watchdog"`
}

// DefaultClient mirrors the timings the web client shipped with. The ROM
// generator is the only process type guarded by a watchdog by default.
func DefaultClient() Client {
	return Client{
		ServerURL:          "http://localhost:8080",
		UserName:           "Guest",
		StateDir:           defaultStateDir(),
		QueuePollInterval:  Duration{3 * time.Second},
		ResumePollInterval: Duration{4 * time.Second},
		StateTTL:           Duration{time.Hour},
		DisplayMaxAge:      Duration{6 * time.Minute},
		LogLevel:           "warn",
		Watchdog: map[string]Watchdog{
			"ROM Generator": {
				Enabled:       true,
				TotalTimeout:  Duration{6 * time.Minute},
				StallTimeout:  Duration{5 * time.Minute},
				CheckInterval: Duration{15 * time.Second},
			},
		},
	}
}

// LoadClient reads the TOML file at path over DefaultClient. A missing file is
// not an error. SALESHUB_SERVER_URL and SALESHUB_USER_NAME override the file.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if path == "" {
		path = DefaultClientPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Client{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Client{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("SALESHUB_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SALESHUB_USER_NAME")); v != "" {
		cfg.UserName = v
	}
	if v := strings.TrimSpace(os.Getenv("SALESHUB_STATE_DIR")); v != "" {
		cfg.StateDir = v
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c Client) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: server_url is required")
	}
	if c.StateDir == "" {
		return errors.New("config: state_dir is required")
	}
	if c.QueuePollInterval.Duration <= 0 || c.ResumePollInterval.Duration <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	for name, wd := range c.Watchdog {
		if !wd.Enabled {
			continue
		}
		if wd.TotalTimeout.Duration <= 0 || wd.StallTimeout.Duration <= 0 || wd.CheckInterval.Duration <= 0 {
			return fmt.Errorf("config: watchdog %q needs positive timeouts", name)
		}
	}
	return nil
}

// WatchdogFor returns the watchdog settings for a process type, if any.
func (c Client) WatchdogFor(processType string) (Watchdog, bool) {
	wd, ok := c.Watchdog[processType]
	if !ok || !wd.Enabled {
		return Watchdog{}, false
	}
	return wd, true
}

// DefaultClientPath is $XDG_CONFIG_HOME/saleshub/config.toml.
func DefaultClientPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "saleshub", "config.toml")
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "saleshub")
	}
	return filepath.Join(os.TempDir(), "saleshub")
}
