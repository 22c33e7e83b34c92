package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type Relay struct {
	// URL of a remote relay server, e.g. http://1.2.3.4:8787.
	// Empty means an embedded relay is started on Bind:Port.
	URL string `json:"url"`

	// If true, run a relay server on Bind:Port alongside the agent.
	Host bool `json:"host"`

	// If true, run ONLY the relay server; no agent, no viewer.
	// Implies Host=true.
	HostOnly bool `json:"host_only"`

	// Bind address for the relay server. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept connections from other machines.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// SQLite database path for the relay server. Empty means in-memory only.
	// Relative paths resolve against the config file's directory.
	DBPath string `json:"db_path"`

	// bcrypt hash of the password protecting GET /api/stats.
	// Empty disables the stats endpoint (returns 403).
	AdminPasswordHash string `json:"admin_password_hash"`
}

type Call struct {
	// Disable call support entirely (agent still shows presence).
	Disabled bool `json:"disabled"`

	// Ring timeout before an unanswered outbound call gives up.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Grace delay between a terminal status and teardown, so the
	// reason stays readable in the viewer.
	EndGraceMs int `json:"end_grace_ms"`

	// STUN/TURN URLs handed to the negotiation engine.
	ICEServers []string `json:"ice_servers"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Relay: Relay{
			Bind: "127.0.0.1",
			Port: 8787,
		},
		Call: Call{
			RingTimeoutSec: 30,
			EndGraceMs:     1500,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
	}
}

func (c *Config) Validate() error {
	// Identity is required unless this process is a pure relay server.
	if !c.Relay.HostOnly {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
		if strings.TrimSpace(c.Identity.Name) == "" {
			return errors.New("identity.name is required")
		}
	}

	// Relay
	if c.Relay.HostOnly && !c.Relay.Host {
		return errors.New("relay.host_only requires relay.host=true")
	}
	if c.Relay.Host {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return errors.New("relay.port must be 1..65535 when relay.host is enabled")
		}
		if b := c.Relay.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("relay.bind must be a valid IP address")
			}
		}
	}
	if !c.Relay.Host && strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required when relay.host is disabled")
	}
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}

	// Call
	if !c.Call.Disabled {
		if c.Call.RingTimeoutSec <= 0 {
			return errors.New("call.ring_timeout_seconds must be > 0")
		}
		if c.Call.EndGraceMs < 0 {
			return errors.New("call.end_grace_ms must be >= 0")
		}
		for _, s := range c.Call.ICEServers {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
				return fmt.Errorf("call.ice_servers: %q must be a stun:/turn:/turns: URL", s)
			}
		}
	}

	// Viewer
	if !c.Relay.HostOnly && strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("viewer.http_addr is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if host := u.Hostname(); host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like host_only) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation until
// identity is filled in, so Ensure saves via LoadPartial semantics.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
