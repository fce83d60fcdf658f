package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{
			DMPolicy:    "open",
			GroupPolicy: "open",
		},
		Gateway: GatewayConfig{
			URL:     "ws://127.0.0.1:18790/ws",
			AgentID: DefaultAgentID,
		},
		Ops: OpsConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		Sessions: SessionsConfig{
			Storage: "~/.clawrelay/sessions",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "clawrelay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CLAWRELAY_DISCORD_TOKEN", &c.Discord.Token)
	envStr("CLAWRELAY_DISCORD_DM_POLICY", &c.Discord.DMPolicy)
	envStr("CLAWRELAY_DISCORD_GROUP_POLICY", &c.Discord.GroupPolicy)
	if v := os.Getenv("CLAWRELAY_DISCORD_ALLOW_FROM"); v != "" {
		c.Discord.AllowFrom = splitList(v)
	}

	envStr("CLAWRELAY_GATEWAY_URL", &c.Gateway.URL)
	envStr("CLAWRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWRELAY_AGENT_ID", &c.Gateway.AgentID)

	envStr("CLAWRELAY_OPS_HOST", &c.Ops.Host)
	if v := os.Getenv("CLAWRELAY_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= 0 {
			c.Ops.Port = port
		}
	}

	envStr("CLAWRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)

	envBool("CLAWRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("CLAWRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CLAWRELAY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Save writes the config to a JSON file. Secrets are stripped so tokens
// only ever live in env vars or a hand-edited file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	cp := &Config{
		Discord:   cfg.Discord,
		Gateway:   cfg.Gateway,
		Ops:       cfg.Ops,
		Sessions:  cfg.Sessions,
		Telemetry: cfg.Telemetry,
	}
	cfg.mu.RUnlock()
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SessionsPath returns the expanded session storage directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// Hash returns a short SHA-256 hash of the config.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by `config check` and the ops endpoint.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		Discord:   c.Discord,
		Gateway:   c.Gateway,
		Ops:       c.Ops,
		Sessions:  c.Sessions,
		Telemetry: c.Telemetry,
	}
	cp.Discord.AllowFrom = append(FlexibleStringSlice(nil), c.Discord.AllowFrom...)

	maskNonEmpty(&cp.Discord.Token)
	maskNonEmpty(&cp.Gateway.Token)
	return cp
}

// StripSecrets clears every secret field.
func (c *Config) StripSecrets() {
	c.Discord.Token = ""
	c.Gateway.Token = ""
}

// DiscordPolicy returns a copy of the live Discord access settings.
func (c *Config) DiscordPolicy() DiscordConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Discord
	d.AllowFrom = append(FlexibleStringSlice(nil), c.Discord.AllowFrom...)
	return d
}

// ApplyPolicy copies the hot-reloadable fields from next: the Discord
// allowlist and DM/group policies. Credentials and endpoints need a restart.
func (c *Config) ApplyPolicy(next *Config) {
	next.mu.RLock()
	allow := append(FlexibleStringSlice(nil), next.Discord.AllowFrom...)
	dm, group := next.Discord.DMPolicy, next.Discord.GroupPolicy
	next.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Discord.AllowFrom = allow
	c.Discord.DMPolicy = dm
	c.Discord.GroupPolicy = group
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
