package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the relay.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Gateway   GatewayConfig   `json:"gateway"`
	Ops       OpsConfig       `json:"ops"`
	Sessions  SessionsConfig  `json:"sessions"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig points the relay at the agent gateway that generates replies.
type GatewayConfig struct {
	URL     string `json:"url"`                // ws://host:port/ws
	Token   string `json:"token,omitempty"`    // also from env CLAWRELAY_GATEWAY_TOKEN
	AgentID string `json:"agent_id,omitempty"` // target agent (default "default")
}

// OpsConfig configures the health/metrics HTTP listener.
type OpsConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"` // 0 = disabled
}

// Addr returns host:port for the ops listener.
func (o OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// SessionsConfig controls the per-session run ledger.
type SessionsConfig struct {
	Storage string `json:"storage"` // directory; "" keeps runs in memory only
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // skip TLS
	ServiceName string `json:"service_name,omitempty"` // default "clawrelay"
}

// DefaultAgentID is used when no agent is configured.
const DefaultAgentID = "default"

// AgentID returns the configured agent, falling back to DefaultAgentID.
func (c *Config) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Gateway.AgentID != "" {
		return c.Gateway.AgentID
	}
	return DefaultAgentID
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Discord.Token == "" {
		return fmt.Errorf("discord token is required (set discord.token or CLAWRELAY_DISCORD_TOKEN)")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway url is required (set gateway.url or CLAWRELAY_GATEWAY_URL)")
	}
	for name, p := range map[string]string{"dm_policy": c.Discord.DMPolicy, "group_policy": c.Discord.GroupPolicy} {
		switch p {
		case "", "open", "allowlist", "disabled":
		default:
			return fmt.Errorf("discord.%s: unknown policy %q", name, p)
		}
	}
	return nil
}
