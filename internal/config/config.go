// Package config decodes TOML configuration files for the agent and proxy
// binaries into plain structs, mirroring the recognized options of the
// wire-level configuration surface. A file is decoded over the Default*Config
// values, so any option it sets overrides the default; environment variables
// and CLI flags do not override file values.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quhxuxm/ppaass-v3/internal/pool"
)

// ServerConfig holds options common to both the agent and proxy binaries.
type ServerConfig struct {
	IPv6                          bool          `toml:"ip_v6"`
	ServerPort                    int           `toml:"server_port"`
	WorkerThreadNumber            int           `toml:"worker_thread_number"`
	LogDir                        string        `toml:"log_dir"`
	LogNamePrefix                 string        `toml:"log_name_prefix"`
	MaxLogLevel                   string        `toml:"max_log_level"`
	UserDir                       string        `toml:"user_dir"`
	UserInfoRepositoryRefreshSecs int           `toml:"user_info_repository_refresh_interval"`
}

func (c ServerConfig) UserInfoRepositoryRefreshInterval() time.Duration {
	return time.Duration(c.UserInfoRepositoryRefreshSecs) * time.Second
}

// ConnectionConfig holds the tunables shared by any side that dials a proxy
// connection (an agent dialing its proxy, or a proxy cascading to another).
type ConnectionConfig struct {
	ProxyFrameBufferSize            int `toml:"proxy_frame_buffer_size"`
	ProxyConnectTimeoutSecs         int `toml:"proxy_connect_timeout"`
	AgentToProxyRelayBufferSize     int `toml:"agent_to_proxy_data_relay_buffer_size"`
	ProxyToAgentRelayBufferSize     int `toml:"proxy_to_agent_data_relay_buffer_size"`
}

func (c ConnectionConfig) ProxyConnectTimeout() time.Duration {
	return time.Duration(c.ProxyConnectTimeoutSecs) * time.Second
}

// PoolConfig holds the tunables of internal/pool.Config at the
// configuration-file level (seconds, not time.Duration, to keep the TOML
// surface plain numbers).
type PoolConfig struct {
	MaxPoolSize           int `toml:"max_pool_size"`
	FillIntervalSecs      int `toml:"fill_interval"`
	CheckIntervalSecs     int `toml:"check_interval"`
	ConnectionMaxAliveSecs int `toml:"connection_max_alive"`
	HeartbeatTimeoutSecs  int `toml:"heartbeat_timeout"`
	RetakeIntervalSecs    int `toml:"retake_interval"`
}

func (c PoolConfig) FillInterval() time.Duration       { return time.Duration(c.FillIntervalSecs) * time.Second }
func (c PoolConfig) CheckInterval() time.Duration      { return time.Duration(c.CheckIntervalSecs) * time.Second }
func (c PoolConfig) ConnectionMaxAlive() time.Duration { return time.Duration(c.ConnectionMaxAliveSecs) * time.Second }
func (c PoolConfig) HeartbeatTimeout() time.Duration   { return time.Duration(c.HeartbeatTimeoutSecs) * time.Second }
func (c PoolConfig) RetakeInterval() time.Duration     { return time.Duration(c.RetakeIntervalSecs) * time.Second }

// maxTakeAttemptsDefault bounds Pool.Take's retry loop when a config doesn't
// override it; a take attempt costs one RetakeInterval wait in the worst
// case, so this keeps a stalled take from blocking indefinitely yet still
// gives a cold pool chance to fill.
const maxTakeAttemptsDefault = 30

// ToPoolConfig adapts the file-level, seconds-based PoolConfig into
// internal/pool.Config's time.Duration fields.
func (c PoolConfig) ToPoolConfig(connectTimeout time.Duration) pool.Config {
	return pool.Config{
		MaxPoolSize:        c.MaxPoolSize,
		FillInterval:       c.FillInterval(),
		CheckInterval:      c.CheckInterval(),
		ConnectionMaxAlive: c.ConnectionMaxAlive(),
		HeartbeatTimeout:   c.HeartbeatTimeout(),
		ConnectTimeout:     connectTimeout,
		RetakeInterval:     c.RetakeInterval(),
		MaxTakeAttempts:    maxTakeAttemptsDefault,
	}
}

// DNSConfig configures internal/dnsresolve's resolver, used by a proxy to
// resolve UnifiedAddress::Domain destinations before dialing direct. A zero
// value (no nameservers) leaves direct-dial destination resolution to the
// stdlib resolver net.Dialer already falls back to.
type DNSConfig struct {
	Nameservers     []string `toml:"nameservers"`
	QueryTimeoutSecs int     `toml:"query_timeout"`
	CacheSize       int      `toml:"cache_size"`
}

func (c DNSConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSecs) * time.Second
}

// ForwardConfig describes a proxy's optional cascade to a next-hop proxy.
type ForwardConfig struct {
	Username             string      `toml:"username"`
	UserDir              string      `toml:"user_dir"`
	ProxyFrameBufferSize int         `toml:"proxy_frame_buffer_size"`
	ProxyConnectTimeoutSecs int      `toml:"proxy_connect_timeout"`
	ConnectionPool       *PoolConfig `toml:"connection_pool"`
}

func (c ForwardConfig) ProxyConnectTimeout() time.Duration {
	return time.Duration(c.ProxyConnectTimeoutSecs) * time.Second
}

// AgentConfig is the full recognized configuration surface for the agent
// binary.
type AgentConfig struct {
	Server     ServerConfig     `toml:"server"`
	Connection ConnectionConfig `toml:"connection"`
	Pool       PoolConfig       `toml:"pool"`
	Username   string           `toml:"username"`
}

// ProxyConfig is the full recognized configuration surface for the proxy
// binary.
type ProxyConfig struct {
	Server                              ServerConfig     `toml:"server"`
	Connection                          ConnectionConfig `toml:"connection"`
	Pool                                PoolConfig       `toml:"pool"`
	DestinationConnectTimeoutSecs       int              `toml:"destination_connect_timeout"`
	AgentFrameBufferSize                int              `toml:"agent_frame_buffer_size"`
	ProxyToDestinationRelayBufferSize   int              `toml:"proxy_to_destination_data_relay_buffer_size"`
	DestinationToProxyRelayBufferSize   int              `toml:"destination_to_proxy_data_relay_buffer_size"`
	Forward                             *ForwardConfig   `toml:"forward"`
	DNS                                 DNSConfig        `toml:"dns"`
}

func (c ProxyConfig) DestinationConnectTimeout() time.Duration {
	return time.Duration(c.DestinationConnectTimeoutSecs) * time.Second
}

// DefaultAgentConfig mirrors the original project's shipped defaults closely
// enough to let an agent run from a minimal config file.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Server: ServerConfig{
			ServerPort:                     10080,
			WorkerThreadNumber:             4,
			LogNamePrefix:                  "agent",
			MaxLogLevel:                    "info",
			UserDir:                        "resources/user",
			UserInfoRepositoryRefreshSecs: 60,
		},
		Connection: ConnectionConfig{
			ProxyFrameBufferSize:        65536,
			ProxyConnectTimeoutSecs:     5,
			AgentToProxyRelayBufferSize: 65536,
			ProxyToAgentRelayBufferSize: 65536,
		},
		Pool: PoolConfig{
			MaxPoolSize:            8,
			FillIntervalSecs:       5,
			CheckIntervalSecs:      10,
			ConnectionMaxAliveSecs: 300,
			HeartbeatTimeoutSecs:   5,
			RetakeIntervalSecs:     1,
		},
	}
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Server: ServerConfig{
			ServerPort:                     10081,
			WorkerThreadNumber:             4,
			LogNamePrefix:                  "proxy",
			MaxLogLevel:                    "info",
			UserDir:                        "resources/user",
			UserInfoRepositoryRefreshSecs: 60,
		},
		Connection: ConnectionConfig{
			ProxyFrameBufferSize:        65536,
			ProxyConnectTimeoutSecs:     5,
			AgentToProxyRelayBufferSize: 65536,
			ProxyToAgentRelayBufferSize: 65536,
		},
		DestinationConnectTimeoutSecs:     5,
		AgentFrameBufferSize:              65536,
		ProxyToDestinationRelayBufferSize: 65536,
		DestinationToProxyRelayBufferSize: 65536,
		DNS: DNSConfig{
			Nameservers:      []string{"1.1.1.1:53", "8.8.8.8:53"},
			QueryTimeoutSecs: 5,
			CacheSize:        1024,
		},
	}
}

// LoadAgentConfig decodes path over DefaultAgentConfig, so a config file only
// needs to set the options it wants to override.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decoding agent config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadProxyConfig(path string) (ProxyConfig, error) {
	cfg := DefaultProxyConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ProxyConfig{}, fmt.Errorf("decoding proxy config %s: %w", path, err)
	}
	return cfg, nil
}
