package common

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// ===============================================================================
// Backend Related Config

// BackendConfig defines parameters for calling the queue backend REST API
type BackendConfig struct {
	// BaseURL is the REST API base, e.g. https://clinic.example.com/api
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// RequestTimeout is the max duration of one REST call in milliseconds
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
	// RequestIDHeader is the HTTP header carrying the request ID of each call
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
}

// ===============================================================================
// Event Channel Related Config

// ChannelConfig defines parameters of the event channel
type ChannelConfig struct {
	// URL explicitly sets the event channel endpoint. When empty, the endpoint is
	// derived from the backend base URL.
	URL string `mapstructure:"url" json:"url" validate:"omitempty,uri"`
	// Transport selects the link implementation
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=websocket nats"`
	// SubjectPrefix is the NATS subject prefix for all events (nats transport only)
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// ConnectTimeout is the max duration of one connection attempt in milliseconds
	ConnectTimeout int `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms" validate:"gte=1"`
	// ReconnectWait is the fixed delay between reconnect attempts in milliseconds
	ReconnectWait int `mapstructure:"reconnect_wait_ms" json:"reconnect_wait_ms" validate:"gte=1"`
	// AckGrace is the extra wait after the ACK timeout before resolving in milliseconds
	AckGrace int `mapstructure:"ack_grace_ms" json:"ack_grace_ms" validate:"gte=0"`
	// PingPeriod is the keep-alive ping interval in seconds (websocket only)
	PingPeriod int `mapstructure:"ping_period_sec" json:"ping_period_sec" validate:"gte=1"`
	// ReadLimit is the max size of one inbound frame in bytes
	ReadLimit int64 `mapstructure:"read_limit" json:"read_limit" validate:"gte=1024"`
	// EventBuffer is the depth of the inbound event queue
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
}

// ===============================================================================
// Action / Viewer Related Config

// ActionConfig defines parameters of the action coordinator
type ActionConfig struct {
	// AckTimeout is how long to wait for the event channel ACK in milliseconds
	AckTimeout int `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms" validate:"gte=1"`
	// SettleDelay is the delay before re-fetching after a confirmed action in milliseconds
	SettleDelay int `mapstructure:"settle_delay_ms" json:"settle_delay_ms" validate:"gte=0"`
}

// ViewerConfig defines parameters shared by all viewers
type ViewerConfig struct {
	// PollInterval is the fallback polling interval in seconds. 0 disables polling.
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=0"`
	// SnapshotTTL is how long a scope only read through the monitor API stays tracked
	// after its last read, in seconds. 0 disables tracking of such scopes.
	SnapshotTTL int `mapstructure:"snapshot_ttl_sec" json:"snapshot_ttl_sec" validate:"gte=0"`
	// MaxSnapshotScopes bounds the scopes tracked for monitor API reads
	MaxSnapshotScopes int `mapstructure:"max_snapshot_scopes" json:"max_snapshot_scopes" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// MonitorEndpointConfig defines monitor API endpoint config
type MonitorEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the monitor APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// MonitorServerConfig defines configuration for the monitor API server
type MonitorServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the monitor API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the monitor API server
	Endpoints MonitorEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete config of a queuesync process
type SystemConfig struct {
	// Backend are the backend REST API parameters
	Backend BackendConfig `mapstructure:"backend" json:"backend" validate:"required"`
	// Channel are the event channel parameters
	Channel ChannelConfig `mapstructure:"channel" json:"channel" validate:"required"`
	// Actions are the action coordinator parameters
	Actions ActionConfig `mapstructure:"actions" json:"actions" validate:"required"`
	// Viewers are the viewer parameters
	Viewers ViewerConfig `mapstructure:"viewers" json:"viewers" validate:"required"`
	// Monitor are the monitor API server configs
	Monitor *MonitorServerConfig `mapstructure:"monitor,omitempty" json:"monitor,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default backend settings
	viper.SetDefault("backend.base_url", "http://127.0.0.1:8080/api")
	viper.SetDefault("backend.request_timeout_ms", 10000)
	viper.SetDefault("backend.request_id_header", "Queuesync-Request-ID")

	// Default event channel settings
	viper.SetDefault("channel.transport", "websocket")
	viper.SetDefault("channel.subject_prefix", "queuesync")
	viper.SetDefault("channel.connect_timeout_ms", 10000)
	viper.SetDefault("channel.reconnect_wait_ms", 2000)
	viper.SetDefault("channel.ack_grace_ms", 500)
	viper.SetDefault("channel.ping_period_sec", 25)
	viper.SetDefault("channel.read_limit", 65536)
	viper.SetDefault("channel.event_buffer", 64)

	// Default action settings
	viper.SetDefault("actions.ack_timeout_ms", 5000)
	viper.SetDefault("actions.settle_delay_ms", 300)

	// Default viewer settings
	viper.SetDefault("viewers.poll_interval_sec", 30)
	viper.SetDefault("viewers.snapshot_ttl_sec", 300)
	viper.SetDefault("viewers.max_snapshot_scopes", 64)

	// Default monitor server settings
	viper.SetDefault("monitor.endpoint_config.path_prefix", "/")
	viper.SetDefault("monitor.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("monitor.api_server.server_config.listen_port", 3000)
	viper.SetDefault("monitor.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("monitor.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("monitor.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"monitor.api_server.logging_config.request_id_header", "Queuesync-Request-ID",
	)
	viper.SetDefault(
		"monitor.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// ===============================================================================

// ResolveChannelEndpoint determine the event channel endpoint.
//
// In order of preference: the explicit channel URL, an endpoint derived from the
// backend base URL, or a same-origin fallback pointing at the local monitor server.
func ResolveChannelEndpoint(cfg SystemConfig) string {
	if cfg.Channel.URL != "" {
		return cfg.Channel.URL
	}
	if cfg.Channel.Transport == "nats" {
		return "nats://127.0.0.1:4222"
	}
	if derived, err := deriveChannelEndpoint(cfg.Backend.BaseURL); err == nil {
		return derived
	}
	port := uint16(80)
	if cfg.Monitor != nil && cfg.Monitor.HTTPSetting.Server.Port > 0 {
		port = cfg.Monitor.HTTPSetting.Server.Port
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
}

// deriveChannelEndpoint convert a REST base URL into the websocket endpoint on the same host
func deriveChannelEndpoint(baseURL string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("no backend base URL")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend scheme '%s'", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("backend base URL %s has no host", baseURL)
	}
	parsed.Path = "/ws"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
