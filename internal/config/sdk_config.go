// Package config provides configuration management for copilotctl.
// It handles loading and parsing the YAML configuration file and provides structured
// access to the management API address, the credential directory, logging switches,
// the outbound proxy and the Copilot proxy settings.
package config

// SDKConfig holds the settings shared by every outbound HTTP client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// Supported schemes are http, https and socks5.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables logging of management API request bodies (tokens redacted).
	RequestLog bool `yaml:"request-log" json:"request-log"`
}
