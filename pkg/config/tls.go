package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       any
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value any, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions. The governor serves
// audit data, so versions below 1.2 are refused.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	switch v := TLSVersion(strings.TrimSpace(version)); v {
	case TLSVersion12, TLSVersion13:
		return v, nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 maps the version onto crypto/tls.
func (v TLSVersion) Uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// TLSConfig represents TLS termination for the HTTP server
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// Validate checks a TLS configuration. A disabled configuration is always valid.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file")
	}

	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	return nil
}

// ServerConfig builds the crypto/tls configuration. Certificates are loaded by
// the server from CertFile and KeyFile.
func (c *TLSConfig) ServerConfig() *tls.Config {
	version, _ := ParseTLSVersion(c.MinVersion)
	return &tls.Config{MinVersion: version.Uint16()}
}
