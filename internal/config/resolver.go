package config

import (
	"errors"
	"strings"

	"difyrelay/internal/models"
)

// ProcessConfig holds the process-wide upstream defaults. It is read once at
// startup and passed explicitly to whoever resolves per-request targets.
type ProcessConfig struct {
	DefaultURL string
	DefaultKey string
}

// Override carries per-request values supplied by the caller. Blank fields
// fall back to the process defaults.
type Override struct {
	URL        string
	Credential string
}

// ConfigurationError reports that no usable upstream target could be
// resolved. Its message never includes the URL or credential.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return "missing configuration: " + e.Field
}

var (
	ErrMissingURL        = &ConfigurationError{Field: "upstream url"}
	ErrMissingCredential = &ConfigurationError{Field: "credential"}
)

// IsConfigurationError reports whether err is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Resolve picks the effective upstream target. Override wins over defaults.
func Resolve(o Override, d ProcessConfig) (models.ProxyConfig, error) {
	url := strings.TrimSpace(o.URL)
	if url == "" {
		url = strings.TrimSpace(d.DefaultURL)
	}
	url = strings.TrimRight(url, "/")
	if url == "" {
		return models.ProxyConfig{}, ErrMissingURL
	}

	cred := strings.TrimSpace(o.Credential)
	if strings.EqualFold(cred, "bearer") {
		// "Authorization: Bearer " with nothing after it
		cred = ""
	}
	if cred == "" {
		cred = strings.TrimSpace(d.DefaultKey)
	}
	if cred == "" {
		return models.ProxyConfig{}, ErrMissingCredential
	}

	return models.ProxyConfig{
		TargetURL:  url,
		AuthHeader: authorizationValue(cred),
	}, nil
}

// authorizationValue keeps a credential that already names a scheme
// ("Bearer abc", "Basic xyz") and wraps a bare token as a bearer token.
func authorizationValue(cred string) string {
	if scheme, token, ok := strings.Cut(cred, " "); ok && scheme != "" && strings.TrimSpace(token) != "" {
		return cred
	}
	return "Bearer " + cred
}
