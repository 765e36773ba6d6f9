package model

import (
	"net/url"
	"strings"
	"time"
)

// RouterConfig is the RouterOS REST endpoint used as a lease source.
type RouterConfig struct {
	Host      string        `json:"host" yaml:"host"`
	Username  string        `json:"username" yaml:"username"`
	Password  string        `json:"-" yaml:"password"`
	SSL       bool          `json:"ssl" yaml:"ssl"`
	VerifyTLS bool          `json:"verify_tls" yaml:"verify_tls"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// RequestTimeout returns Timeout or the 10s default.
func (c RouterConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

func (c RouterConfig) BaseURL() string {
	defaultScheme := "https"
	if !c.SSL {
		defaultScheme = "http"
	}

	raw := strings.TrimSpace(c.Host)
	if raw == "" {
		return defaultScheme + ":///rest"
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		host := strings.TrimSpace(c.Host)
		host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
		host = strings.Trim(host, "/")
		return defaultScheme + "://" + host + "/rest"
	}

	scheme := strings.TrimSpace(parsed.Scheme)
	if scheme == "" {
		scheme = defaultScheme
	}
	path := strings.TrimSuffix(strings.TrimSpace(parsed.Path), "/")
	switch {
	case path == "", path == "/":
		path = "/rest"
	case strings.HasSuffix(path, "/rest"):
		// Keep an explicit REST path (for example behind reverse proxy).
	default:
		path = path + "/rest"
	}

	return scheme + "://" + parsed.Host + path
}
