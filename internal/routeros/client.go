// Package routeros reads DHCP leases from a MikroTik router over the
// RouterOS REST API.
package routeros

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/model"
)

const maxRetryAttempts = 3

// LeaseSource fetches bound leases from /ip/dhcp-server/lease.
type LeaseSource struct {
	httpClient *http.Client
	cfg        model.RouterConfig
	logger     *slog.Logger
	now        func() time.Time
	sleepFn    func(ctx context.Context, wait time.Duration) error
}

func NewLeaseSource(cfg model.RouterConfig, logger *slog.Logger) *LeaseSource {
	return NewLeaseSourceWithHTTPClient(cfg, &http.Client{Timeout: cfg.RequestTimeout()}, logger)
}

func NewLeaseSourceWithHTTPClient(cfg model.RouterConfig, httpClient *http.Client, logger *slog.Logger) *LeaseSource {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = cfg.RequestTimeout()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseSource{
		httpClient: withTLS(httpClient, cfg),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleepFn:    sleepContext,
	}
}

func withTLS(httpClient *http.Client, cfg model.RouterConfig) *http.Client {
	client := *httpClient
	if !cfg.SSL {
		return &client
	}
	var transport *http.Transport
	if existing, ok := client.Transport.(*http.Transport); ok {
		transport = existing.Clone()
	} else if defaultTransport, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = defaultTransport.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS} //nolint:gosec
	client.Transport = transport
	return &client
}

// Leases returns the router's bound leases. Waiting or expired entries and
// rows without an address are skipped.
func (s *LeaseSource) Leases(ctx context.Context) ([]model.Lease, error) {
	base := strings.TrimSuffix(s.cfg.BaseURL(), "/")
	rows, err := s.fetchRows(ctx, base+"/ip/dhcp-server/lease")
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	items := make([]model.Lease, 0, len(rows))
	for _, row := range rows {
		address := str(row["address"])
		if address == "" {
			continue
		}
		if status := str(row["status"]); status != "" && status != "bound" {
			continue
		}
		if str(row["disabled"]) == "true" {
			continue
		}
		lease := model.Lease{
			Address:  address,
			MAC:      canonicalMAC(str(row["mac-address"])),
			Hostname: str(row["host-name"]),
			ClientID: str(row["client-id"]),
			Source:   model.SourceRouterOS,
		}
		if d, err := parseRouterOSDuration(str(row["expires-after"])); err == nil {
			expires := now.Add(d)
			lease.Expires = &expires
		}
		items = append(items, lease)
	}
	s.logger.Debug("routeros leases fetched", "count", len(items))
	return items, nil
}

func (s *LeaseSource) fetchRows(ctx context.Context, endpoint string) ([]map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		rows, err := s.doFetchRows(ctx, endpoint)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if attempt == maxRetryAttempts {
			break
		}
		if err := s.sleepFn(ctx, time.Duration(attempt)*400*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("routeros request failed for %s: %w", endpoint, lastErr)
}

func (s *LeaseSource) doFetchRows(ctx context.Context, endpoint string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, errors.New("empty response")
	}
	return rows, nil
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}

func canonicalMAC(v string) string {
	v = strings.TrimSpace(strings.ToUpper(v))
	if v == "" {
		return ""
	}
	return strings.ReplaceAll(v, "-", ":")
}
