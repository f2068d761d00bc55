// Package gcp implements the GCP billing adapter: a connector that
// downloads the BigQuery billing-export rows (exported as JSON) and a
// mapper from the export schema to FOCUS 1.2 records.
package gcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
)

const sourceTypeDataWarehouse = "sql_database"

type authConfig struct {
	Method      string `json:"method"`
	BearerToken string `json:"bearer_token"`
}

// Connector fetches billing-export rows for the requested window.
type Connector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewAdapter builds the GCP connector and mapper from a provider row.
func NewAdapter(p *storage.Provider) (*provider.Adapter, error) {
	var auth authConfig
	if len(p.AuthConfig) > 0 {
		if err := json.Unmarshal(p.AuthConfig, &auth); err != nil {
			return nil, perrors.NewAuthError("invalid gcp auth config", err)
		}
	}
	if p.APIEndpoint == "" {
		return nil, perrors.NewNotFoundError("gcp provider has no billing export endpoint configured")
	}
	return &provider.Adapter{
		Connector: &Connector{
			endpoint: p.APIEndpoint,
			token:    auth.BearerToken,
			client:   &http.Client{Timeout: 2 * time.Minute},
		},
		Mapper: NewMapper(p.ID.String()),
	}, nil
}

// NewConnector wires an explicit endpoint and client, used by tests.
func NewConnector(endpoint, token string, client *http.Client) *Connector {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Connector{endpoint: endpoint, token: token, client: client}
}

// Extract downloads export rows whose usage time overlaps the window. The
// export is served either as a JSON array or newline-delimited JSON.
func (c *Connector) Extract(ctx context.Context, window provider.Window, params map[string]any) ([]provider.RawBatch, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, perrors.NewNotFoundError("invalid gcp export endpoint: " + c.endpoint)
	}
	q := u.Query()
	q.Set("usage_start", window.Start.UTC().Format(time.RFC3339))
	q.Set("usage_end", window.End.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build gcp export request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, perrors.NewTransientError("gcp export request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, perrors.NewAuthError(fmt.Sprintf("gcp export rejected credentials (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, perrors.NewNotFoundError("gcp billing export not found at " + c.endpoint)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, perrors.NewTransientError(fmt.Sprintf("gcp export unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, perrors.NewTransientError(fmt.Sprintf("unexpected gcp export status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.NewTransientError("failed to read gcp export body", err)
	}

	records, err := parseExportRows(body)
	if err != nil {
		return nil, perrors.NewTransientError("gcp export returned malformed JSON", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	return []provider.RawBatch{{
		Records:     records,
		RecordCount: len(records),
		SourceName:  "gcp_billing_export",
		SourceType:  sourceTypeDataWarehouse,
		Params: map[string]any{
			"endpoint": c.endpoint,
		},
	}}, nil
}

func parseExportRows(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var records []map[string]any
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	// Newline-delimited JSON, one export row per line.
	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}
