// Package azure implements the Azure billing adapter. Azure Cost
// Management FOCUS exports are already FOCUS-shaped, so the connector
// downloads export rows over REST and the mapper normalizes and validates
// them.
package azure

import (
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

const sourceTypeRESTAPI = "rest_api"

type authConfig struct {
	Method      string `json:"method"`
	BearerToken string `json:"bearer_token"`
}

// Connector fetches rows from a Cost Management FOCUS export endpoint.
type Connector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewAdapter builds the Azure connector and mapper from a provider row.
func NewAdapter(p *storage.Provider) (*provider.Adapter, error) {
	var auth authConfig
	if len(p.AuthConfig) > 0 {
		if err := json.Unmarshal(p.AuthConfig, &auth); err != nil {
			return nil, perrors.NewAuthError("invalid azure auth config", err)
		}
	}
	if p.APIEndpoint == "" {
		return nil, perrors.NewNotFoundError("azure provider has no export endpoint configured")
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

// Extract downloads the export rows overlapping the window. The endpoint
// is expected to return a JSON array of FOCUS-column objects; an empty
// array is a legitimately empty window.
func (c *Connector) Extract(ctx context.Context, window provider.Window, params map[string]any) ([]provider.RawBatch, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, perrors.NewNotFoundError("invalid azure export endpoint: " + c.endpoint)
	}
	q := u.Query()
	q.Set("startDate", window.Start.UTC().Format("2006-01-02"))
	q.Set("endDate", window.End.UTC().Format("2006-01-02"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build azure export request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, perrors.NewTransientError("azure export request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, perrors.NewAuthError(fmt.Sprintf("azure export rejected credentials (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, perrors.NewNotFoundError("azure export not found at " + c.endpoint)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, perrors.NewTransientError(fmt.Sprintf("azure export unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, perrors.NewTransientError(fmt.Sprintf("unexpected azure export status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.NewTransientError("failed to read azure export body", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, perrors.NewTransientError("azure export returned malformed JSON", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	return []provider.RawBatch{{
		Records:     records,
		RecordCount: len(records),
		SourceName:  "azure_focus_export",
		SourceType:  sourceTypeRESTAPI,
		Params: map[string]any{
			"endpoint": c.endpoint,
		},
	}}, nil
}
