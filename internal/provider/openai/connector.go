// Package openai implements the OpenAI billing adapter: a connector over
// the organization usage API and a mapper that derives FOCUS cost records
// from token-usage buckets.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
)

const (
	defaultEndpoint   = "https://api.openai.com/v1/organization/usage/completions"
	sourceTypeRESTAPI = "rest_api"
)

type authConfig struct {
	Method         string `json:"method"`
	APIKey         string `json:"api_key"`
	OrganizationID string `json:"organization_id"`
}

// Connector pages through usage buckets for the requested window.
type Connector struct {
	endpoint string
	apiKey   string
	orgID    string
	client   *http.Client
}

type usagePage struct {
	Data     []map[string]any `json:"data"`
	HasMore  bool             `json:"has_more"`
	NextPage string           `json:"next_page"`
}

// NewAdapter builds the OpenAI connector and mapper from a provider row.
func NewAdapter(p *storage.Provider) (*provider.Adapter, error) {
	var auth authConfig
	if len(p.AuthConfig) > 0 {
		if err := json.Unmarshal(p.AuthConfig, &auth); err != nil {
			return nil, perrors.NewAuthError("invalid openai auth config", err)
		}
	}
	if auth.APIKey == "" {
		return nil, perrors.NewAuthError("openai provider has no api key configured", nil)
	}
	endpoint := p.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &provider.Adapter{
		Connector: &Connector{
			endpoint: endpoint,
			apiKey:   auth.APIKey,
			orgID:    auth.OrganizationID,
			client:   &http.Client{Timeout: time.Minute},
		},
		Mapper: NewMapper(p.ID.String(), auth.OrganizationID),
	}, nil
}

// NewConnector wires an explicit endpoint and client, used by tests.
func NewConnector(endpoint, apiKey, orgID string, client *http.Client) *Connector {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &Connector{endpoint: endpoint, apiKey: apiKey, orgID: orgID, client: client}
}

// Extract pages through daily usage buckets. Each page becomes one raw
// batch so a mid-window failure keeps the already-staged pages.
func (c *Connector) Extract(ctx context.Context, window provider.Window, params map[string]any) ([]provider.RawBatch, error) {
	var batches []provider.RawBatch
	page := ""
	for pageNum := 0; ; pageNum++ {
		result, err := c.fetchPage(ctx, window, page)
		if err != nil {
			return nil, err
		}
		if len(result.Data) > 0 {
			batches = append(batches, provider.RawBatch{
				Records:     result.Data,
				RecordCount: len(result.Data),
				SourceName:  fmt.Sprintf("openai_usage_p%d", pageNum),
				SourceType:  sourceTypeRESTAPI,
				Params: map[string]any{
					"endpoint": c.endpoint,
					"page":     page,
				},
			})
		}
		if !result.HasMore || result.NextPage == "" {
			break
		}
		page = result.NextPage
	}
	return batches, nil
}

func (c *Connector) fetchPage(ctx context.Context, window provider.Window, page string) (*usagePage, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, perrors.NewNotFoundError("invalid openai usage endpoint: " + c.endpoint)
	}
	q := u.Query()
	q.Set("start_time", strconv.FormatInt(window.Start.UTC().Unix(), 10))
	q.Set("end_time", strconv.FormatInt(window.End.UTC().Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("group_by", "model")
	if page != "" {
		q.Set("page", page)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build openai usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.orgID != "" {
		req.Header.Set("OpenAI-Organization", c.orgID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, perrors.NewTransientError("openai usage request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, perrors.NewAuthError(fmt.Sprintf("openai rejected credentials (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, perrors.NewNotFoundError("openai usage endpoint not found")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, perrors.NewTransientError(fmt.Sprintf("openai usage unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, perrors.NewTransientError(fmt.Sprintf("unexpected openai usage status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.NewTransientError("failed to read openai usage body", err)
	}

	var result usagePage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, perrors.NewTransientError("openai usage returned malformed JSON", err)
	}

	// Bucketed responses nest per-model results; flatten so each raw record
	// is one (bucket, model) usage row stamped with the bucket period.
	var flattened []map[string]any
	for _, bucket := range result.Data {
		results, ok := bucket["results"].([]any)
		if !ok {
			flattened = append(flattened, bucket)
			continue
		}
		for _, r := range results {
			row, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := bucket["start_time"]; ok {
				row["bucket_start_time"] = v
			}
			if v, ok := bucket["end_time"]; ok {
				row["bucket_end_time"] = v
			}
			flattened = append(flattened, row)
		}
	}
	result.Data = flattened
	return &result, nil
}
