package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/fieldsync/internal/types"
)

// REST inserts rows through a PostgREST endpoint (the API Supabase exposes),
// asking the server to ignore duplicates on client_id.
type REST struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
}

// NewREST builds a REST inserter. baseURL is the project URL without the
// /rest/v1 suffix.
func NewREST(baseURL, apiKey string, client *http.Client) (*REST, error) {
	if baseURL == "" {
		return nil, errors.New("remote url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &REST{baseURL: u, apiKey: apiKey, client: client}, nil
}

func (r *REST) endpoint(table string, query url.Values) string {
	u := *r.baseURL
	u.Path = u.Path + "/rest/v1/" + table
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *REST) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Ping checks that the REST endpoint answers at all. Any response below 500
// counts as reachable.
func (r *REST) Ping(ctx context.Context) error {
	req, err := r.newRequest(ctx, http.MethodHead, r.endpoint("", nil), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// Insert implements the sync engine's Inserter.
func (r *REST) Insert(ctx context.Context, kind types.Kind, row types.Row) (types.RemoteID, error) {
	body := make(map[string]any, len(row.Columns)+2)
	for k, v := range row.Columns {
		body[k] = v
	}
	body["client_id"] = string(row.ClientID)
	body["timestamp"] = row.CapturedAt.UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal([]map[string]any{body})
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}

	idCol := idColumn(kind)
	query := url.Values{"on_conflict": {"client_id"}, "select": {idCol}}
	req, err := r.newRequest(ctx, http.MethodPost, r.endpoint(kind.Table(), query), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Prefer", "resolution=ignore-duplicates,return=representation")

	rows, err := r.do(req)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", kind.Table(), err)
	}
	if id := firstID(rows, idCol); id != "" {
		return types.RemoteID(id), nil
	}

	// Duplicate ignored by the server; look the existing row up.
	lookup := url.Values{"client_id": {"eq." + string(row.ClientID)}, "select": {idCol}}
	req, err = r.newRequest(ctx, http.MethodGet, r.endpoint(kind.Table(), lookup), nil)
	if err != nil {
		return "", err
	}
	rows, err = r.do(req)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", kind.Table(), err)
	}
	id := firstID(rows, idCol)
	if id == "" {
		return "", fmt.Errorf("insert into %s: row for client_id %s not returned", kind.Table(), row.ClientID)
	}
	return types.RemoteID(id), nil
}

func (r *REST) do(req *http.Request) ([]map[string]any, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rows, nil
}

func firstID(rows []map[string]any, col string) string {
	if len(rows) == 0 {
		return ""
	}
	switch v := rows[0][col].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
