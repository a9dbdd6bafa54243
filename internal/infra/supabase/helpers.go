package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ============================================================
// PostgREST helpers
// ============================================================

func (c *Client) getRows(ctx context.Context, path string, out any) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("[]")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) insert(ctx context.Context, table string, row any) error {
	_, err := c.doRequest(ctx, http.MethodPost, table, row, "return=minimal")
	return err
}

// patchRows updates rows matching filter and decodes the updated rows into out.
func (c *Client) patchRows(ctx context.Context, path string, data map[string]any, out any) error {
	body, err := c.doRequest(ctx, http.MethodPatch, path, data, "return=representation")
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("[]")
	}
	return json.Unmarshal(body, out)
}

func (c *Client) rpc(ctx context.Context, fn string, args map[string]any, out any) error {
	body, err := c.doRequest(ctx, http.MethodPost, "rpc/"+fn, args, "")
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

func lte(t time.Time) string {
	return "lte." + url.QueryEscape(t.UTC().Format(time.RFC3339Nano))
}
