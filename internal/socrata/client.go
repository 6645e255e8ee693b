// Package socrata reads pages of rows from a Socrata open-data dataset.
package socrata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/violations-ingest/internal/models"
)

// Client fetches rows of one dataset.
type Client struct {
	http      *http.Client
	baseURL   string
	datasetID string
	appToken  string
}

// Options configure a Client. BaseURL defaults to https://<Domain>.
type Options struct {
	Domain    string
	BaseURL   string
	DatasetID string
	AppToken  string
	Timeout   time.Duration
}

// New builds a dataset client.
func New(opts Options) (*Client, error) {
	if opts.DatasetID == "" {
		return nil, fmt.Errorf("create socrata client: dataset id is empty")
	}

	base := opts.BaseURL
	if base == "" {
		if opts.Domain == "" {
			return nil, fmt.Errorf("create socrata client: domain is empty")
		}
		base = "https://" + opts.Domain
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(base, "/"),
		datasetID: opts.DatasetID,
		appToken:  opts.AppToken,
	}, nil
}

// FetchPage returns page pageIndex (zero-based) of pageSize rows, using
// offset = pageIndex*pageSize. Rows are ordered by row id so consecutive
// pages do not overlap.
func (c *Client) FetchPage(ctx context.Context, pageSize, pageIndex int) ([]models.RawRecord, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("fetch page: page size must be positive, got %d", pageSize)
	}
	if pageIndex < 0 {
		return nil, fmt.Errorf("fetch page: page index cannot be negative, got %d", pageIndex)
	}

	q := url.Values{}
	q.Set("$limit", strconv.Itoa(pageSize))
	q.Set("$offset", strconv.Itoa(pageIndex*pageSize))
	q.Set("$order", ":id")

	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.baseURL, url.PathEscape(c.datasetID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", pageIndex, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageIndex, err)
	}

	if res.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch page %d failed: %s: %s", pageIndex, res.Status, strings.TrimSpace(string(data)))
	}

	return decodeRows(data)
}

func decodeRows(data []byte) ([]models.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}

	out := make([]models.RawRecord, 0, len(rows))
	for _, row := range rows {
		rec := make(models.RawRecord, len(row))
		for k, v := range row {
			s, ok, err := flatten(v)
			if err != nil {
				return nil, fmt.Errorf("decode rows: field %s: %w", k, err)
			}
			if ok {
				rec[k] = s
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// flatten turns a JSON value into its string form. JSON null reports ok=false
// so the field counts as absent.
func flatten(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}
