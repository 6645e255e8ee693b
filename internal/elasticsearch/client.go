package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/DeafMist/violations-ingest/internal/models"
)

// Client wraps go-elasticsearch with helpers tailored to this project.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// Options address one index on one cluster.
type Options struct {
	Addr     string
	Index    string
	Username string
	Password string
}

// IndexOutcome describes what EnsureIndex found.
type IndexOutcome string

const (
	IndexCreated IndexOutcome = "created"
	IndexExists  IndexOutcome = "exists"
)

// BulkResult reports one _bulk submission.
type BulkResult struct {
	Rows           int
	Elapsed        time.Duration
	ItemErrors     int
	FirstItemError string
}

// SearchParams narrow the search endpoint query.
type SearchParams struct {
	Plate     string
	State     string
	County    string
	Violation string
	Precinct  string
	From      int
	Size      int
	Sort      string
	Start     *time.Time
	End       *time.Time
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64
	Items []models.Violation
}

// New instantiates the Elasticsearch client. Transport-level retries are
// disabled: a failed request is reported once and the caller decides.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Index == "" {
		return nil, fmt.Errorf("create elasticsearch client: index name is empty")
	}

	cfg := elasticsearch.Config{
		Addresses:    []string{opts.Addr},
		Username:     opts.Username,
		Password:     opts.Password,
		DisableRetry: true,
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: opts.Index, log: logger}, nil
}

// Index returns the index name every call targets.
func (c *Client) Index() string { return c.index }

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// EnsureIndex creates the index with a single shard, one replica and the
// models.IndexSchema mapping. An index that already exists is left untouched.
func (c *Client) EnsureIndex(ctx context.Context) (IndexOutcome, error) {
	properties := make(map[string]any, len(models.IndexSchema()))
	for field, typ := range models.IndexSchema() {
		properties[field] = map[string]string{"type": typ}
	}

	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
		"mappings": map[string]any{
			"properties": properties,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal index body: %w", err)
	}

	res, err := c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return "", fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		return IndexCreated, nil
	}

	data, _ := io.ReadAll(res.Body)
	var parsed struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Type == "resource_already_exists_exception" {
		return IndexExists, nil
	}

	return "", fmt.Errorf("create index failed: %s: %s", res.Status(), strings.TrimSpace(string(data)))
}

// SubmitBulk posts an encoded _bulk body in a single request and times it.
// Elapsed is filled in even when an error is returned. A 2xx response whose
// items partially failed is not an error; the failures are counted instead.
func (c *Client) SubmitBulk(ctx context.Context, body []byte, rows int) (BulkResult, error) {
	result := BulkResult{Rows: rows}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/_bulk", bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeNDJSON)

	start := time.Now()
	res, err := c.es.Perform(req)
	if err != nil {
		result.Elapsed = time.Since(start)
		return result, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	data, readErr := io.ReadAll(res.Body)
	result.Elapsed = time.Since(start)

	if res.StatusCode >= http.StatusMultipleChoices {
		return result, fmt.Errorf("bulk request failed: %s: %s", res.Status, strings.TrimSpace(string(data)))
	}
	if readErr != nil {
		c.log.Warn("read bulk response", slog.Any("err", readErr))
		return result, nil
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		c.log.Warn("decode bulk response", slog.Any("err", err))
		return result, nil
	}

	if !parsed.Errors {
		return result, nil
	}
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Error == nil {
				continue
			}
			result.ItemErrors++
			if result.FirstItemError == "" {
				result.FirstItemError = op.Error.Type + ": " + op.Error.Reason
			}
		}
	}

	return result, nil
}

// SearchViolations executes a bool query with optional filters.
func (c *Client) SearchViolations(ctx context.Context, params SearchParams) (*SearchResult, error) {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	filters := make([]map[string]any, 0, 6)

	terms := []struct{ field, value string }{
		{models.FieldPlate, params.Plate},
		{models.FieldState, params.State},
		{models.FieldCounty, params.County},
		{models.FieldViolation, params.Violation},
		{models.FieldPrecinct, params.Precinct},
	}
	for _, term := range terms {
		if term.value == "" {
			continue
		}
		filters = append(filters, map[string]any{
			"term": map[string]any{term.field: term.value},
		})
	}

	if params.Start != nil || params.End != nil {
		rangeQuery := map[string]any{}
		if params.Start != nil {
			rangeQuery["gte"] = params.Start.UTC().Format("2006-01-02")
		}
		if params.End != nil {
			rangeQuery["lte"] = params.End.UTC().Format("2006-01-02")
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{
				models.FieldIssueDate: rangeQuery,
			},
		})
	}

	boolQuery := map[string]any{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	} else {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	body := map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": boolQuery,
		},
	}

	sortField := params.Sort
	if sortField == "" {
		sortField = "issue_date:desc"
	}

	parts := strings.Split(sortField, ":")
	order := "desc"
	field := parts[0]
	if field == "" {
		field = models.FieldIssueDate
	}
	if len(parts) > 1 && parts[1] != "" {
		order = parts[1]
	}
	body["sort"] = []map[string]any{
		{field: map[string]any{"order": order}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.Violation `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.Violation, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// DeleteIssuedBefore removes documents whose issue_date is before cutoff using
// batched delete-by-query. It loops until a batch deletes fewer documents than batchSize.
func (c *Client) DeleteIssuedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	day := cutoff.UTC().Format("2006-01-02")
	totalDeleted := int64(0)

	for {
		body := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					models.FieldIssueDate: map[string]any{
						"lt": day,
					},
				},
			},
			"max_docs": batchSize,
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return totalDeleted, fmt.Errorf("marshal delete body: %w", err)
		}

		res, err := c.es.DeleteByQuery(
			[]string{c.index},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithScrollSize(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// Health pings Elasticsearch to ensure connectivity.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
