package elasticsearch_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/violations-ingest/internal/elasticsearch"
	"github.com/DeafMist/violations-ingest/internal/models"
)

type recordedRequest struct {
	Method      string
	Path        string
	ContentType string
	User        string
	Password    string
	Body        []byte
}

// fakeES answers like an Elasticsearch node and records every request.
type fakeES struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request, body []byte)
}

func newFakeES(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body []byte)) (*fakeES, *httptest.Server) {
	t.Helper()
	f := &fakeES{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			User:        user,
			Password:    pass,
			Body:        body,
		})
		f.mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		f.handle(w, r, body)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeES) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newClient(t *testing.T, addr string) *elasticsearch.Client {
	t.Helper()
	c, err := elasticsearch.New(elasticsearch.Options{
		Addr:     addr,
		Index:    "parking",
		Username: "elastic",
		Password: "secret",
	}, nil)
	require.NoError(t, err)
	return c
}

func TestEnsureIndexCreates(t *testing.T) {
	fake, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_, _ = io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":true,"index":"parking"}`)
	})

	outcome, err := newClient(t, srv.URL).EnsureIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, elasticsearch.IndexCreated, outcome)

	req := fake.last()
	require.Equal(t, http.MethodPut, req.Method)
	require.Equal(t, "/parking", req.Path)
	require.Equal(t, "elastic", req.User)
	require.Equal(t, "secret", req.Password)

	var body struct {
		Settings struct {
			Shards   int `json:"number_of_shards"`
			Replicas int `json:"number_of_replicas"`
		} `json:"settings"`
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	require.Equal(t, 1, body.Settings.Shards)
	require.Equal(t, 1, body.Settings.Replicas)
	require.Len(t, body.Mappings.Properties, len(models.IndexSchema()))
	require.Equal(t, "date", body.Mappings.Properties["issue_date"].Type)
	require.Equal(t, "float", body.Mappings.Properties["amount_due"].Type)
	require.Equal(t, "keyword", body.Mappings.Properties["plate"].Type)
}

func TestEnsureIndexAlreadyExists(t *testing.T) {
	_, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception","reason":"index [parking/abc] already exists"},"status":400}`)
	})

	c := newClient(t, srv.URL)
	for i := 0; i < 2; i++ {
		outcome, err := c.EnsureIndex(context.Background())
		require.NoError(t, err)
		require.Equal(t, elasticsearch.IndexExists, outcome)
	}
}

func TestEnsureIndexFailure(t *testing.T) {
	_, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"type":"security_exception","reason":"unable to authenticate"},"status":401}`)
	})

	_, err := newClient(t, srv.URL).EnsureIndex(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "security_exception")
}

func TestSubmitBulk(t *testing.T) {
	fake, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_, _ = io.WriteString(w, `{"took":3,"errors":false,"items":[{"index":{"_index":"parking","status":201}},{"index":{"_index":"parking","status":201}}]}`)
	})

	body, err := elasticsearch.EncodeBulk("parking", sampleViolations()[:2])
	require.NoError(t, err)

	res, err := newClient(t, srv.URL).SubmitBulk(context.Background(), body, 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Zero(t, res.ItemErrors)
	require.Positive(t, res.Elapsed)

	req := fake.last()
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/_bulk", req.Path)
	require.Equal(t, elasticsearch.ContentTypeNDJSON, req.ContentType)
	require.Equal(t, "elastic", req.User)
	require.Equal(t, "secret", req.Password)
	require.Equal(t, body, req.Body)
}

func TestSubmitBulkCountsItemErrors(t *testing.T) {
	_, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_, _ = io.WriteString(w, `{"took":3,"errors":true,"items":[
			{"index":{"_index":"parking","status":201}},
			{"index":{"_index":"parking","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [issue_date]"}}},
			{"index":{"_index":"parking","status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}}
		]}`)
	})

	res, err := newClient(t, srv.URL).SubmitBulk(context.Background(), []byte("{}\n{}\n"), 3)
	require.NoError(t, err)
	require.Equal(t, 2, res.ItemErrors)
	require.Equal(t, "mapper_parsing_exception: failed to parse field [issue_date]", res.FirstItemError)
}

func TestSubmitBulkErrorStatus(t *testing.T) {
	fake, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"unavailable"}`)
	})

	res, err := newClient(t, srv.URL).SubmitBulk(context.Background(), []byte("{}\n{}\n"), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Equal(t, 1, res.Rows)
	require.Positive(t, res.Elapsed)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 1, "a failed bulk request is not retried")
}

func TestSearchViolations(t *testing.T) {
	fake, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":1},"hits":[{"_source":{"issue_date":"2021-01-02","fine_amount":50,"plate":"ABC","state":"NY","county":"K","precinct":"077","violation":"X"}}]}}`)
	})

	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := newClient(t, srv.URL).SearchViolations(context.Background(), elasticsearch.SearchParams{
		Plate: "ABC",
		State: "NY",
		Start: &start,
		Size:  500,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	require.Equal(t, "2021-01-02", res.Items[0].IssueDate)
	require.Equal(t, 50.0, res.Items[0].FineAmount)

	req := fake.last()
	require.Equal(t, "/parking/_search", req.Path)

	var body struct {
		Size  int `json:"size"`
		Query struct {
			Bool struct {
				Filter []map[string]map[string]any `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
		Sort []map[string]map[string]string `json:"sort"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	require.Equal(t, 200, body.Size)
	require.Len(t, body.Query.Bool.Filter, 3)
	require.Equal(t, "ABC", body.Query.Bool.Filter[0]["term"]["plate"])
	require.Equal(t, "desc", body.Sort[0]["issue_date"]["order"])
}

func TestDeleteIssuedBefore(t *testing.T) {
	calls := 0
	fake, srv := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		calls++
		if calls == 1 {
			_, _ = io.WriteString(w, `{"deleted":10}`)
			return
		}
		_, _ = io.WriteString(w, `{"deleted":4}`)
	})

	cutoff := time.Date(2016, 6, 1, 12, 0, 0, 0, time.UTC)
	deleted, err := newClient(t, srv.URL).DeleteIssuedBefore(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.EqualValues(t, 14, deleted)
	require.Equal(t, 2, calls)

	req := fake.last()
	require.Equal(t, "/parking/_delete_by_query", req.Path)
	require.Contains(t, string(req.Body), `"lt":"2016-06-01"`)
}

func TestNewRequiresIndex(t *testing.T) {
	_, err := elasticsearch.New(elasticsearch.Options{Addr: "http://localhost:9200"}, nil)
	require.Error(t, err)
}
