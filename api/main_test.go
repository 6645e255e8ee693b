package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/violations-ingest/internal/config"
	"github.com/DeafMist/violations-ingest/internal/elasticsearch"
	"github.com/DeafMist/violations-ingest/internal/logger"
	"github.com/DeafMist/violations-ingest/internal/models"
)

type stubStore struct {
	healthErr error
	searchErr error
	params    elasticsearch.SearchParams
}

func (s *stubStore) Health(context.Context) error { return s.healthErr }

func (s *stubStore) SearchViolations(_ context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error) {
	s.params = params
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return &elasticsearch.SearchResult{
		Total: 1,
		Items: []models.Violation{{IssueDate: "2021-01-02", Plate: "ABC", FineAmount: 50}},
	}, nil
}

func newTestServer(store *stubStore) http.Handler {
	srv := &server{
		log: logger.Discard(),
		cfg: &config.API{DefaultPage: 20, MaxPage: 100},
		es:  store,
	}
	return srv.routes()
}

func TestHandleSearch(t *testing.T) {
	store := &stubStore{}
	req := httptest.NewRequest(http.MethodGet, "/violations?plate=ABC&state=NY&start=2021-01-01&end=2021-12-31&size=500&from=40&sort=fine_amount:asc", nil)
	rec := httptest.NewRecorder()

	newTestServer(store).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ABC", store.params.Plate)
	require.Equal(t, "NY", store.params.State)
	require.Equal(t, 100, store.params.Size)
	require.Equal(t, 40, store.params.From)
	require.Equal(t, "fine_amount:asc", store.params.Sort)
	require.NotNil(t, store.params.Start)
	require.Equal(t, "2021-01-01", store.params.Start.Format("2006-01-02"))
	require.Equal(t, "2021-12-31", store.params.End.Format("2006-01-02"))

	var body elasticsearch.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body.Total)
	require.Equal(t, "ABC", body.Items[0].Plate)
}

func TestHandleSearchDefaults(t *testing.T) {
	store := &stubStore{}
	rec := httptest.NewRecorder()

	newTestServer(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/violations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 20, store.params.Size)
	require.Zero(t, store.params.From)
	require.Nil(t, store.params.Start)
	require.Nil(t, store.params.End)
}

func TestHandleSearchBadDate(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubStore{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/violations?start=01/02/2021", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchStoreError(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubStore{searchErr: errors.New("search failed")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/violations", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&stubStore{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestServer(&stubStore{healthErr: errors.New("red")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 5, clampInt("", 5, 10))
	require.Equal(t, 5, clampInt("x", 5, 10))
	require.Equal(t, 5, clampInt("-3", 5, 10))
	require.Equal(t, 10, clampInt("50", 5, 10))
	require.Equal(t, 7, clampInt("7", 5, 10))
}
