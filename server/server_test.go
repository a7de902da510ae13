package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/disclose"
	"github.com/engramlabs/engram-go/economics"
	"github.com/engramlabs/engram-go/importance"
	"github.com/engramlabs/engram-go/retrieve"
	"github.com/engramlabs/engram-go/server"
	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.FileStore) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	lex, err := similarity.NewLexical()
	require.NoError(t, err)
	imp := importance.New(st, importance.Config{}, nil)
	index := disclose.New(st, nil)
	econ := economics.New(st, nil)
	retriever := retrieve.New(st, index, imp, lex, econ, retrieve.Config{}, nil)
	pipeline := consolidate.New(st, lex, imp)

	srv := server.New(server.Config{}, st, index, retriever, pipeline, econ, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func seedEpisode(t *testing.T, st *store.FileStore, ns, id string) {
	t.Helper()
	ep := &core.EpisodeTrace{
		ID: id, Namespace: ns,
		Goal:      "add pagination to the audit log endpoint",
		Outcome:   core.OutcomeSuccess,
		CreatedAt: time.Now(),
	}
	ep.Importance = 0.6
	ep.ImportanceUpdatedAt = ep.CreatedAt
	require.NoError(t, st.Put(context.Background(), ep))
}

func getJSON(t *testing.T, url string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	var body map[string]string
	resp := getJSON(t, ts.URL+"/v1/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSummaryEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	seedEpisode(t, st, "proj", "ep-1")

	var summary disclose.Summary
	resp := getJSON(t, ts.URL+"/v1/namespaces/proj/summary", &summary)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, summary.Counts[core.KindEpisode])
}

func TestGetEntityAndNotFoundEnvelope(t *testing.T) {
	ts, st := newTestServer(t)
	seedEpisode(t, st, "proj", "ep-1")

	var body map[string]json.RawMessage
	resp := getJSON(t, ts.URL+"/v1/namespaces/proj/entities/episode/ep-1", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "entity")

	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp = getJSON(t, ts.URL+"/v1/namespaces/proj/entities/episode/missing", &envelope)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", envelope.Error.Kind)
	assert.NotEmpty(t, envelope.Error.Message)
}

func TestInvalidKindIsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := getJSON(t, ts.URL+"/v1/namespaces/proj/entities/note/x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrieveEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	for i := 0; i < 3; i++ {
		seedEpisode(t, st, "proj", fmt.Sprintf("ep-%d", i))
	}

	payload, _ := json.Marshal(retrieve.Request{
		Namespace: "proj", Query: "audit log pagination", Budget: 10_000,
	})
	resp, err := http.Post(ts.URL+"/v1/retrieve", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result retrieve.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.RetrievalID)
	assert.NotEmpty(t, result.Items)
	assert.LessOrEqual(t, result.Cost.Total, 10_000)
}

func TestRetrieveRejectsBadBody(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/retrieve", "application/json", bytes.NewReader([]byte("{oops")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsolidateEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	seedEpisode(t, st, "proj", "ep-1")

	resp, err := http.Post(ts.URL+"/v1/namespaces/proj/consolidate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report consolidate.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.EpisodesExamined)
}

func TestEconomicsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	var totals economics.Totals
	resp := getJSON(t, ts.URL+"/v1/namespaces/proj/economics", &totals)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, totals.Calls)
}

func TestPurgeRequiresConfirmation(t *testing.T) {
	ts, st := newTestServer(t)
	seedEpisode(t, st, "proj", "ep-1")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/namespaces/proj", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing confirm")

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/namespaces/proj?confirm=proj", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = st.Get(context.Background(), "proj", core.KindEpisode, "ep-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNamespacesEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	seedEpisode(t, st, "alpha", "ep-1")
	seedEpisode(t, st, "beta", "ep-1")

	var body map[string][]string
	resp := getJSON(t, ts.URL+"/v1/namespaces", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, body["namespaces"])
}
