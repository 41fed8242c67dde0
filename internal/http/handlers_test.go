package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/internal/patients"
	"oncoroom-relay/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	srv         *Server
	registry    *core.Registry
	transcripts *core.Transcripts
	relay       *core.Relay
}

func newFixture(t *testing.T, trigger core.Trigger, opts Options) *fixture {
	t.Helper()
	registry := core.NewRegistry()
	transcripts := core.NewTranscripts()
	relay := core.NewRelay(zap.NewNop(), registry, transcripts, trigger)
	store := patients.NewMemory(pkg.PatientRecord{PatientID: "P1", Name: "Maria", CancerType: "mama"})
	if opts.ServerURL == "" {
		opts.ServerURL = "http://relay.test"
	}
	return &fixture{
		srv:         NewServer(zap.NewNop(), relay, registry, transcripts, store, opts),
		registry:    registry,
		transcripts: transcripts,
		relay:       relay,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rec := f.do(t, http.MethodPost, "/api/sessions", `{"patient_id":"P1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp pkg.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), resp.Hash)
	assert.Equal(t, "http://relay.test/"+resp.Hash, resp.URL)
	assert.NotEmpty(t, resp.Message)

	patientID, ok := f.registry.Lookup(resp.Hash)
	require.True(t, ok)
	assert.Equal(t, "P1", patientID)
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, Options{})
	for name, body := range map[string]string{
		"missing patient": `{}`,
		"blank patient":   `{"patient_id":"  "}`,
		"malformed":       `{"patient_id":`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/sessions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.registry.Create("tok", "P1")
	f.transcripts.Append("tok", core.RolePatient, "oi")

	rec := f.do(t, http.MethodDelete, "/api/sessions/tok", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.registry.Lookup("tok")
	assert.False(t, ok)
	assert.Equal(t, 0, f.transcripts.Len("tok"))

	rec = f.do(t, http.MethodDelete, "/api/sessions/tok", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTranscript(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.registry.Create("tok", "P1")
	f.transcripts.Append("tok", core.RolePatient, "Estou com febre")
	f.transcripts.Append("tok", core.RoleClinician, "Desde quando?")

	rec := f.do(t, http.MethodGet, "/api/sessions/tok/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"role":"patient","content":"Estou com febre"},
		{"role":"clinician","content":"Desde quando?"}
	]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/sessions/nope/transcript", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OK", body["status"])
	assert.NotEmpty(t, body["timestamp"])

	down := newFixture(t, nil, Options{Ping: func(context.Context) error { return errors.New("connection refused") }})
	rec = down.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestPatientLookup(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rec := f.do(t, http.MethodGet, "/api/patients/P1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got pkg.PatientRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Maria", got.Name)

	rec = f.do(t, http.MethodGet, "/api/patients/P9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Route not found"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil, Options{AllowOrigin: func(o string) bool { return o == "http://localhost:3000" }})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Zero(t, f.registry.Len(), "preflight must not reach the handler")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type fakeHistory struct {
	messages map[string][]core.Entry
	analysis map[string]json.RawMessage
	seq      int
	err      error
}

func (h *fakeHistory) PatientMessages(_ context.Context, patientID string) ([]core.Entry, error) {
	return h.messages[patientID], h.err
}

func (h *fakeHistory) LatestAnalysis(_ context.Context, token string) (json.RawMessage, int, error) {
	raw, ok := h.analysis[token]
	if !ok {
		return nil, 0, h.err
	}
	return raw, h.seq, h.err
}

func TestHistoryRoutes(t *testing.T) {
	history := &fakeHistory{
		messages: map[string][]core.Entry{"P1": {
			{Role: core.RolePatient, Content: "Estou com febre"},
			{Role: core.RoleClinician, Content: "Desde quando?"},
		}},
		analysis: map[string]json.RawMessage{"tok": json.RawMessage(`{"patient_id":"P1","sintomas":["febre"]}`)},
		seq:      2,
	}
	f := newFixture(t, nil, Options{History: history})

	rec := f.do(t, http.MethodGet, "/api/patients/P1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"role":"patient","content":"Estou com febre"},
		{"role":"clinician","content":"Desde quando?"}
	]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/patients/P9/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/sessions/tok/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event":"agent_analysis","seq":2,"data":{"patient_id":"P1","sintomas":["febre"]}}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/sessions/none/analysis", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	history.err = errors.New("db down")
	rec = f.do(t, http.MethodGet, "/api/patients/P1/messages", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryRoutesNeedAStore(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rec := f.do(t, http.MethodGet, "/api/patients/P1/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/sessions/tok/analysis", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
