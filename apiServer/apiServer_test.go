package apiServer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-wave/internal/wsrpc"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

type stubService struct {
	mu       sync.Mutex
	session  rpc.Session
	filter   rpc.WaveViewFilter
	request  rpc.FetchFragmentsRequest
	viewErr  error
	fragErr  error
	closedID chan string
}

func (s *stubService) FetchWaveView(_ context.Context, session rpc.Session, filter rpc.WaveViewFilter) ([]rpc.WaveletView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.filter = filter
	if s.viewErr != nil {
		return nil, s.viewErr
	}
	return []rpc.WaveletView{{WaveletID: "example.com!conv+root", FragmentsVersion: 4}}, nil
}

func (s *stubService) FetchFragments(_ context.Context, session rpc.Session, req rpc.FetchFragmentsRequest) (rpc.FetchFragmentsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.request = req
	if s.fragErr != nil {
		return rpc.FetchFragmentsResponse{}, s.fragErr
	}
	return rpc.FetchFragmentsResponse{
		Version:   4,
		Fragments: []model.Fragment{{SegmentID: "main", Content: "hi!", LastModifiedVersion: 4}},
	}, nil
}

func (s *stubService) Open(context.Context, rpc.Session, rpc.OpenRequest, rpc.UpdateStream) (rpc.OpenResponse, error) {
	return rpc.OpenResponse{}, rpc.Errorf(rpc.NotAuthorized, "stub")
}

func (s *stubService) Submit(context.Context, rpc.Session, rpc.SubmitRequest) (rpc.SubmitResponse, error) {
	return rpc.SubmitResponse{}, rpc.Errorf(rpc.NotAuthorized, "stub")
}

func (s *stubService) Close(context.Context, rpc.Session, string) error {
	return nil
}

func (s *stubService) lastSession() rpc.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *stubService) Disconnect(connectionID string) {
	if s.closedID != nil {
		s.closedID <- connectionID
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set(ParticipantHeader, "alice@example.com")
	return req
}

func decodeJSONResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, rec.Body.String())
	}
}

func TestWaveView(t *testing.T) {
	svc := &stubService{}
	server := New(svc, WithLogger(testLogger()))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodGet, "/waves/example.com!w+1?prefix=conv,%20user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, rec.Code, rec.Body.String())
	}

	var views []rpc.WaveletView
	decodeJSONResponse(t, rec, &views)
	if len(views) != 1 || views[0].FragmentsVersion != 4 {
		t.Fatalf("unexpected views %+v", views)
	}
	if svc.filter.WaveID != "example.com!w+1" {
		t.Fatalf("unexpected wave id %q", svc.filter.WaveID)
	}
	if got := strings.Join(svc.filter.WaveletPrefixes, "|"); got != "conv|user" {
		t.Fatalf("unexpected prefixes %q", got)
	}
	if svc.session.Participant != "alice@example.com" {
		t.Fatalf("unexpected participant %q", svc.session.Participant)
	}
	if !strings.HasPrefix(svc.session.ConnectionID, "http-") {
		t.Fatalf("unexpected connection id %q", svc.session.ConnectionID)
	}
}

func TestFragments(t *testing.T) {
	svc := &stubService{}
	server := New(svc, WithLogger(testLogger()))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodGet, "/waves/example.com!w+1/example.com!conv+root/fragments?segments=main"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp rpc.FetchFragmentsResponse
	decodeJSONResponse(t, rec, &resp)
	if resp.Version != 4 || len(resp.Fragments) != 1 || resp.Fragments[0].Content != "hi!" {
		t.Fatalf("unexpected response %+v", resp)
	}
	want := model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	if svc.request.Name != want {
		t.Fatalf("expected name %s, got %s", want, svc.request.Name)
	}
	if len(svc.request.SegmentIDs) != 1 || svc.request.SegmentIDs[0] != "main" {
		t.Fatalf("unexpected segments %v", svc.request.SegmentIDs)
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not authorized", rpc.Errorf(rpc.NotAuthorized, "no"), http.StatusForbidden},
		{"bad request", rpc.Errorf(rpc.BadRequest, "bad name"), http.StatusBadRequest},
		{"indexing", rpc.NewIndexingInProcess(10, 3), http.StatusServiceUnavailable},
		{"internal", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := New(&stubService{fragErr: tc.err}, WithLogger(testLogger()))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, authedRequest(http.MethodGet, "/waves/w/x/fragments"))
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			var body rpc.Error
			decodeJSONResponse(t, rec, &body)
			if body.Code != rpc.CodeOf(tc.err) {
				t.Fatalf("expected code %s, got %s", rpc.CodeOf(tc.err), body.Code)
			}
		})
	}

	server := New(&stubService{fragErr: rpc.NewIndexingInProcess(10, 3)}, WithLogger(testLogger()))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, authedRequest(http.MethodGet, "/waves/w/x/fragments"))
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}

func TestAuthentication(t *testing.T) {
	server := New(&stubService{}, WithLogger(testLogger()))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/waves/w", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/waves/w", nil)
	req.Header.Set(ParticipantHeader, "not-an-address")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health check needs no auth, got %d", rec.Code)
	}

	custom := New(&stubService{}, WithLogger(testLogger()), WithAuth(func(*http.Request) (model.ParticipantID, error) {
		return "bot@example.com", nil
	}))
	rec = httptest.NewRecorder()
	custom.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/waves/w", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom auth to pass, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := New(&stubService{}, WithLogger(testLogger()))

	req := httptest.NewRequest(http.MethodOptions, "/waves/w", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}
}

func TestSocket(t *testing.T) {
	svc := &stubService{closedID: make(chan string, 1)}
	srv := httptest.NewServer(New(svc, WithLogger(testLogger())))
	defer srv.Close()

	header := http.Header{}
	header.Set(ParticipantHeader, "alice@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wsrpc.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/socket", header, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	views, err := conn.FetchWaveView(ctx, rpc.WaveViewFilter{WaveID: "example.com!w+1"})
	if err != nil {
		t.Fatalf("fetch wave view: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one view, got %d", len(views))
	}
	if p := svc.lastSession().Participant; p != "alice@example.com" {
		t.Fatalf("unexpected participant %q", p)
	}

	_, err = conn.Submit(ctx, rpc.SubmitRequest{})
	if rpc.CodeOf(err) != rpc.NotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case <-svc.closedID:
	case <-time.After(5 * time.Second):
		t.Fatal("service not told about the disconnect")
	}
}
