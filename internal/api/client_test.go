package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/roamplan/roamsync/internal/domain"
)

func TestApply(t *testing.T) {
	var gotAuth string
	var gotCS domain.ChangeSet

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/itineraries/it_42/apply" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotCS); err != nil {
			t.Fatalf("decode change set: %v", err)
		}
		json.NewEncoder(w).Encode(ApplyResult{Version: 8, Status: domain.StatusPlanning})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
	cs := domain.ChangeSet{
		Name:  "reorder day 1",
		Scope: domain.Scope{Kind: domain.ScopeDay, DayID: "d1"},
		Ops:   []domain.Op{{Kind: domain.OpReorder, OrderedIDs: []string{"a2", "a1"}}},
	}

	result, err := client.Apply(context.Background(), "it_42", cs)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if result.Version != 8 {
		t.Errorf("Apply() version = %d, want 8", result.Version)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotCS.Scope.DayID != "d1" || len(gotCS.Ops) != 1 {
		t.Errorf("server saw change set %+v", gotCS)
	}
}

func TestApplyConflictMapsToSyncError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"kind":"apply_conflict","message":"stale base version","version":9}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.Apply(context.Background(), "it_42", domain.ChangeSet{})
	if err == nil {
		t.Fatal("Apply() expected conflict error, got nil")
	}
	if !domain.IsKind(err, domain.ErrorKindApplyConflict) {
		t.Fatalf("error kind = %v, want apply_conflict", err)
	}
	var se *domain.SyncError
	if !errors.As(err, &se) || se.Version != 9 {
		t.Errorf("conflict error did not carry server head version: %v", err)
	}
}

func TestRevisionContentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"kind":"not_found","message":"version 99 not found"}}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.RevisionContent(context.Background(), "it_42", 99)
	if !domain.IsKind(err, domain.ErrorKindNotFound) {
		t.Fatalf("error = %v, want not_found", err)
	}
}

func TestRefreshTokenSwapsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/refresh" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"token":"tok-2"}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
	if err := client.RefreshToken(context.Background()); err != nil {
		t.Fatalf("RefreshToken() error: %v", err)
	}
	if client.Token() != "tok-2" {
		t.Errorf("Token() = %q, want tok-2", client.Token())
	}
}

func TestOpenAgentStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("event: agent_started\ndata: {\"itinerary_id\":\"it_42\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: progress_update\ndata: {\"progress\":40}\n\n"))
		flusher.Flush()
		// Heartbeat frame with empty data must still be delivered
		w.Write([]byte("event: progress_update\ndata: \n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	frames, err := client.OpenAgentStream(context.Background(), "it_42")
	if err != nil {
		t.Fatalf("OpenAgentStream() error: %v", err)
	}

	var got []Frame
	for f := range frames {
		if f.Err != nil {
			t.Fatalf("frame error: %v", f.Err)
		}
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	if got[0].Event != "agent_started" || got[1].Event != "progress_update" {
		t.Errorf("frame events = %q, %q", got[0].Event, got[1].Event)
	}
	if got[2].Data != "" {
		t.Errorf("heartbeat frame data = %q, want empty", got[2].Data)
	}
}

func TestOpenPatchStreamScopesExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/itineraries/it_42/patches/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("execution_id"); got != "exec_7" {
			t.Errorf("execution_id = %q, want exec_7", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: patch_applied\ndata: {\"version\":5}\n\n"))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	frames, err := client.OpenPatchStream(context.Background(), "it_42", "exec_7")
	if err != nil {
		t.Fatalf("OpenPatchStream() error: %v", err)
	}

	f, ok := <-frames
	if !ok || f.Event != "patch_applied" {
		t.Fatalf("frame = %+v ok=%v", f, ok)
	}
}

func TestOpenStreamCancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(WithBaseURL(srv.URL))
	frames, err := client.OpenAgentStream(ctx, "it_42")
	if err != nil {
		t.Fatalf("OpenAgentStream() error: %v", err)
	}

	cancel()

	select {
	case f, ok := <-frames:
		// Either a transport-error frame or a clean close is acceptable;
		// the stream must terminate.
		if ok && f.Err == nil {
			t.Errorf("unexpected data frame after cancel: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after context cancel")
	}
}

// closeSignalBody wraps a response body and signals when it is closed.
type closeSignalBody struct {
	io.ReadCloser
	closed chan struct{}
	once   sync.Once
}

func (b *closeSignalBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.ReadCloser.Close()
}

type closeSignalTransport struct {
	closed chan struct{}
}

func (tr *closeSignalTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &closeSignalBody{ReadCloser: resp.Body, closed: tr.closed}
	return resp, nil
}

func TestAbandonedStreamReleasesBody(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := w.Write([]byte("event: progress_update\ndata: {}\n\n")); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-release:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	bodyClosed := make(chan struct{})
	client := NewClient(
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Transport: &closeSignalTransport{closed: bodyClosed}}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := client.OpenAgentStream(ctx, "it_42")
	if err != nil {
		t.Fatalf("OpenAgentStream() error: %v", err)
	}

	if f, ok := <-frames; !ok || f.Err != nil {
		t.Fatalf("first frame = %+v ok=%v", f, ok)
	}

	// Cancel and stop reading. The reader must not stay blocked on a send
	// into the unread channel; the response body has to be released.
	cancel()

	select {
	case <-bodyClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("response body not closed after consumer abandoned the stream")
	}
}

func TestProposeAndUndo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/itineraries/it_42/propose":
			json.NewEncoder(w).Encode(Proposal{ID: "prop_1", Summary: "swaps two activities"})
		case "/v1/itineraries/it_42/undo":
			var body map[string]int64
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode undo body: %v", err)
			}
			if body["version"] != 5 {
				t.Errorf("undo target = %d, want 5", body["version"])
			}
			json.NewEncoder(w).Encode(ApplyResult{Version: 9})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	prop, err := client.Propose(context.Background(), "it_42", domain.ChangeSet{
		Scope: domain.Scope{Kind: domain.ScopeTrip},
		Ops:   []domain.Op{{Kind: domain.OpReorder, OrderedIDs: []string{"a1"}}},
	})
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	if prop.ID != "prop_1" {
		t.Errorf("proposal id = %q, want prop_1", prop.ID)
	}

	result, err := client.Undo(context.Background(), "it_42", 5)
	if err != nil {
		t.Fatalf("Undo() error: %v", err)
	}
	if result.Version != 9 {
		t.Errorf("Undo() version = %d, want 9", result.Version)
	}
}
