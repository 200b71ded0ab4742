package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/midstream-ai/midstream/internal/checkpoint"
	"github.com/midstream-ai/midstream/internal/model/chat"
	"github.com/midstream-ai/midstream/internal/provider"
	chatservice "github.com/midstream-ai/midstream/internal/service/chat"
)

func setupRouter(t *testing.T, src provider.TokenSource) (*chi.Mux, *chatservice.Service, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	reg := provider.NewRegistry()
	reg.Register(src)
	svc := chatservice.NewService(store, reg, chatservice.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	r := chi.NewRouter()
	New(svc, reg).RegisterRoutes(r)
	return r, svc, store
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func getPath(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func waitStatus(t *testing.T, svc *chatservice.Service, sessionID string, want chat.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.Session(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Session err: %v", err)
		}
		if sess.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %q", sessionID, want)
}

func TestStartChatStreaming(t *testing.T) {
	r, svc, _ := setupRouter(t, &provider.MockSource{SourceName: "mock", Fragments: []string{"Hel", "lo"}})

	resp := postJSON(t, r, "/chat", map[string]string{"prompt": "greet me"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.Code, resp.Body)
	}

	var started struct {
		SessionID string `json:"sessionId"`
		ThreadID  string `json:"threadId"`
		Status    string `json:"status"`
		StreamURL string `json:"streamUrl"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if started.SessionID == "" || started.ThreadID == "" {
		t.Fatalf("missing ids in %s", resp.Body)
	}
	if started.Status != "running" {
		t.Fatalf("status = %q, want running", started.Status)
	}
	if want := "/api/v1/chat/" + started.SessionID + "/stream"; started.StreamURL != want {
		t.Fatalf("streamUrl = %q, want %q", started.StreamURL, want)
	}

	waitStatus(t, svc, started.SessionID, chat.StatusCompleted)
}

func TestStartChatValidation(t *testing.T) {
	r, _, _ := setupRouter(t, &provider.MockSource{SourceName: "mock"})

	resp := postJSON(t, r, "/chat", map[string]string{"prompt": "   "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want 400", resp.Code)
	}

	resp = postJSON(t, r, "/chat", map[string]string{"prompt": "hi", "provider": "ghost"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d, want 400", resp.Code)
	}

	resp = postJSON(t, r, "/chat", map[string]string{"prompt": "hi", "threadId": "missing"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown thread status = %d, want 404", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestStartChatSync(t *testing.T) {
	r, _, _ := setupRouter(t, &provider.MockSource{
		SourceName: "mock",
		Fragments:  []string{"Hel", "lo"},
		FinalUsage: &chat.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3},
	})

	resp := postJSON(t, r, "/chat", map[string]interface{}{"prompt": "greet me", "stream": false})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.Code, resp.Body)
	}

	var result struct {
		SessionID string      `json:"sessionId"`
		Status    string      `json:"status"`
		Text      string      `json:"text"`
		Usage     *chat.Usage `json:"usage"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != "completed" {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if result.Text != "Hello" {
		t.Fatalf("text = %q, want Hello", result.Text)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 3 {
		t.Fatalf("usage = %+v, want total 3", result.Usage)
	}
}

func TestStopChat(t *testing.T) {
	// Hang keeps the generation running until it is interrupted.
	r, svc, _ := setupRouter(t, &provider.MockSource{
		SourceName: "mock",
		Fragments:  []string{"never ", "ending "},
		Hang:       true,
	})

	resp := postJSON(t, r, "/chat", map[string]string{"prompt": "run forever"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("start status = %d", resp.Code)
	}
	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	resp = postJSON(t, r, "/chat/stop", map[string]string{"sessionId": started.SessionID})
	if resp.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200: %s", resp.Code, resp.Body)
	}
	var stopped map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stopped["status"] != "interrupted" {
		t.Fatalf("stop response = %v", stopped)
	}
	waitStatus(t, svc, started.SessionID, chat.StatusInterrupted)

	// The session is terminal now; a second stop is a 404.
	resp = postJSON(t, r, "/chat/stop", map[string]string{"sessionId": started.SessionID})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("second stop status = %d, want 404", resp.Code)
	}
}

func TestStopChatValidation(t *testing.T) {
	r, _, _ := setupRouter(t, &provider.MockSource{SourceName: "mock"})

	resp := postJSON(t, r, "/chat/stop", map[string]string{"sessionId": "unknown"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.Code)
	}

	resp = postJSON(t, r, "/chat/stop", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing sessionId status = %d, want 400", resp.Code)
	}
}

func TestSessionStatus(t *testing.T) {
	r, svc, _ := setupRouter(t, &provider.MockSource{SourceName: "mock", Fragments: []string{"Hel", "lo"}})

	resp := postJSON(t, r, "/chat", map[string]string{"prompt": "greet me"})
	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	waitStatus(t, svc, started.SessionID, chat.StatusCompleted)

	resp = getPath(t, r, "/chat/"+started.SessionID)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.Code, resp.Body)
	}
	var result struct {
		Status    string `json:"status"`
		Committed int    `json:"committed"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != "completed" || result.Committed != 2 || result.Text != "Hello" {
		t.Fatalf("unexpected session payload %+v", result)
	}

	if resp := getPath(t, r, "/chat/no-such-session"); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.Code)
	}
}

func TestThreadListing(t *testing.T) {
	r, svc, _ := setupRouter(t, &provider.MockSource{SourceName: "mock", Fragments: []string{"fine"}})

	resp := postJSON(t, r, "/chat", map[string]string{"prompt": "first question"})
	var started struct {
		SessionID string `json:"sessionId"`
		ThreadID  string `json:"threadId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	waitStatus(t, svc, started.SessionID, chat.StatusCompleted)

	resp = getPath(t, r, "/threads/"+started.ThreadID)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.Code, resp.Body)
	}
	var thread struct {
		Title string      `json:"title"`
		Turns []chat.Turn `json:"turns"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &thread); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if thread.Title != "first question" {
		t.Fatalf("title = %q", thread.Title)
	}
	if len(thread.Turns) != 1 || thread.Turns[0].Text != "fine" {
		t.Fatalf("turns = %+v", thread.Turns)
	}

	if resp := getPath(t, r, "/threads/no-such-thread"); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown thread status = %d, want 404", resp.Code)
	}
}

func TestProvidersListing(t *testing.T) {
	r, _, _ := setupRouter(t, &provider.MockSource{SourceName: "mock", ModelID: "scripted"})

	resp := getPath(t, r, "/providers")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var listing struct {
		Providers []provider.Info `json:"providers"`
		Default   string          `json:"default"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listing.Providers) != 1 || listing.Providers[0].Name != "mock" {
		t.Fatalf("providers = %+v", listing.Providers)
	}
	if listing.Default != "mock" {
		t.Fatalf("default = %q, want mock", listing.Default)
	}
}
