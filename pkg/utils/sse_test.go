package utils

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteSSEEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteSSEEvent(rec, rec, 7, "fragment", map[string]string{"text": "hi"})

	want := "id: 7\nevent: fragment\ndata: {\"text\":\"hi\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("frame = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Fatal("event was not flushed")
	}
}

func TestWriteSSEEventOmitsNegativeID(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteSSEEvent(rec, rec, -1, "completed", map[string]string{})

	want := "event: completed\ndata: {}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("frame = %q, want %q", got, want)
	}
}

func TestWriteSSERetry(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteSSERetry(rec, rec, 30*time.Second)

	if got := rec.Body.String(); got != "retry: 30000\n\n" {
		t.Fatalf("retry hint = %q", got)
	}
}

func TestSetupSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	SetupSSEHeaders(rec)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}
