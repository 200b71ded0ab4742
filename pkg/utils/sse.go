package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// SetupSSEHeaders sets the response headers for a Server-Sent Events stream.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// WriteSSERetry emits the reconnect delay hint honored by EventSource
// clients.
func WriteSSERetry(w http.ResponseWriter, flusher http.Flusher, retry time.Duration) {
	fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds())
	flusher.Flush()
}

// WriteSSEEvent writes one named event with a JSON payload. A non-negative
// id becomes the SSE id field, which browsers echo back in Last-Event-ID
// when they reconnect.
func WriteSSEEvent(w http.ResponseWriter, flusher http.Flusher, id int, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("failed to marshal sse payload: %v", err)
		return
	}

	if id >= 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
