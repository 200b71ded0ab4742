// chatprobe is a manual probe against a running midstream server: it starts
// a generation, prints the SSE events as they arrive, and can interrupt the
// session or resume a dropped stream from an offset.
//
// Examples:
//
//	chatprobe -prompt "Count from 1 to 20"
//	chatprobe -prompt "Tell a long story" -stop-after 5
//	chatprobe -resume <sessionID> -from 12
//	chatprobe -prompt "Say exactly: hello" -sync
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("addr", "http://localhost:8080", "midstream server base URL")
	providerName := flag.String("provider", "", "provider name, empty for the server default")
	model := flag.String("model", "", "model override")
	prompt := flag.String("prompt", "", "prompt to generate from")
	system := flag.String("system", "", "system prompt")
	thread := flag.String("thread", "", "existing thread id to continue")
	sync := flag.Bool("sync", false, "wait for the full response instead of streaming")
	stopAfter := flag.Int("stop-after", 0, "interrupt the session after this many fragments (0 = never)")
	resume := flag.String("resume", "", "attach to an existing session instead of starting one")
	from := flag.Int("from", 0, "fragment offset to resume from")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout")

	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	if *resume != "" {
		streamSession(client, *addr, *resume, *from, *stopAfter)
		return
	}

	if strings.TrimSpace(*prompt) == "" {
		flag.Usage()
		log.Fatal("provide -prompt to start a generation or -resume to attach to one")
	}

	if *sync {
		runSync(client, *addr, *providerName, *model, *prompt, *system, *thread)
		return
	}

	sessionID := startSession(client, *addr, *providerName, *model, *prompt, *system, *thread)
	streamSession(client, *addr, sessionID, 0, *stopAfter)
}

type startBody struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
	System   string `json:"systemPrompt,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Stream   *bool  `json:"stream,omitempty"`
}

func startSession(client *http.Client, addr, provider, model, prompt, system, thread string) string {
	payload, _ := json.Marshal(startBody{
		Provider: provider,
		Model:    model,
		Prompt:   prompt,
		System:   system,
		ThreadID: thread,
	})

	resp, err := client.Post(addr+"/api/v1/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("start request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("start returned %d: %s", resp.StatusCode, body)
	}

	var started struct {
		SessionID string `json:"sessionId"`
		ThreadID  string `json:"threadId"`
		StreamURL string `json:"streamUrl"`
	}
	if err := json.Unmarshal(body, &started); err != nil {
		log.Fatalf("unexpected start response: %v\n%s", err, body)
	}

	log.Printf("session=%s thread=%s", started.SessionID, started.ThreadID)
	return started.SessionID
}

func runSync(client *http.Client, addr, provider, model, prompt, system, thread string) {
	stream := false
	payload, _ := json.Marshal(startBody{
		Provider: provider,
		Model:    model,
		Prompt:   prompt,
		System:   system,
		ThreadID: thread,
		Stream:   &stream,
	})

	resp, err := client.Post(addr+"/api/v1/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("sync request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("sync returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		log.Fatalf("unexpected sync response: %v\n%s", err, body)
	}

	log.Printf("session=%s status=%s", result.SessionID, result.Status)
	fmt.Println(result.Text)
}

// streamSession attaches to the session's SSE endpoint and prints events
// until the terminal one. When stopAfter fragments have arrived it fires
// POST /chat/stop and keeps reading, so the interrupted event shows up in
// the same stream.
func streamSession(client *http.Client, addr, sessionID string, from, stopAfter int) {
	url := fmt.Sprintf("%s/api/v1/chat/%s/stream", addr, sessionID)
	if from > 0 {
		url = fmt.Sprintf("%s?from=%d", url, from)
	}

	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("attach failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("attach returned %d: %s", resp.StatusCode, body)
	}

	log.Printf("attached session=%s from=%d", sessionID, from)

	fragments := 0
	stopped := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "" && data == "" {
				continue
			}
			terminal := printEvent(eventName, data, &fragments)
			eventName, data = "", ""
			if terminal {
				return
			}
			if stopAfter > 0 && fragments >= stopAfter && !stopped {
				stopped = true
				go stopSession(client, addr, sessionID)
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("stream read failed: %v", err)
	}
	log.Printf("stream closed without a terminal event; resume with -resume %s -from %d", sessionID, fragments+from)
}

// printEvent renders one SSE event and reports whether it was terminal.
func printEvent(eventName, data string, fragments *int) bool {
	switch eventName {
	case "init":
		log.Printf("init: %s", data)
	case "fragment":
		var frag struct {
			Seq  int    `json:"seq"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(data), &frag); err != nil {
			log.Printf("bad fragment payload: %s", data)
			return false
		}
		*fragments++
		fmt.Printf("[%d] %q\n", frag.Seq, frag.Text)
	case "completed", "interrupted", "failed":
		log.Printf("terminal: %s %s", eventName, data)
		return true
	default:
		log.Printf("%s: %s", eventName, data)
	}
	return false
}

func stopSession(client *http.Client, addr, sessionID string) {
	payload, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	resp, err := client.Post(addr+"/api/v1/chat/stop", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("stop request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	log.Printf("stop returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
