package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/config"
	"github.com/tsoares/courier/internal/directory"
	"github.com/tsoares/courier/internal/engine"
	"github.com/tsoares/courier/internal/receipts"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/scheduler"
	"github.com/tsoares/courier/internal/thread"
	"github.com/tsoares/courier/internal/typing"
	"go.uber.org/zap"
)

// fakeStore is a minimal remote message store for exercising the API
// server end to end.
func fakeStore(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]remote.Conversation{
			{ID: "c1", ParticipantName: "Alice", LastActivityAt: 100},
		})
	})
	sends := 0
	mux.HandleFunc("/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sends++
			var body struct {
				Content   string `json:"content"`
				ClientRef string `json:"client_ref"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(remote.Message{
				ID: fmt.Sprintf("srv-%d", sends), ConversationID: "c1",
				SenderID: "self", SenderType: "self", Content: body.Content,
				MessageType: "text", CreatedAt: time.Now().UnixMilli(), ClientRef: body.ClientRef,
			})
			return
		}
		_ = json.NewEncoder(w).Encode([]remote.Message{})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testEngine(t *testing.T, baseURL string) *engine.Engine {
	t.Helper()

	cfg := *config.Default()
	cfg.Server = config.Server{BaseURL: baseURL, SelfUserID: "self"}
	cfg.Sync.ListPollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sync.ThreadPollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sync.BackoffBase = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Sync.BackoffMax = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Receipt.Debounce = config.Duration{Duration: 10 * time.Millisecond}

	b := bus.New()
	clk := clock.System{}
	threads := thread.NewStore("self", clk, b, nil)
	dir := directory.New(threads, b)
	tracker := typing.New(clk, b, cfg.Typing.Debounce.Duration, cfg.Typing.QuietWindow.Duration, cfg.Typing.TTL.Duration)
	api := remote.NewClient(baseURL, "", nil)
	sched := func(attempts int) *scheduler.Scheduler {
		return scheduler.New(scheduler.Config{
			BackoffBase: cfg.Sync.BackoffBase.Duration,
			BackoffMax:  cfg.Sync.BackoffMax.Duration,
			Attempts:    attempts,
			Retryable:   remote.IsTransient,
		}, nil)
	}
	pullSched, sendSched := sched(cfg.Sync.PullAttempts), sched(cfg.Sync.SendAttempts)
	rc := receipts.New(cfg.Receipt.Debounce.Duration, clk, threads, dir, api, sendSched, b, nil, "self", nil)

	eng := engine.New(cfg, api, threads, dir, tracker, rc, pullSched, sendSched, nil, b, clk, nil)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)
	return eng
}

// testServer runs the API server on a Unix socket and returns an HTTP
// client dialing it.
func testServer(t *testing.T) *http.Client {
	t.Helper()

	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "courier-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	remoteSrv := fakeStore(t)
	eng := testEngine(t, remoteSrv.URL)

	logger := zap.NewNop()
	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, logger, eng)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	time.Sleep(50 * time.Millisecond)

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func get(t *testing.T, client *http.Client, path string, out any) int {
	t.Helper()
	resp, err := client.Get("http://unix" + path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, client *http.Client, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := client.Post("http://unix"+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	client := testServer(t)

	var status struct {
		Profile       string `json:"profile"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	if code := get(t, client, "/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Profile != "test" {
		t.Errorf("profile = %q, want test", status.Profile)
	}
}

func TestConversationsEndpoint(t *testing.T) {
	client := testServer(t)

	// The list poll needs a moment to land.
	deadline := time.Now().Add(3 * time.Second)
	var convs []map[string]any
	for time.Now().Before(deadline) {
		get(t, client, "/v1/conversations", &convs)
		if len(convs) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0]["participant_name"] != "Alice" {
		t.Errorf("name = %v", convs[0]["participant_name"])
	}

	// Filter that matches nothing.
	get(t, client, "/v1/conversations?q=zzz", &convs)
	if len(convs) != 0 {
		t.Errorf("filtered = %d, want 0", len(convs))
	}
}

func TestSendAndListMessages(t *testing.T) {
	client := testServer(t)

	var sendResp struct {
		LocalID string `json:"local_id"`
	}
	code := post(t, client, "/v1/conversations/c1/messages", map[string]string{"content": "hello"}, &sendResp)
	if code != http.StatusAccepted {
		t.Fatalf("send code = %d", code)
	}
	if sendResp.LocalID == "" {
		t.Fatal("no local_id in response")
	}

	deadline := time.Now().Add(3 * time.Second)
	var msgs []map[string]any
	for time.Now().Before(deadline) {
		get(t, client, "/v1/conversations/c1/messages", &msgs)
		if len(msgs) == 1 && msgs[0]["delivery"] == "sent" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(msgs) != 1 || msgs[0]["delivery"] != "sent" {
		t.Fatalf("messages = %+v, want one sent", msgs)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	client := testServer(t)

	code := post(t, client, "/v1/conversations/c1/messages", map[string]string{"content": ""}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", code)
	}
}

func TestTypingInjectionAndIndicator(t *testing.T) {
	client := testServer(t)

	code := post(t, client, "/v1/typing-events", map[string]any{
		"conversation_id": "c1", "user_id": "u1", "user_name": "Alice", "is_typing": true,
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("inject code = %d", code)
	}

	var indicator struct {
		Text string `json:"text"`
	}
	get(t, client, "/v1/conversations/c1/typing", &indicator)
	if indicator.Text != "Alice is typing…" {
		t.Errorf("text = %q", indicator.Text)
	}
}

func TestRetryUnknownMessage(t *testing.T) {
	client := testServer(t)

	code := post(t, client, "/v1/conversations/c1/messages/nope/retry", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", code)
	}
}
