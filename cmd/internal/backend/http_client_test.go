package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/versions"
	v1 "chatsync/shared/contracts/stream/v1"
)

func newServedMemory(t *testing.T, opts MemoryOptions) (*Memory, *httptest.Server, *HTTPClient) {
	t.Helper()

	mem := seeded(opts)
	mux := http.NewServeMux()
	NewHandler(mem, mem, quietLogger()).Register(mux, "/authority")
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		mem.Close()
		srv.Close()
	})

	client, err := NewHTTPClient(srv.URL+"/authority", WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return mem, srv, client
}

func TestHTTPClientRoundTrip(t *testing.T) {
	t.Parallel()

	_, _, client := newServedMemory(t, MemoryOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msgs, err := client.FetchHistory(ctx, "c")
	if err != nil || len(msgs) != 2 || msgs[1].Content != "4" {
		t.Fatalf("FetchHistory=%+v err=%v", msgs, err)
	}

	resp, err := client.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m2", Operation: versions.OpRetry})
	if err != nil {
		t.Fatalf("SubmitVersion: %v", err)
	}
	if resp.VersionChatID != "c_v2" || !resp.NeedsGeneration || resp.TargetMessageID != "m1" {
		t.Fatalf("SubmitVersion=%+v", resp)
	}

	branch, err := client.SwitchBranch(ctx, resp.VersionChatID)
	if err != nil || len(branch) != 1 {
		t.Fatalf("SwitchBranch=%+v err=%v", branch, err)
	}

	h, err := client.StartGeneration(ctx, GenerationRequest{ConversationID: resp.VersionChatID})
	if err != nil || h.MessageID == "" {
		t.Fatalf("StartGeneration=%+v err=%v", h, err)
	}

	waitFor(t, "generation to finish", func() bool {
		st, err := client.FetchState(ctx, resp.VersionChatID)
		return err == nil && st == "static"
	})
	if err := client.CancelGeneration(ctx, resp.VersionChatID); err != nil {
		t.Fatalf("CancelGeneration: %v", err)
	}
}

func TestHTTPClientErrorKinds(t *testing.T) {
	t.Parallel()

	mem, _, client := newServedMemory(t, MemoryOptions{})
	ctx := context.Background()

	if _, err := client.FetchHistory(ctx, "missing"); !chaterr.IsNotFound(err) {
		t.Fatalf("missing conversation err=%v", err)
	}
	if _, err := client.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m1", Operation: versions.OpEdit, Content: ""}); !chaterr.IsValidation(err) {
		t.Fatalf("blank edit err=%v", err)
	}

	mem.Delete("c")
	if _, err := client.SwitchBranch(ctx, "c_v4"); !chaterr.IsOrphaned(err) {
		t.Fatalf("orphaned switch err=%v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := client.FetchHistory(canceled, "c"); !chaterr.IsCanceled(err) {
		t.Fatalf("canceled fetch err=%v", err)
	}
}

func TestHTTPClientTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing X-Request-Id")
		}
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(srv.URL, WithLogger(quietLogger()))
	_, err := client.FetchState(context.Background(), "c")
	if !chaterr.IsTransport(err) || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://x", "http://", "::"} {
		if _, err := NewHTTPClient(raw); err == nil {
			t.Fatalf("NewHTTPClient(%q) accepted", raw)
		}
	}
}

func TestEventEndpoints(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		transport func(base string) livestream.Transport
	}{
		{"ndjson", func(base string) livestream.Transport {
			return livestream.NDJSONTransport{URL: base + "/authority/api/events"}
		}},
		{"websocket", func(base string) livestream.Transport {
			return livestream.WebSocketTransport{URL: "ws" + strings.TrimPrefix(base, "http") + "/authority/api/events/ws"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mem, srv, _ := newServedMemory(t, MemoryOptions{})
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			r, err := tc.transport(srv.URL).Dial(ctx)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer r.Close()

			// The server registers its listener after the upgrade; poll until
			// a generation is observed.
			var sawComplete bool
			go func() {
				time.Sleep(50 * time.Millisecond)
				_, _ = mem.StartGeneration(context.Background(), GenerationRequest{ConversationID: "c", Prompt: "ping"})
			}()
			for !sawComplete {
				line, err := r.Next(ctx)
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				ev, err := v1.Decode(line)
				if err != nil {
					t.Fatalf("Decode(%q): %v", line, err)
				}
				if _, ok := ev.(v1.Complete); ok {
					sawComplete = true
				}
			}
		})
	}
}
