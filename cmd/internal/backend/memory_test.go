package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/chaterr"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/versions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seeded(opts MemoryOptions) *Memory {
	opts.Logger = quietLogger()
	m := NewMemory(opts)
	m.Seed("c", []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Content: "2+2"},
		{ID: "m2", Role: chat.RoleAssistant, Content: "4"},
	})
	return m
}

func TestMemoryGenerationStreamsThroughMultiplexer(t *testing.T) {
	t.Parallel()

	mem := seeded(MemoryOptions{ChunkSize: 4, Retransmit: true})
	defer mem.Close()

	mux := livestream.New(livestream.Options{Transport: mem, Backoff: time.Millisecond, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mux.Run(ctx) }()
	waitFor(t, "stream connected", func() bool { return mux.Connection().Connected })

	h, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Prompt: "hello there"})
	if err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}
	if h.MessageID == "" || h.UserMessageID == "" || h.ID == "" {
		t.Fatalf("handle=%+v", h)
	}

	waitFor(t, "generation complete", func() bool {
		st, _ := mux.State("c")
		return st.Phase == livestream.PhaseIdleAfterComplete
	})

	st, _ := mux.State("c")
	if st.Content != "You said: hello there" {
		t.Fatalf("live content=%q", st.Content)
	}
	if st.Thoughts != "Considering: hello there" {
		t.Fatalf("live thoughts=%q", st.Thoughts)
	}

	history, err := mem.FetchHistory(ctx, "c")
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	last, _ := chat.Last(history)
	if len(history) != 4 || last.ID != h.MessageID || last.Content != st.Content || last.IsStreaming {
		t.Fatalf("history=%+v", history)
	}
	if state, _ := mem.FetchState(ctx, "c"); state != chat.ServerStateStatic {
		t.Fatalf("state=%s", state)
	}
}

func TestMemoryResumeAndBusy(t *testing.T) {
	t.Parallel()

	mem := seeded(MemoryOptions{ChunkSize: 1, Delay: 20 * time.Millisecond})
	defer mem.Close()
	ctx := context.Background()

	if _, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Resume: true}); !chaterr.IsNotFound(err) {
		t.Fatalf("resume without generation err=%v", err)
	}

	h, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Prompt: "a long enough prompt"})
	if err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}

	again, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Resume: true})
	if err != nil || !again.Resumed || again.ID != h.ID {
		t.Fatalf("resume handle=%+v err=%v", again, err)
	}
	if _, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Prompt: "x"}); !errors.Is(err, chaterr.ErrBusy) {
		t.Fatalf("second start err=%v want busy", err)
	}
	if state, _ := mem.FetchState(ctx, "c"); !state.Generating() {
		t.Fatalf("state=%s want generating", state)
	}
}

func TestMemoryCancelKeepsPartialAnswer(t *testing.T) {
	t.Parallel()

	mem := seeded(MemoryOptions{ChunkSize: 1, Delay: 5 * time.Millisecond})
	defer mem.Close()
	ctx := context.Background()

	h, err := mem.StartGeneration(ctx, GenerationRequest{ConversationID: "c", Prompt: "please write a long answer"})
	if err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := mem.CancelGeneration(ctx, "c"); err != nil {
		t.Fatalf("CancelGeneration: %v", err)
	}

	waitFor(t, "static state", func() bool {
		st, _ := mem.FetchState(ctx, "c")
		return st == chat.ServerStateStatic
	})
	history, _ := mem.FetchHistory(ctx, "c")
	i := chat.IndexOf(history, h.MessageID)
	if i < 0 || history[i].IsStreaming {
		t.Fatalf("assistant message missing or still streaming: %+v", history)
	}
	if full := "You said: please write a long answer"; len(history[i].Content) >= len(full) {
		t.Fatalf("cancel did not stop generation: %q", history[i].Content)
	}
}

func TestMemoryVersionsAndSwitch(t *testing.T) {
	t.Parallel()

	mem := seeded(MemoryOptions{})
	defer mem.Close()
	ctx := context.Background()

	resp, err := mem.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m1", Operation: versions.OpEdit, Content: "3+3"})
	if err != nil {
		t.Fatalf("SubmitVersion: %v", err)
	}
	if resp.VersionChatID != "c_v2" || !resp.NeedsGeneration || resp.TargetMessageID != "m1" {
		t.Fatalf("resp=%+v", resp)
	}

	branch, err := mem.SwitchBranch(ctx, "c_v2")
	if err != nil || len(branch) != 1 || branch[0].Content != "3+3" {
		t.Fatalf("SwitchBranch=%+v err=%v", branch, err)
	}
	base, _ := mem.FetchHistory(ctx, "c")
	if len(base) != 2 || base[0].Content != "2+2" {
		t.Fatalf("base modified: %+v", base)
	}

	if _, err := mem.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m1", Operation: versions.OpEdit, Content: " "}); !chaterr.IsValidation(err) {
		t.Fatalf("blank edit err=%v", err)
	}
	if _, err := mem.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m1", Operation: "merge"}); !chaterr.IsValidation(err) {
		t.Fatalf("unknown op err=%v", err)
	}

	del, err := mem.SubmitVersion(ctx, VersionRequest{ConversationID: "c", MessageID: "m2", Operation: versions.OpDelete})
	if err != nil || del.VersionChatID != "" || del.NeedsGeneration {
		t.Fatalf("delete resp=%+v err=%v", del, err)
	}
	if base, _ := mem.FetchHistory(ctx, "c"); len(base) != 1 {
		t.Fatalf("delete did not truncate: %+v", base)
	}

	mem.Delete("c")
	if _, err := mem.SwitchBranch(ctx, "c_v2"); !chaterr.IsOrphaned(err) {
		t.Fatalf("switch into deleted family err=%v", err)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		size int
		want []string
	}{
		{"abcdef", 4, []string{"abcd", "ef"}},
		{"héllo", 2, []string{"hé", "ll", "o"}},
		{"", 3, nil},
	}
	for _, tc := range cases {
		got := chunks(tc.in, tc.size)
		if len(got) != len(tc.want) {
			t.Fatalf("chunks(%q,%d)=%q want=%q", tc.in, tc.size, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("chunks(%q,%d)=%q want=%q", tc.in, tc.size, got, tc.want)
			}
		}
	}
}
