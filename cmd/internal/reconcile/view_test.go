package reconcile

import (
	"testing"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/livestream"
)

func TestReconcile(t *testing.T) {
	t.Parallel()

	base := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "hi"},
		{ID: "a1", Role: chat.RoleAssistant, Content: "Hel", IsStreaming: true},
	}

	cases := []struct {
		name     string
		live     livestream.LiveState
		wantLen  int
		wantLast string
		wantLive bool
	}{
		{
			name:     "no live state",
			live:     livestream.LiveState{ConversationID: "c", Phase: livestream.PhaseIdle},
			wantLen:  2,
			wantLast: "Hel",
			wantLive: true,
		},
		{
			name:     "buffer ahead of authority",
			live:     livestream.LiveState{ConversationID: "c", LastAssistantMessageID: "a1", Content: "Hello", Streaming: true, Phase: livestream.PhaseGeneratingAnswer},
			wantLen:  2,
			wantLast: "Hello",
			wantLive: true,
		},
		{
			name:     "authority ahead of buffer",
			live:     livestream.LiveState{ConversationID: "c", LastAssistantMessageID: "a1", Content: "He", Streaming: true},
			wantLen:  2,
			wantLast: "Hel",
			wantLive: true,
		},
		{
			name:     "unbound buffer matches streaming tail",
			live:     livestream.LiveState{ConversationID: "c", Content: "Hello!", Streaming: true},
			wantLen:  2,
			wantLast: "Hello!",
			wantLive: true,
		},
		{
			name:     "message not persisted yet",
			live:     livestream.LiveState{ConversationID: "c", LastAssistantMessageID: "a2", Content: "new", Streaming: true},
			wantLen:  3,
			wantLast: "new",
			wantLive: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Reconcile(base, tc.live)
			last, _ := chat.Last(got)
			if len(got) != tc.wantLen || last.Content != tc.wantLast || last.IsStreaming != tc.wantLive {
				t.Fatalf("Reconcile(%+v)=%+v want len=%d last=%q", tc.live, got, tc.wantLen, tc.wantLast)
			}
		})
	}

	if base[1].Content != "Hel" {
		t.Fatalf("Reconcile mutated its input: %+v", base)
	}
}

func TestReconcileKeepsFinishedBuffer(t *testing.T) {
	t.Parallel()

	auth := []chat.Message{{ID: "u1", Role: chat.RoleUser, Content: "hi"}}
	live := livestream.LiveState{
		ConversationID:         "c",
		Phase:                  livestream.PhaseIdleAfterComplete,
		LastAssistantMessageID: "a1",
		Content:                "done",
	}

	got := Reconcile(auth, live)
	if len(got) != 2 || got[1].Content != "done" || got[1].IsStreaming {
		t.Fatalf("Reconcile=%+v", got)
	}
}

func TestReconcilePrefersFinishedAuthority(t *testing.T) {
	t.Parallel()

	auth := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "hi"},
		{ID: "a1", Role: chat.RoleAssistant, Content: "hello"},
	}
	cases := []struct {
		name string
		live livestream.LiveState
		want string
	}{
		{
			name: "buffer lost a byte",
			live: livestream.LiveState{ConversationID: "c", Phase: livestream.PhaseIdleAfterComplete, LastAssistantMessageID: "a1", Content: "helo"},
			want: "hello",
		},
		{
			name: "buffer ahead of a finished copy",
			live: livestream.LiveState{ConversationID: "c", Phase: livestream.PhaseIdleAfterComplete, LastAssistantMessageID: "a1", Content: "hello there"},
			want: "hello there",
		},
		{
			name: "still streaming",
			live: livestream.LiveState{ConversationID: "c", Phase: livestream.PhaseGeneratingAnswer, LastAssistantMessageID: "a1", Content: "hello!", Streaming: true},
			want: "hello!",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Reconcile(auth, tc.live)
			if len(got) != 2 || got[1].Content != tc.want {
				t.Fatalf("Reconcile(%+v)=%+v want last=%q", tc.live, got, tc.want)
			}
		})
	}
}

func TestWithPending(t *testing.T) {
	t.Parallel()

	p := &pendingUser{msg: chat.Message{ID: "pending_1", Role: chat.RoleUser, Content: "q"}}
	msgs := []chat.Message{
		{ID: "u0", Role: chat.RoleUser, Content: "old"},
		{ID: "a1", Role: chat.RoleAssistant, IsStreaming: true},
	}

	got := withPending(msgs, p, "")
	if len(got) != 3 || got[1].ID != "pending_1" || got[2].ID != "a1" {
		t.Fatalf("withPending=%+v", got)
	}

	p.serverID = "u0"
	if got := withPending(msgs, p, ""); len(got) != 2 {
		t.Fatalf("pending message listed by the authority was inserted again: %+v", got)
	}

	p.serverID = ""
	done := []chat.Message{{ID: "a9", Role: chat.RoleAssistant, Content: "finished"}}
	if got := withPending(done, p, "a9"); len(got) != 2 || got[0].ID != "pending_1" {
		t.Fatalf("pending message must precede the live answer: %+v", got)
	}
}
