package gateway

import (
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/reconcile"
	streamv1 "chatsync/shared/contracts/stream/v1"
	v1 "chatsync/shared/contracts/view/v1"
)

// WireMessages converts messages to their wire form.
func WireMessages(msgs []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.Message{
			ID:                  m.ID,
			Role:                string(m.Role),
			Content:             m.Content,
			Thoughts:            m.Thoughts,
			Provider:            m.Provider,
			Model:               m.Model,
			CreatedAt:           m.CreatedAt,
			IsStreaming:         m.IsStreaming,
			IsStreamingResponse: m.IsStreamingResponse,
		})
	}
	return out
}

// ViewPayload converts a reconciled view.
func ViewPayload(v reconcile.View) v1.ViewUpdatePayload {
	p := v1.ViewUpdatePayload{
		ConversationID: v.ConversationID,
		Messages:       WireMessages(v.Messages),
		Orphaned:       v.Orphaned,
		Fallback:       v.Fallback,
		Stale:          v.Stale,
		RequestID:      v.RequestID,
	}
	if v.Err != nil {
		p.Error = v.Err.Error()
	}
	return p
}

// LivePayload converts a live state.
func LivePayload(st livestream.LiveState) v1.LiveStatePayload {
	return v1.LiveStatePayload{
		ConversationID: st.ConversationID,
		MessageID:      st.LastAssistantMessageID,
		Phase:          string(st.Phase),
		Thoughts:       st.Thoughts,
		Answer:         st.Content,
		Streaming:      st.Streaming,
		Error:          st.Error,
		Revision:       st.Revision,
	}
}

func viewEnvelope(v reconcile.View) (v1.Envelope, error) {
	return envelope(v1.TypeViewUpdate, v.ConversationID, ViewPayload(v))
}

func liveEnvelope(st livestream.LiveState) (v1.Envelope, error) {
	return envelope(v1.TypeLiveState, st.ConversationID, LivePayload(st))
}

func sendStateEnvelope(st coordinator.Status) (v1.Envelope, error) {
	return envelope(v1.TypeSendState, st.ConversationID, v1.SendStatePayload{
		ConversationID: st.ConversationID,
		Disabled:       st.Disabled,
		Source:         st.Source,
	})
}

func fileStateEnvelope(fs streamv1.FileState) (v1.Envelope, error) {
	return envelope(v1.TypeFileState, "", v1.FileStatePayload{Path: fs.Path, Status: fs.Status, Content: fs.Content})
}

func envelope(typ, convID string, p any) (v1.Envelope, error) {
	env, err := v1.New(typ, convID, p)
	if err != nil {
		return v1.Envelope{}, err
	}
	env.ID = ids.MustULID()
	return env, nil
}
