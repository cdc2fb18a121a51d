// Package snapshot is the client-side cache of conversation message lists.
//
// Only clean entries are ever served by Get or written to durable storage; a
// streaming or dirty entry behaves as a miss so a half-generated answer is never
// mistaken for a final one.
package snapshot

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"chatsync/cmd/internal/chat"
)

// BlobVersion is the layout version of the persisted blob. A blob with any other
// version is discarded on load.
const BlobVersion = 1

// Status is the freshness of a cached entry.
type Status string

const (
	StatusClean     Status = "clean"
	StatusDirty     Status = "dirty"
	StatusStreaming Status = "streaming"
)

// Metadata summarizes a message list for change detection.
type Metadata struct {
	LastMessageID string    `json:"last_message_id"`
	LastTimestamp time.Time `json:"last_timestamp"`
	MessageCount  int       `json:"message_count"`
	ContentHash   uint64    `json:"content_hash"`
}

// Entry is one cached conversation.
type Entry struct {
	Messages []chat.Message `json:"messages"`
	Metadata Metadata       `json:"metadata"`
	Status   Status         `json:"status"`
	CachedAt time.Time      `json:"cached_at"`
	Version  uint64         `json:"version"`
}

// Blob is the persisted layout.
type Blob struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// MetadataOf computes the metadata of msgs.
func MetadataOf(msgs []chat.Message) Metadata {
	md := Metadata{MessageCount: len(msgs), ContentHash: ContentHash(msgs)}
	if last, ok := chat.Last(msgs); ok {
		md.LastMessageID = last.ID
		md.LastTimestamp = last.CreatedAt
	}
	return md
}

// ContentHash hashes the "id:contentLength" pairs of msgs. It detects changes; it
// is not collision resistant.
func ContentHash(msgs []chat.Message) uint64 {
	d := xxhash.New()
	buf := make([]byte, 0, 64)
	for _, m := range msgs {
		buf = buf[:0]
		buf = append(buf, m.ID...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(len(m.Content)), 10)
		buf = append(buf, '|')
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}
