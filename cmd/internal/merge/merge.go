// Package merge folds incremental stream deltas into accumulated text without
// duplicating content the sender retransmitted.
//
// The overlap search only looks at a trailing window of the accumulated text, so the
// cost of one Append is bounded by the window size and never by the full history.
// A suffix of the window of at least MinOverlap bytes that reappears at the start of
// the delta is treated as a retransmission; content that repeats the window by
// coincidence is folded as well. Shorter repeats are kept, since token streams
// split doubled letters and digits ("Missis" + "sippi") all the time.
package merge

import (
	"strings"
	"unicode/utf8"
)

const (
	// MinWindow is the smallest trailing window searched for an overlap.
	MinWindow = 200
	// MaxWindow caps the trailing window regardless of history length.
	MaxWindow = 4096
	// MinOverlap is the shortest restated text folded as a retransmission.
	MinOverlap = 4
)

// WindowSize returns the trailing window length used for a history of n bytes:
// 25% of n, clamped to [MinWindow, MaxWindow] and never longer than n.
func WindowSize(n int) int {
	w := n / 4
	if w < MinWindow {
		w = MinWindow
	}
	if w > MaxWindow {
		w = MaxWindow
	}
	if w > n {
		w = n
	}
	return w
}

// Append returns previous with incoming appended, skipping the longest prefix of
// incoming that restates the tail of previous.
func Append(previous, incoming string) string {
	if incoming == "" {
		return previous
	}
	if previous == "" {
		return incoming
	}
	if restates(previous, incoming) {
		return previous + incoming[len(previous):]
	}

	k := Overlap(previous, incoming)
	if k == 0 {
		return previous + incoming
	}
	return previous + incoming[k:]
}

// restates reports whether incoming is a full retransmission of previous with new
// content appended. Only the trailing window of previous is compared at its
// original offset, which keeps the check bounded on long histories.
func restates(previous, incoming string) bool {
	n := len(previous)
	if n < MinOverlap || len(incoming) < n {
		return false
	}
	w := WindowSize(n)
	return previous[n-w:] == incoming[n-w:n]
}

// Overlap returns the length of the longest suffix of previous's trailing window that
// is also a prefix of incoming, or 0 when that is shorter than MinOverlap.
func Overlap(previous, incoming string) int {
	if previous == "" || incoming == "" {
		return 0
	}

	start := len(previous) - WindowSize(len(previous))
	for start < len(previous) && !utf8.RuneStart(previous[start]) {
		start++
	}
	tail := previous[start:]

	m := len(incoming)
	if m > len(tail) {
		m = len(tail)
	}
	if m == 0 {
		return 0
	}
	pat := incoming[:m]
	fail := prefixTable(pat)

	// KMP scan of the window: q ends as the longest prefix of pat that is a suffix of tail.
	q := 0
	for i := 0; i < len(tail); i++ {
		for q > 0 && (q == m || pat[q] != tail[i]) {
			q = fail[q-1]
		}
		if pat[q] == tail[i] {
			q++
		}
	}
	if q < MinOverlap {
		return 0
	}
	return q
}

// Live folds a buffered live text into the authoritative text of the same message.
// The authority wins when it already contains everything buffered, so a fetch that
// raced ahead of the stream never regresses visible content.
func Live(authoritative, buffered string) string {
	if buffered == "" {
		return authoritative
	}
	if authoritative == "" {
		return buffered
	}
	if strings.HasPrefix(authoritative, buffered) {
		return authoritative
	}
	return Append(authoritative, buffered)
}

func prefixTable(p string) []int {
	f := make([]int, len(p))
	k := 0
	for i := 1; i < len(p); i++ {
		for k > 0 && p[k] != p[i] {
			k = f[k-1]
		}
		if p[k] == p[i] {
			k++
		}
		f[i] = k
	}
	return f
}
