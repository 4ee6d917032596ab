// Package checkpoint accumulates speaker-tagged conversation fragments from
// upstream transcript-delta events and flushes them as conversation
// checkpoints once enough text has built up.
package checkpoint

import (
	"strings"
	"sync"
)

// defaultLengthThreshold is the accumulated character count that triggers an
// automatic flush.
const defaultLengthThreshold = 200

const (
	userDeltaMarker  = `"type":"conversation.item.input_audio_transcription.delta"`
	agentDeltaMarker = `"type":"response.output_audio_transcript.delta"`
	deltaFieldMarker = `"delta":"`
)

// speaker identifies whose transcript delta produced a fragment.
type speaker string

const (
	speakerNone  speaker = ""
	speakerUser  speaker = "user"
	speakerAgent speaker = "agent"
)

// ConversationAppender issues the fire-and-forget APPEND_CONVERSATION call.
type ConversationAppender interface {
	AppendConversation(accountID, sessionID, conversationData string)
}

// Handler accumulates speaker-tagged conversation text for one session. Its
// methods take an internal mutex, so they may be called from different
// goroutines.
type Handler struct {
	sender    ConversationAppender
	accountID string
	sessionID string
	threshold int

	mu        sync.Mutex
	fragments []string
	length    int
	current   speaker
}

// New creates a Handler for one session, flushing to sender once
// defaultLengthThreshold characters have accumulated.
func New(sender ConversationAppender, accountID, sessionID string) *Handler {
	return &Handler{
		sender:    sender,
		accountID: accountID,
		sessionID: sessionID,
		threshold: defaultLengthThreshold,
	}
}

// Ingest scans raw for a user or agent transcript-delta event. Any other
// frame is a no-op. A detected delta is appended to the current fragment
// list, prefixed with "\n{speaker}:" whenever the speaker changes (and the
// fragment list is non-empty); the handler flushes once the accumulated
// length reaches the threshold.
func (h *Handler) Ingest(raw string) {
	var who speaker
	switch {
	case strings.Contains(raw, userDeltaMarker):
		who = speakerUser
	case strings.Contains(raw, agentDeltaMarker):
		who = speakerAgent
	default:
		return
	}

	delta := extractDelta(raw)
	if delta == "" {
		return
	}

	h.mu.Lock()
	fragment := delta
	if who != h.current && len(h.fragments) > 0 {
		fragment = "\n" + string(who) + ":" + delta
	} else if who != h.current {
		fragment = string(who) + ":" + delta
	}
	h.current = who
	h.fragments = append(h.fragments, fragment)
	h.length += len(delta)
	shouldFlush := h.length >= h.threshold
	h.mu.Unlock()

	if shouldFlush {
		h.Flush()
	}
}

// Flush snapshots the accumulated fragments into one string, resets the
// fragment list, length counter, and speaker FIRST, then fires the
// fire-and-forget APPEND_CONVERSATION call. The reset-before-send ordering
// is load-bearing: a re-entrant Ingest/Flush racing the async send must
// start from empty state, not from whatever was just snapshotted.
func (h *Handler) Flush() {
	h.mu.Lock()
	if len(h.fragments) == 0 {
		h.mu.Unlock()
		return
	}
	snapshot := strings.Join(h.fragments, "")
	h.fragments = nil
	h.length = 0
	h.current = speakerNone
	h.mu.Unlock()

	h.sender.AppendConversation(h.accountID, h.sessionID, snapshot)
}

// extractDelta pulls the value of a `"delta":"…"` field out of raw via
// bounded substring search, honoring backslash-escaped quotes so it does not
// stop at an embedded `\"`.
func extractDelta(raw string) string {
	idx := strings.Index(raw, deltaFieldMarker)
	if idx < 0 {
		return ""
	}
	start := idx + len(deltaFieldMarker)
	i := start
	for i < len(raw) {
		if raw[i] == '\\' {
			i += 2
			continue
		}
		if raw[i] == '"' {
			break
		}
		i++
	}
	if i > len(raw) {
		return ""
	}
	return raw[start:min(i, len(raw))]
}
