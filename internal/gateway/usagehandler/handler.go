// Package usagehandler batches upstream token-usage events per session so
// the Gateway issues one IPC call per five completions rather than one per
// event.
package usagehandler

import (
	"strconv"
	"strings"
	"sync"
)

// defaultFlushThreshold is the number of response.done events accumulated
// before an automatic flush.
const defaultFlushThreshold = 5

const (
	doneMarker   = `"type":"response.done"`
	inputMarker  = `"input_tokens":`
	outputMarker = `"output_tokens":`
)

// UsageSender issues the fire-and-forget UPDATE_USAGE call.
type UsageSender interface {
	UpdateUsage(accountID, sessionID, provider string, inputTokens, outputTokens int64)
}

// Tokens is the (input, output) pair extracted from one response.done frame.
type Tokens struct {
	Input  int64
	Output int64
}

// Handler accumulates token usage for one session and flushes it in
// batches. Its methods take an internal mutex, so they may be called from
// different goroutines.
type Handler struct {
	sender    UsageSender
	accountID string
	sessionID string
	provider  string
	threshold int

	mu        sync.Mutex
	inputAcc  int64
	outputAcc int64
	count     int
}

// New creates a Handler for one session, flushing to sender every
// defaultFlushThreshold response.done events.
func New(sender UsageSender, accountID, sessionID string) *Handler {
	return &Handler{
		sender:    sender,
		accountID: accountID,
		sessionID: sessionID,
		provider:  "OPENAI",
		threshold: defaultFlushThreshold,
	}
}

// Ingest scans raw for a response.done event. If absent, it returns
// (Tokens{}, false) immediately without attempting further parsing — the
// fast-negative path required to keep per-frame overhead low. If present, it
// extracts the input/output token counts via bounded substring search (never
// a general JSON parse), accumulates them, and flushes automatically once
// the threshold is reached.
func (h *Handler) Ingest(raw string) (Tokens, bool) {
	if !strings.Contains(raw, doneMarker) {
		return Tokens{}, false
	}

	input := extractDigits(raw, inputMarker)
	output := extractDigits(raw, outputMarker)

	h.mu.Lock()
	h.inputAcc += input
	h.outputAcc += output
	h.count++
	shouldFlush := h.count >= h.threshold
	h.mu.Unlock()

	if shouldFlush {
		h.Flush()
	}
	return Tokens{Input: input, Output: output}, true
}

// Flush sends the accumulated totals via one fire-and-forget UPDATE_USAGE
// call, if any usage has accrued, then zeroes the accumulators and counter.
func (h *Handler) Flush() {
	h.mu.Lock()
	input, output, count := h.inputAcc, h.outputAcc, h.count
	h.inputAcc, h.outputAcc, h.count = 0, 0, 0
	h.mu.Unlock()

	if count == 0 {
		return
	}
	h.sender.UpdateUsage(h.accountID, h.sessionID, h.provider, input, output)
}

// extractDigits finds marker in raw and parses the contiguous run of ASCII
// digits immediately following it. Returns 0 if marker is absent or is not
// followed by at least one digit.
func extractDigits(raw, marker string) int64 {
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return 0
	}
	start := idx + len(marker)
	end := start
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	n, err := strconv.ParseInt(raw[start:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
