// Package business implements the Datastore-side business logic: credential
// validation and session preload, fire-and-forget usage/session/conversation
// persistence, and background conversation summarization. [Service]
// implements [github.com/rslive/voicegateway/internal/ipc.Handler].
package business

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rslive/voicegateway/internal/datastore/account"
	"github.com/rslive/voicegateway/internal/datastore/session"
	"github.com/rslive/voicegateway/internal/datastore/usage"
	"github.com/rslive/voicegateway/internal/ipc"
)

// thresholdChars is the conversation-blob size above which it is truncated
// for the current request and scheduled for background summarization.
const thresholdChars = 32000

// summaryTargetChars is the length background summarization aims for.
const summaryTargetChars = 24000

const omittedPrefix = "[...earlier context omitted...]\n"

const continuationPrefix = "\n\nHere is the previous conversation that happened which should be continued now:\n"

// Summarizer condenses a conversation blob down toward targetChars.
// Implementations call out to an LLM; the call is best-effort and errors are
// logged only by [Service], never surfaced to a caller.
type Summarizer interface {
	Summarize(ctx context.Context, conversation string, targetChars int) (string, error)
}

// Service ties the account/session/usage repositories together into the
// operations the IPC server dispatches to.
type Service struct {
	accounts   *account.Repository
	sessions   *session.Repository
	usageRepo  *usage.Repository
	summarizer Summarizer
}

// New creates a Service over the given repositories. summarizer may be nil,
// in which case oversize conversations are truncated for the response but
// never summarized in the background.
func New(accounts *account.Repository, sessions *session.Repository, usageRepo *usage.Repository, summarizer Summarizer) *Service {
	return &Service{accounts: accounts, sessions: sessions, usageRepo: usageRepo, summarizer: summarizer}
}

// Compile-time interface check: Service must satisfy ipc.Handler.
var _ ipc.Handler = (*Service)(nil)

// ValidateAndLoad implements the §4.7 validateAndLoad algorithm.
func (s *Service) ValidateAndLoad(ctx context.Context, apiKey, sessionID string) (accountID, sessionData string, credits int64, code ipc.Code) {
	keyHash := account.HashKey(apiKey)
	result, err := s.sessions.Load(ctx, keyHash, sessionID)
	if err == session.ErrInvalidAuth {
		return "", "", 0, ipc.CodeInvalidAuth
	}
	if err != nil {
		slog.Error("business: validateAndLoad: load failed", "error", err)
		return "", "", 0, ipc.CodeInternalError
	}

	credits = result.Credits()
	if credits <= 0 {
		return result.AccountID, "", credits, ipc.CodeNoCredits
	}

	if !result.HasSession && !result.HasConv {
		return result.AccountID, "", credits, ipc.CodeNone
	}

	conv := result.ConvData
	if len(conv) > thresholdChars {
		full := conv
		conv = truncateConv(conv, thresholdChars)
		s.scheduleSummarization(result.AccountID, sessionID, full)
	}

	var built string
	switch {
	case result.HasSession && conv != "":
		spliced, err := spliceInstructions(result.SessionData, conv)
		if err != nil {
			slog.Warn("business: failed to splice conversation into session instructions", "error", err)
			spliced = result.SessionData
		}
		built = spliced
	case result.HasSession:
		built = result.SessionData
	case conv != "":
		built = synthesizeSessionEnvelope(conv)
	}

	return result.AccountID, built, credits, ipc.CodeNone
}

// GetCredits implements the §4.3 getCredits contract.
func (s *Service) GetCredits(ctx context.Context, accountID string) (int64, ipc.Code) {
	credits, err := s.accounts.GetCredits(ctx, accountID)
	if err != nil {
		slog.Error("business: getCredits failed", "account_id", accountID, "error", err)
		return 0, ipc.CodeInternalError
	}
	return credits, ipc.CodeNone
}

// UpdateUsage implements §4.7's fire-and-forget updateUsage: errors are
// logged only, never surfaced to the caller.
func (s *Service) UpdateUsage(ctx context.Context, accountID, sessionID, provider string, inputTokens, outputTokens int64) {
	if err := s.usageRepo.InsertUsage(ctx, accountID, sessionID, provider, inputTokens, outputTokens); err != nil {
		slog.Error("business: updateUsage failed", "account_id", accountID, "session_id", sessionID, "error", err)
	}
}

// SaveSession implements §4.7's fire-and-forget saveSession: it cleans a
// session.updated event into a session.update envelope and persists it.
func (s *Service) SaveSession(ctx context.Context, accountID, sessionID, rawEvent string) {
	envelope, ok, err := cleanSessionUpdatedEvent(rawEvent)
	if err != nil {
		slog.Warn("business: saveSession: failed to parse event", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := s.sessions.UpsertSession(ctx, accountID, sessionID, envelope); err != nil {
		slog.Error("business: saveSession: upsert failed", "account_id", accountID, "session_id", sessionID, "error", err)
	}
}

// AppendConversation implements §4.7's fire-and-forget appendConversation.
func (s *Service) AppendConversation(ctx context.Context, accountID, sessionID, blob string) {
	if err := s.sessions.AppendConversation(ctx, accountID, sessionID, blob); err != nil {
		slog.Error("business: appendConversation failed", "account_id", accountID, "session_id", sessionID, "error", err)
	}
}

// scheduleSummarization launches the background summarization task described
// at the end of §4.7. It is fire-and-forget; any failure logs only.
func (s *Service) scheduleSummarization(accountID, sessionID, fullConversation string) {
	if s.summarizer == nil {
		return
	}
	go func() {
		ctx := context.Background()
		summary, err := s.summarizer.Summarize(ctx, fullConversation, summaryTargetChars)
		if err != nil {
			slog.Warn("business: background summarization failed", "account_id", accountID, "session_id", sessionID, "error", err)
			return
		}
		if err := s.sessions.OverwriteConversation(ctx, accountID, sessionID, summary); err != nil {
			slog.Error("business: failed to persist summary", "account_id", accountID, "session_id", sessionID, "error", err)
		}
	}()
}

// truncateConv keeps the last threshold characters of conv, drops any
// partial leading line, and prepends the omission marker, per §4.7 step 6.
func truncateConv(conv string, threshold int) string {
	if len(conv) <= threshold {
		return conv
	}
	tail := conv[len(conv)-threshold:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 {
		tail = tail[idx+1:]
	}
	return omittedPrefix + tail
}

var instructionsFieldRe = regexp.MustCompile(`"instructions":"(?:[^"\\]|\\.)*"`)

// spliceInstructions injects conv into sessionJSON's `"instructions":"…"`
// field, immediately before the closing quote, per §4.7 step 6's
// regex-based splice.
func spliceInstructions(sessionJSON, conv string) (string, error) {
	loc := instructionsFieldRe.FindStringIndex(sessionJSON)
	if loc == nil {
		return sessionJSON, nil
	}
	insertAt := loc[1] - 1 // position of the field's closing quote
	escaped := escapeJSONString(continuationPrefix + conv)
	return sessionJSON[:insertAt] + escaped + sessionJSON[insertAt:], nil
}

// synthesizeSessionEnvelope builds a minimal session-update envelope whose
// session object holds only an instructions field: the continuation prefix
// (without its leading blank lines) followed by conv. Used when no session
// blob exists but a conversation blob does.
func synthesizeSessionEnvelope(conv string) string {
	escaped := escapeJSONString(strings.TrimPrefix(continuationPrefix, "\n\n") + conv)
	return `{"type":"session.update","session":{"instructions":"` + escaped + `"}}`
}

// escapeJSONString escapes backslash, double quote, newline, carriage
// return, and tab, per §4.7's JSON-string-escaping requirement for the
// splice target.
func escapeJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
