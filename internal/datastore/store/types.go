package store

import "time"

// Account mirrors one row of the accounts table.
type Account struct {
	ID             string
	Email          string
	PlanName       string
	TokenRemaining int64
	TopupRemaining int64
	Status         int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credits returns the account's total spendable balance, per §4.3's
// getCredits contract.
func (a Account) Credits() int64 { return a.TokenRemaining + a.TopupRemaining }

// APIKey mirrors one row of the api_keys table. KeyHash is the primary key;
// the plaintext key is never persisted and is returned to the caller only at
// creation time.
type APIKey struct {
	KeyHash      string
	AccountID    string
	KeyIndicator string
	Label        string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
}

// Active reports whether the key has not expired as of now.
func (k APIKey) Active(now time.Time) bool {
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// SessionKind distinguishes the two row kinds sharing the sessions table.
type SessionKind string

const (
	KindSession SessionKind = "SESSION"
	KindConv    SessionKind = "CONV"
)

// SessionRow mirrors one row of the sessions table.
type SessionRow struct {
	AccountID string
	SessionID string
	Kind      SessionKind
	Data      string
	CreatedAt time.Time
}

// UsageEvent mirrors one row of the usage_metrics table.
type UsageEvent struct {
	ID           int64
	AccountID    string
	SessionID    string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CreatedAt    time.Time
}

// PlanDefaultTokens returns the default token_remaining balance for a newly
// created account on planName, per §4.3's createAccount defaults.
func PlanDefaultTokens(planName string) int64 {
	switch planName {
	case "Free":
		return 1000
	case "Pro":
		return 50000
	case "Enterprise":
		return 500000
	default:
		return 1000
	}
}
