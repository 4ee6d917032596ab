package ipc

import (
	"context"
	"fmt"
	"strconv"
)

// ValidateAndLoadResult is the decoded response of a VALIDATE_AND_LOAD call.
type ValidateAndLoadResult struct {
	AccountID   string
	SessionData string
	Credits     int64
}

// ValidateAndLoad authenticates apiKey and loads any persisted session state
// for sessionId. A non-nil, non-[CodedError] error indicates a transport
// failure; a [CodedError] with [CodeInvalidAuth] or [CodeNoCredits] indicates
// the datastore rejected the call.
func (c *Client) ValidateAndLoad(ctx context.Context, apiKey, sessionID string) (ValidateAndLoadResult, error) {
	fields, err := c.Request(ctx, ValidateAndLoad, apiKey, sessionID)
	if err != nil {
		return ValidateAndLoadResult{}, err
	}
	if len(fields) != 3 {
		return ValidateAndLoadResult{}, WrapCodedError(CodeInternalZMQInvalidResponse,
			fmt.Errorf("ipc: VALIDATE_AND_LOAD expected 3 fields, got %d", len(fields)))
	}
	credits, err := parseInt64Field(fields[2])
	if err != nil {
		return ValidateAndLoadResult{}, WrapCodedError(CodeInternalZMQInvalidResponse, err)
	}
	return ValidateAndLoadResult{
		AccountID:   fields[0],
		SessionData: fields[1],
		Credits:     credits,
	}, nil
}

// GetCredits returns the account's current total credit balance.
func (c *Client) GetCredits(ctx context.Context, accountID string) (int64, error) {
	fields, err := c.Request(ctx, GetCredits, accountID)
	if err != nil {
		return 0, err
	}
	if len(fields) != 1 {
		return 0, WrapCodedError(CodeInternalZMQInvalidResponse,
			fmt.Errorf("ipc: GET_CREDITS expected 1 field, got %d", len(fields)))
	}
	credits, err := parseInt64Field(fields[0])
	if err != nil {
		return 0, WrapCodedError(CodeInternalZMQInvalidResponse, err)
	}
	return credits, nil
}

// UpdateUsage sends a fire-and-forget token usage batch.
func (c *Client) UpdateUsage(accountID, sessionID, provider string, inputTokens, outputTokens int64) {
	c.Send(UpdateUsage, accountID, sessionID, provider,
		strconv.FormatInt(inputTokens, 10), strconv.FormatInt(outputTokens, 10))
}

// SaveSession sends a fire-and-forget session-blob snapshot.
func (c *Client) SaveSession(accountID, sessionID, sessionData string) {
	c.Send(SaveSession, accountID, sessionID, sessionData)
}

// AppendConversation sends a fire-and-forget conversation-blob append.
func (c *Client) AppendConversation(accountID, sessionID, conversationData string) {
	c.Send(AppendConversation, accountID, sessionID, conversationData)
}
