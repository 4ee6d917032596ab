package ipc

import (
	"bufio"
	"strings"
	"testing"
)

func TestEncodeDecodeRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		args    []string
	}{
		{"validate_and_load", ValidateAndLoad, []string{"rslive_v1_abc123", "S1"}},
		{"get_credits", GetCredits, []string{"acct-1"}},
		{"update_usage", UpdateUsage, []string{"acct-1", "S1", "OPENAI", "10", "20"}},
		{"save_session", SaveSession, []string{"acct-1", "S1", `{"type":"session.update"}`}},
		{"append_conversation", AppendConversation, []string{"acct-1", "S1", "user:hi\nagent:hello"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := EncodeRequest("req-1", tc.msgType, tc.args...)
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			id, msgType, args, err := DecodeRequest(frame)
			if err != nil {
				t.Fatalf("DecodeRequest: %v", err)
			}
			if id != "req-1" {
				t.Errorf("id = %q, want req-1", id)
			}
			if msgType != tc.msgType {
				t.Errorf("msgType = %q, want %q", msgType, tc.msgType)
			}
			if len(args) != len(tc.args) {
				t.Fatalf("args = %v, want %v", args, tc.args)
			}
			for i := range args {
				if args[i] != tc.args[i] {
					t.Errorf("args[%d] = %q, want %q", i, args[i], tc.args[i])
				}
			}
		})
	}
}

func TestEncodeRequest_ArgCountMismatch(t *testing.T) {
	_, err := EncodeRequest("id", GetCredits, "a", "b")
	if err == nil {
		t.Fatal("expected error for wrong arg count")
	}
}

func TestEncodeRequest_NonOpaqueFieldWithDelimiterRejected(t *testing.T) {
	_, err := EncodeRequest("id", GetCredits, "acct|1")
	if err == nil {
		t.Fatal("expected error for delimiter in non-opaque field")
	}
}

func TestDecodeRequest_UnknownType(t *testing.T) {
	_, _, _, err := DecodeRequest("id|BOGUS_TYPE|a")
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeRequest_TooFewFields(t *testing.T) {
	_, _, _, err := DecodeRequest("id|" + string(GetCredits))
	if err == nil {
		t.Fatal("expected error for missing required args")
	}
}

// TestOpaqueFieldWithDelimiter_SaveSession verifies that a session blob
// containing the delimiter character round-trips intact, since it is the
// final request field.
func TestOpaqueFieldWithDelimiter_SaveSession(t *testing.T) {
	blob := `{"type":"session.update","session":{"instructions":"a|b|c"}}`
	frame, err := EncodeRequest("id-1", SaveSession, "acct-1", "S1", blob)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	_, _, args, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if args[2] != blob {
		t.Errorf("sessionData = %q, want %q", args[2], blob)
	}
}

// TestOpaqueFieldWithDelimiter_ValidateAndLoadResponse verifies that the
// VALIDATE_AND_LOAD response's sessionData field, which is NOT the last
// field (credits follows it), still round-trips correctly when it contains
// the delimiter character.
func TestOpaqueFieldWithDelimiter_ValidateAndLoadResponse(t *testing.T) {
	sessionData := `{"instructions":"line one|line two|line three"}`
	frame := EncodeResponse("id-1", "", "acct-1", sessionData, "1000")

	_, errCode, fields, err := DecodeResponse(frame, ValidateAndLoad)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if errCode != "" {
		t.Fatalf("errCode = %q, want empty", errCode)
	}
	if len(fields) != 3 {
		t.Fatalf("fields = %v, want 3 fields", fields)
	}
	if fields[0] != "acct-1" {
		t.Errorf("accountId = %q", fields[0])
	}
	if fields[1] != sessionData {
		t.Errorf("sessionData = %q, want %q", fields[1], sessionData)
	}
	if fields[2] != "1000" {
		t.Errorf("credits = %q, want 1000", fields[2])
	}
}

func TestDecodeResponse_EmptySessionData(t *testing.T) {
	frame := EncodeResponse("id-2", "", "acct-1", "", "1000")
	_, errCode, fields, err := DecodeResponse(frame, ValidateAndLoad)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if errCode != "" {
		t.Fatalf("errCode = %q", errCode)
	}
	if fields[1] != "" {
		t.Errorf("sessionData = %q, want empty", fields[1])
	}
	if fields[2] != "1000" {
		t.Errorf("credits = %q, want 1000", fields[2])
	}
}

func TestDecodeResponse_ErrorCodeCarriesNoFields(t *testing.T) {
	frame := EncodeResponse("id-3", "INVALID_AUTH")
	id, errCode, fields, err := DecodeResponse(frame, ValidateAndLoad)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if id != "id-3" {
		t.Errorf("id = %q", id)
	}
	if errCode != "INVALID_AUTH" {
		t.Errorf("errCode = %q, want INVALID_AUTH", errCode)
	}
	if fields != nil {
		t.Errorf("fields = %v, want nil", fields)
	}
}

func TestDecodeResponse_GetCreditsSingleField(t *testing.T) {
	frame := EncodeResponse("id-4", "", "42")
	_, errCode, fields, err := DecodeResponse(frame, GetCredits)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if errCode != "" {
		t.Fatalf("errCode = %q", errCode)
	}
	if len(fields) != 1 || fields[0] != "42" {
		t.Errorf("fields = %v, want [42]", fields)
	}
}

func TestIsOneway(t *testing.T) {
	oneway := []MessageType{UpdateUsage, SaveSession, AppendConversation}
	for _, mt := range oneway {
		if !IsOneway(mt) {
			t.Errorf("%s should be oneway", mt)
		}
	}
	reqResp := []MessageType{ValidateAndLoad, GetCredits}
	for _, mt := range reqResp {
		if IsOneway(mt) {
			t.Errorf("%s should not be oneway", mt)
		}
	}
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf strings.Builder
	payloads := []string{
		"short",
		"contains\nnewlines\nand\npipes|here",
		"",
		strings.Repeat("x", 100000),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(strings.NewReader(buf.String()))
	for i, want := range payloads {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame[%d]: %v", i, err)
		}
		if got != want {
			t.Errorf("frame[%d] = %q (len %d), want len %d", i, truncate(got), len(got), len(want))
		}
	}
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
