// Package ipc implements the framed request/response and fire-and-forget
// protocol spoken between the Gateway and the Datastore over a single
// Unix-domain socket.
//
// Two layers are involved. The wire layer ([WriteFrame]/[ReadFrame]) carries
// opaque, length-prefixed byte payloads over the stream socket — plain
// newline-delimited framing would break on conversation blobs that contain
// literal newline characters, so each payload is prefixed with its length.
// The message layer (this file's schema, [EncodeRequest]/[DecodeRequest]/
// [EncodeResponse]/[DecodeResponse]) turns those payloads into the
// pipe-delimited `id|type|arg1|arg2|…` / `id|error|f1|f2|…` frames the
// business logic actually deals with.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MessageType identifies one of the five IPC message types.
type MessageType string

const (
	ValidateAndLoad    MessageType = "VALIDATE_AND_LOAD"
	GetCredits         MessageType = "GET_CREDITS"
	UpdateUsage        MessageType = "UPDATE_USAGE"
	SaveSession        MessageType = "SAVE_SESSION"
	AppendConversation MessageType = "APPEND_CONVERSATION"
)

// fieldKind distinguishes string fields (validated only for absence of the
// delimiter, except the designated opaque field) from numeric fields.
type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// schemaEntry describes one message type's wire shape: the ordered request
// argument list, and — for request/response types only — the ordered
// response field list. opaqueIndex is the 0-based index of the one field (if
// any) permitted to contain the `|` delimiter; it is reassembled by taking
// everything between the fixed fields that precede and follow it.
type schemaEntry struct {
	oneway bool

	reqFields   []fieldSpec
	reqOpaque   int // -1 if no field may contain '|'
	respFields  []fieldSpec
	respOpaque  int
}

var schema = map[MessageType]schemaEntry{
	ValidateAndLoad: {
		reqFields: []fieldSpec{{"apiKey", kindString}, {"sessionId", kindString}},
		reqOpaque: -1,
		respFields: []fieldSpec{
			{"accountId", kindString},
			{"sessionData", kindString},
			{"credits", kindNumber},
		},
		respOpaque: 1,
	},
	GetCredits: {
		reqFields:  []fieldSpec{{"accountId", kindString}},
		reqOpaque:  -1,
		respFields: []fieldSpec{{"credits", kindNumber}},
		respOpaque: -1,
	},
	UpdateUsage: {
		oneway: true,
		reqFields: []fieldSpec{
			{"accountId", kindString},
			{"sessionId", kindString},
			{"provider", kindString},
			{"inputTokens", kindNumber},
			{"outputTokens", kindNumber},
		},
		reqOpaque: -1,
	},
	SaveSession: {
		oneway: true,
		reqFields: []fieldSpec{
			{"accountId", kindString},
			{"sessionId", kindString},
			{"sessionData", kindString},
		},
		reqOpaque: 2,
	},
	AppendConversation: {
		oneway: true,
		reqFields: []fieldSpec{
			{"accountId", kindString},
			{"sessionId", kindString},
			{"conversationData", kindString},
		},
		reqOpaque: 2,
	},
}

// IsOneway reports whether msgType is a fire-and-forget message type.
func IsOneway(msgType MessageType) bool {
	e, ok := schema[msgType]
	return ok && e.oneway
}

// Valid reports whether msgType is one of the five known message types.
func Valid(msgType MessageType) bool {
	_, ok := schema[msgType]
	return ok
}

const delim = "|"

// EncodeRequest builds a request frame: `<id>|<type>|<arg1>|<arg2>|…`.
// args must match the ordered argument list the schema declares for msgType.
func EncodeRequest(id string, msgType MessageType, args ...string) (string, error) {
	e, ok := schema[msgType]
	if !ok {
		return "", fmt.Errorf("ipc: unknown message type %q", msgType)
	}
	if len(args) != len(e.reqFields) {
		return "", fmt.Errorf("ipc: %s expects %d args, got %d", msgType, len(e.reqFields), len(args))
	}
	if err := checkOpaque(args, e.reqOpaque); err != nil {
		return "", fmt.Errorf("ipc: %s: %w", msgType, err)
	}

	var b strings.Builder
	b.WriteString(id)
	b.WriteString(delim)
	b.WriteString(string(msgType))
	for _, a := range args {
		b.WriteString(delim)
		b.WriteString(a)
	}
	return b.String(), nil
}

// checkOpaque verifies that only the field at opaqueIndex (if any) is
// permitted to contain the delimiter.
func checkOpaque(fields []string, opaqueIndex int) error {
	for i, f := range fields {
		if i == opaqueIndex {
			continue
		}
		if strings.Contains(f, delim) {
			return fmt.Errorf("field %d must not contain %q", i, delim)
		}
	}
	return nil
}

// DecodeRequest parses a request frame into its correlation id, message
// type, and ordered argument list.
func DecodeRequest(frame string) (id string, msgType MessageType, args []string, err error) {
	parts := strings.SplitN(frame, delim, 3)
	if len(parts) < 2 {
		return "", "", nil, fmt.Errorf("ipc: malformed request frame (missing id/type)")
	}
	id = parts[0]
	msgType = MessageType(parts[1])
	e, ok := schema[msgType]
	if !ok {
		return "", "", nil, fmt.Errorf("ipc: unknown message type %q", msgType)
	}

	if len(parts) < 3 && len(e.reqFields) > 0 {
		return "", "", nil, fmt.Errorf("ipc: decode %s request: missing arguments", msgType)
	}
	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}
	args, err = splitFields(rest, e.reqFields, e.reqOpaque)
	if err != nil {
		return "", "", nil, fmt.Errorf("ipc: decode %s request: %w", msgType, err)
	}
	return id, msgType, args, nil
}

// EncodeResponse builds a response frame: `<id>|<error>|<f1>|<f2>|…`.
// An empty errCode signals success. fields are appended as given; callers
// pass none with a non-empty errCode, mirroring the business service's
// contract that failed calls carry no payload.
func EncodeResponse(id, errCode string, fields ...string) string {
	var b strings.Builder
	b.WriteString(id)
	b.WriteString(delim)
	b.WriteString(errCode)
	for _, f := range fields {
		b.WriteString(delim)
		b.WriteString(f)
	}
	return b.String()
}

// DecodeResponse parses a response frame into its correlation id, error
// string, and ordered field list. msgType must be the type the caller's
// pending request was registered under, since the response frame itself
// carries no type tag.
func DecodeResponse(frame string, msgType MessageType) (id, errCode string, fields []string, err error) {
	parts := strings.SplitN(frame, delim, 3)
	if len(parts) < 2 {
		return "", "", nil, fmt.Errorf("ipc: malformed response frame (missing id/error)")
	}
	id = parts[0]
	errCode = parts[1]

	if errCode != "" {
		// Failure responses carry no payload fields regardless of schema.
		return id, errCode, nil, nil
	}

	e, ok := schema[msgType]
	if !ok {
		return "", "", nil, fmt.Errorf("ipc: unknown message type %q", msgType)
	}
	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}
	fields, err = splitFields(rest, e.respFields, e.respOpaque)
	if err != nil {
		return "", "", nil, fmt.Errorf("ipc: decode %s response: %w", msgType, err)
	}
	return id, errCode, fields, nil
}

// splitFields decodes the tail of a frame (everything after id and
// type/error) into exactly len(specs) fields, honoring the opaque field (if
// any) which may itself contain the delimiter. Fields before the opaque
// field are split off the left; fields after it are split off the right; the
// remainder — whatever is left in the middle — becomes the opaque field.
func splitFields(s string, specs []fieldSpec, opaqueIndex int) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if opaqueIndex < 0 {
		parts := strings.SplitN(s, delim, len(specs))
		if len(parts) != len(specs) {
			return nil, fmt.Errorf("expected %d fields, got %d", len(specs), len(parts))
		}
		if err := validateNumeric(parts, specs); err != nil {
			return nil, err
		}
		return parts, nil
	}

	out := make([]string, len(specs))
	remainder := s

	if opaqueIndex > 0 {
		parts := strings.SplitN(remainder, delim, opaqueIndex+1)
		if len(parts) < opaqueIndex+1 {
			return nil, fmt.Errorf("expected at least %d leading fields, got %d", opaqueIndex, len(parts))
		}
		copy(out[:opaqueIndex], parts[:opaqueIndex])
		remainder = parts[opaqueIndex]
	}

	trailingCount := len(specs) - opaqueIndex - 1
	if trailingCount > 0 {
		idx := lastNSplitIndices(remainder, trailingCount)
		if idx == nil {
			return nil, fmt.Errorf("expected %d trailing fields after the opaque field", trailingCount)
		}
		out[opaqueIndex] = remainder[:idx[0]]
		for i := 0; i < trailingCount; i++ {
			start := idx[i] + 1
			end := len(remainder)
			if i+1 < len(idx) {
				end = idx[i+1]
			}
			out[opaqueIndex+1+i] = remainder[start:end]
		}
	} else {
		out[opaqueIndex] = remainder
	}

	if err := validateNumeric(out, specs); err != nil {
		return nil, err
	}
	return out, nil
}

// lastNSplitIndices returns the byte indices of the last n occurrences of the
// delimiter in s, in ascending order, or nil if fewer than n are found.
func lastNSplitIndices(s string, n int) []int {
	var idx []int
	for i := len(s) - 1; i >= 0 && len(idx) < n; i-- {
		if s[i] == delim[0] {
			idx = append(idx, i)
		}
	}
	if len(idx) != n {
		return nil
	}
	// idx was collected back-to-front; reverse it.
	for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}

func validateNumeric(values []string, specs []fieldSpec) error {
	for i, spec := range specs {
		if spec.kind != kindNumber {
			continue
		}
		if _, err := strconv.ParseInt(values[i], 10, 64); err != nil {
			return fmt.Errorf("field %q = %q is not numeric: %w", spec.name, values[i], err)
		}
	}
	return nil
}

// maxFrameBytes bounds a single decoded payload to guard against a
// misbehaving peer exhausting memory with a bogus length prefix.
const maxFrameBytes = 64 << 20 // 64 MiB

// WriteFrame writes payload to w as a 4-byte big-endian length prefix
// followed by the UTF-8 bytes of payload.
func WriteFrame(w io.Writer, payload string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := io.WriteString(w, payload); err != nil {
		return fmt.Errorf("ipc: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return "", fmt.Errorf("ipc: frame length %d exceeds maximum %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("ipc: read frame payload: %w", err)
	}
	return string(buf), nil
}
