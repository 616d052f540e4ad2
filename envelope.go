package projsys

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

// Envelope is a single correlated, typed message.
type Envelope struct {
	Session uuid.UUID
	Kind    string
	Payload json.RawMessage
}

const (
	envelopeHead      = "MSG"
	envelopeSeparator = '|'
)

// ErrNotMessage is returned by Decode for every line that is not a valid envelope.
var ErrNotMessage = errors.New("not a message")

// Encode renders one envelope line without the trailing newline. A nil payload
// leaves the payload segment empty.
func Encode(session uuid.UUID, kind string, payload any) (string, error) {
	if kind == "" || strings.ContainsAny(kind, "|\r\n") {
		return "", fmt.Errorf("invalid kind %q", kind)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString(envelopeHead)
	_ = buf.WriteByte(envelopeSeparator)

	var sessBs [32]byte
	hex.Encode(sessBs[:], session[:])
	_, _ = buf.Write(sessBs[:])
	_ = buf.WriteByte(envelopeSeparator)

	_, _ = buf.WriteString(kind)
	_ = buf.WriteByte(envelopeSeparator)

	if payload != nil {
		payloadBs, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		_, _ = buf.Write(payloadBs)
	}

	return buf.String(), nil
}

// Decode parses one line. Any malformed input yields an error wrapping ErrNotMessage.
func Decode(line string) (Envelope, error) {
	line = strings.TrimRight(line, "\r\n")

	head, rest, ok := strings.Cut(line, string(envelopeSeparator))
	if !ok || head != envelopeHead {
		return Envelope{}, fmt.Errorf("%w: missing head", ErrNotMessage)
	}

	sessSeg, rest, ok := strings.Cut(rest, string(envelopeSeparator))
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrNotMessage)
	}
	session, err := parseSession(sessSeg)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrNotMessage, err)
	}

	// The payload is JSON and may itself contain the separator, so only the first
	// separator after the kind counts.
	kind, payloadSeg, ok := strings.Cut(rest, string(envelopeSeparator))
	if !ok || kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrNotMessage)
	}

	env := Envelope{
		Session: session,
		Kind:    kind,
	}

	payload := bytes.TrimSpace([]byte(payloadSeg))
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return env, nil
	}
	if !json.Valid(payload) {
		return Envelope{}, fmt.Errorf("%w: invalid payload", ErrNotMessage)
	}
	env.Payload = payload

	return env, nil
}

func parseSession(seg string) (uuid.UUID, error) {
	if len(seg) != 32 {
		return uuid.Nil, fmt.Errorf("invalid session length %d", len(seg))
	}
	var session uuid.UUID
	if _, err := hex.Decode(session[:], []byte(seg)); err != nil {
		return uuid.Nil, fmt.Errorf("invalid session: %w", err)
	}
	return session, nil
}
