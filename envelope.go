package fromchat

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Envelope is the wire DTO the relay service transports opaquely. Only
// Ciphertext is interpreted here; the rest is routing metadata.
type Envelope struct {
	ID          uint64   `json:"id,omitempty"`
	SenderID    string   `json:"senderId"`
	RecipientID string   `json:"recipientId"`
	Ciphertext  string   `json:"ciphertext"`
	Timestamp   int64    `json:"timestamp"`
	Files       []string `json:"files,omitempty"`
}

// CipherPayload is the unwrapped content of an envelope's ciphertext
// field. Type is MessageTypePreKey for the session-establishing first
// message and MessageTypeCiphertext afterwards; Body is the base64
// ratchet message.
type CipherPayload struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// CorruptedMessageSentinel replaces bodies damaged by a historical
// binary-corruption bug. Unwrap returns it instead of an error so one
// bad message never aborts processing of a batch.
const CorruptedMessageSentinel = "[message corrupted]"

// Messages are padded up to a multiple of this many bytes before
// encoding, hiding the true plaintext length from network observers.
const padBlockSize = 160

// Wrap pads the serialized cipher payload and encodes it for transport.
func Wrap(ciphertextJSON string) string {
	padded := pad([]byte(ciphertextJSON))
	return base64.StdEncoding.EncodeToString(padded)
}

// Unwrap reverses Wrap. It accepts three input shapes: padded base64,
// bare JSON from clients that predate padding (returned unchanged), and
// bodies hit by the historical binary-corruption bug, for which it
// returns CorruptedMessageSentinel instead of an error.
func Unwrap(raw string) (string, error) {
	// Unpadded legacy messages are plain ciphertext JSON.
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	if !isPrintable([]byte(raw)) {
		return CorruptedMessageSentinel, nil
	}

	// Older clients double-JSON-encoded the body, leaving unicode
	// escapes in the base64 text.
	unescaped := unescapeUnicode(raw)

	decoded, err := base64.StdEncoding.Strict().DecodeString(unescaped)
	if err != nil {
		return "", MalformedCiphertextError{
			Length: len(raw),
			Prefix: logPrefix(raw),
			Reason: "invalid base64",
		}
	}

	body, ok := unpad(decoded)
	if !ok {
		return "", MalformedCiphertextError{
			Length: len(raw),
			Prefix: logPrefix(raw),
			Reason: "missing padding terminator",
		}
	}
	if !isPrintable(body) {
		return CorruptedMessageSentinel, nil
	}
	if !json.Valid(body) {
		return "", MalformedCiphertextError{
			Length: len(raw),
			Prefix: logPrefix(raw),
			Reason: "padded content is not JSON",
		}
	}
	return string(body), nil
}

// pad appends a 0x80 terminator and zero bytes up to the next multiple
// of padBlockSize.
func pad(b []byte) []byte {
	total := ((len(b) + 1 + padBlockSize - 1) / padBlockSize) * padBlockSize
	padded := make([]byte, total)
	copy(padded, b)
	padded[len(b)] = 0x80
	return padded
}

func unpad(b []byte) ([]byte, bool) {
	i := len(b) - 1
	for i >= 0 && b[i] == 0x00 {
		i--
	}
	if i < 0 || b[i] != 0x80 {
		return nil, false
	}
	return b[:i], true
}

// isPrintable reports whether b is free of the raw binary bytes the
// historical corruption bug produced. Tab, LF and CR are allowed.
func isPrintable(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 || c == 0x7F {
			return false
		}
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

// unescapeUnicode resolves \uXXXX escapes left over from
// double-JSON-encoding. Anything that is not a well-formed escape is
// kept verbatim for the base64 validator to reject.
func unescapeUnicode(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var out bytes.Buffer
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+5 < len(s) && s[i+1] == 'u' {
			if code, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				out.WriteRune(rune(code))
				i += 6
				continue
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

func logPrefix(s string) string {
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}
