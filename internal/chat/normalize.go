package chat

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Field alias priority per canonical attribute. Backends of different
// versions name the same fields differently; resolution order is fixed
// so an explicit field always wins over a generic one.
var (
	idAliases     = []string{"messageId", "id"}
	senderAliases = []string{"senderId", "from", "sender", "user"}
	textAliases   = []string{"content", "text", "body", "message"}
	timeAliases   = []string{"sentAt", "createdAt", "timestamp", "time"}
)

// Normalizer maps heterogeneous wire payload shapes into the canonical
// Message record. The zero value is not usable; use NewNormalizer.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize resolves a raw inbound payload into a canonical Message.
// A frame is never dropped: payloads that cannot be parsed as JSON
// degrade to sender "unknown" with the raw text as the body and a
// synthesized id and timestamp. ConversationID and Status are the
// caller's concern.
func (n *Normalizer) Normalize(raw []byte) Message {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Message{
			ID:     newLocalID(),
			Sender: "unknown",
			Text:   strings.TrimSpace(string(raw)),
			SentAt: n.now(),
		}
	}

	msg := Message{
		ID:     firstString(raw, idAliases),
		Sender: firstString(raw, senderAliases),
		Text:   firstString(raw, textAliases),
	}

	if msg.ID == "" {
		msg.ID = newLocalID()
	}
	if msg.Sender == "" {
		msg.Sender = "unknown"
	}

	msg.SentAt = n.resolveTime(raw)

	return msg
}

// resolveTime extracts the first present timestamp alias. RFC 3339
// strings and unix epoch numbers (seconds or milliseconds) are both
// accepted; anything else synthesizes the current time.
func (n *Normalizer) resolveTime(raw []byte) time.Time {
	for _, key := range timeAliases {
		v := gjson.GetBytes(raw, key)
		if !v.Exists() {
			continue
		}

		switch v.Type {
		case gjson.String:
			if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
				return t
			}
		case gjson.Number:
			i := v.Int()
			if i <= 0 {
				continue
			}
			// Epoch millis vs seconds: anything past ~Nov 2286 in
			// seconds is treated as milliseconds.
			if i > 9_999_999_999 {
				return time.UnixMilli(i)
			}
			return time.Unix(i, 0)
		}
	}

	return n.now()
}

// firstString returns the first non-empty string value among the alias
// keys. Numeric values are accepted and rendered as their string form,
// since some backends use numeric ids.
func firstString(raw []byte, aliases []string) string {
	for _, key := range aliases {
		v := gjson.GetBytes(raw, key)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
		if v.Type == gjson.Number {
			return v.Raw
		}
	}

	return ""
}

// newLocalID generates a temporary client-side identifier. Used both
// for optimistic sends and for inbound frames without an id field.
func newLocalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a timestamp so ids stay unique enough for one session.
		return "local-" + hex.EncodeToString([]byte(time.Now().Format("150405.000000")))
	}
	return "local-" + hex.EncodeToString(b[:])
}
