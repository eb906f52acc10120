// Package fingerprint computes the deterministic cache key for a canonical
// chat request. Two requests that differ only in unrecognized client keys or
// JSON key order hash identically; the tenant is deliberately not part of
// the key (the cache is cross-tenant by design).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	gateway "github.com/cognitude/cognitude/internal"
)

const (
	// unitSep separates a message's role from its content.
	unitSep = '\x1f'
	// recordSep terminates one message.
	recordSep = '\x1e'
	// delim separates the model, message, and parameter sections.
	delim = '\x00'
)

// Compute returns the 64-hex-character fingerprint of req.
func Compute(req *gateway.ChatRequest) string {
	h := sha256.New()

	var b strings.Builder
	b.WriteString(strings.ToLower(req.Model))
	b.WriteByte(delim)
	for _, m := range req.Messages {
		b.WriteString(m.Role)
		b.WriteByte(unitSep)
		b.WriteString(m.Content)
		b.WriteByte(recordSep)
	}
	b.WriteByte(delim)

	// Numeric parameters in fixed key order with fixed 6-dp formatting.
	// Absent parameters serialize as the empty value so "omitted" and
	// "explicit zero" hash differently.
	writeFloat(&b, "frequency_penalty", req.FrequencyPenalty)
	writeInt(&b, "max_tokens", req.MaxTokens)
	writeFloat(&b, "presence_penalty", req.PresencePenalty)
	writeFloat(&b, "temperature", req.Temperature)
	writeFloat(&b, "top_p", req.TopP)

	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// PromptHash returns the SHA-256 of the concatenated user-role content,
// stored alongside durable cache entries for inspection.
func PromptHash(messages []gateway.Message) string {
	sum := sha256.Sum256([]byte(gateway.UserText(messages)))
	return hex.EncodeToString(sum[:])
}

func writeFloat(b *strings.Builder, key string, v *float64) {
	b.WriteString(key)
	b.WriteByte('=')
	if v != nil {
		b.WriteString(strconv.FormatFloat(*v, 'f', 6, 64))
	}
	b.WriteByte(';')
}

func writeInt(b *strings.Builder, key string, v *int) {
	b.WriteString(key)
	b.WriteByte('=')
	if v != nil {
		b.WriteString(strconv.Itoa(*v))
	}
	b.WriteByte(';')
}
