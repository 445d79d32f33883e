package payments

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TokenField is the request/notification field that carries the signature.
const TokenField = "Token"

// Sign computes the acquiring token: top-level scalar fields except Token, sorted by key, values
// concatenated without separators, the secret appended, SHA-256, lowercase hex. Nil values and
// nested objects or arrays do not take part.
func Sign(fields map[string]any, secret string) string {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if key == TokenField {
			continue
		}
		if _, ok := scalarString(value); !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		s, _ := scalarString(fields[key])
		b.WriteString(s)
	}
	b.WriteString(secret)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyToken recomputes the token and compares it with the Token field in constant time. A missing
// or non-string token fails.
func VerifyToken(fields map[string]any, secret string) bool {
	raw, ok := fields[TokenField].(string)
	if !ok {
		return false
	}
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" || secret == "" {
		return false
	}
	expected := Sign(fields, secret)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// scalarString renders a scalar the way it appears in the JSON body.
func scalarString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

// IdempotencyKey derives the provider OrderId for a new attempt: the order id, an underscore and the
// last ten digits of the current unix milliseconds, truncated to maxLen. A 26-character ULID yields
// 37 characters, so the default cap of 36 drops the last millisecond digit and keys change every
// 10ms.
func IdempotencyKey(orderID string, now time.Time, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxOrderIDLen
	}
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	if len(millis) > 10 {
		millis = millis[len(millis)-10:]
	}
	return truncate(strings.TrimSpace(orderID)+"_"+millis, maxLen)
}

// OrderIDFromKey recovers the order id from a provider OrderId built by IdempotencyKey. Values
// without a suffix are returned as is.
func OrderIDFromKey(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndex(key, "_"); i > 0 {
		return key[:i]
	}
	return key
}
