package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// fingerprintLen is the number of hex characters kept from the argument
// digest. Twelve characters keep keys short while collisions stay
// negligible at cache scale.
const fingerprintLen = 12

// Key builds a cache key following the grammar
// "<module>:<tenantUUID>:<tool>:<argFingerprint>".
func Key(module, tenantUUID, tool string, args json.RawMessage) string {
	return fmt.Sprintf("%s:%s:%s:%s", module, tenantUUID, tool, Fingerprint(args))
}

// TenantPrefix is the invalidation prefix for a module and tenant.
func TenantPrefix(module, tenantUUID string) string {
	return module + ":" + tenantUUID + ":"
}

// DashboardPrefix is the invalidation prefix for a tenant's derived
// dashboard aggregates.
func DashboardPrefix(tenantUUID string) string {
	return "dashboard:" + tenantUUID + ":"
}

// Fingerprint computes the truncated hex digest of a canonicalized
// argument representation. Canonicalization sorts object keys at every
// level and formats numbers with the shortest round-trippable form, so
// semantically equal argument sets fingerprint identically regardless
// of field order.
func Fingerprint(args json.RawMessage) string {
	var parsed any
	if len(args) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(args)))
		dec.UseNumber()
		if err := dec.Decode(&parsed); err != nil {
			// Unparseable args fingerprint as raw bytes.
			sum := sha256.Sum256(args)
			return hex.EncodeToString(sum[:])[:fingerprintLen]
		}
	}

	var b strings.Builder
	writeCanonical(&b, parsed)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			b.WriteString(val.String())
			return
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	default:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	}
}
