// Package canonical computes deterministic content digests of structured
// records.
//
// A record is serialized into a canonical form — mapping keys sorted
// lexicographically, sequence order preserved, scalars rendered as their JSON
// literals — so that two logically identical records always produce the same
// digest regardless of the key order they arrived with. A denylist of
// volatile and sensitive fields (credentials, last-seen metadata) is stripped
// before serialization so routine changes to those fields are not reported as
// tampering.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Prefix tags every digest with the algorithm used to produce it.
const Prefix = "sha256:"

// Digest is a canonical content hash: the Prefix followed by 64 lowercase
// hex characters.
type Digest string

// ErrUnhashable is returned when a record contains a value that has no
// deterministic canonical form (NaN, infinities, or an unsupported type).
var ErrUnhashable = errors.New("record cannot be canonically serialized")

// DefaultExclusions are the fields stripped from every record before
// hashing. They are either secrets that must never feed a stored digest or
// volatile audit metadata whose churn is not a tamper event.
var DefaultExclusions = []string{
	"password",
	"password_hash",
	"secret",
	"api_token",
	"last_login_ip",
	"last_seen_at",
}

// Hash canonicalizes record, strips the default denylist plus any
// caller-supplied excluded fields, and returns the SHA-256 digest of the
// canonical form. An empty (or nil) record hashes the empty-mapping literal
// rather than failing.
func Hash(record map[string]any, excluded []string) (Digest, error) {
	skip := exclusionSet(excluded)

	var sb strings.Builder
	if err := writeMap(&sb, record, skip); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return Digest(Prefix + hex.EncodeToString(sum[:])), nil
}

// Verify recomputes the digest of record and compares it byte-for-byte
// against expected. The comparison is exact: no case folding, no prefix
// truncation.
func Verify(record map[string]any, excluded []string, expected Digest) (bool, error) {
	actual, err := Hash(record, excluded)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// exclusionSet merges the default denylist with caller-supplied fields.
func exclusionSet(excluded []string) map[string]struct{} {
	skip := make(map[string]struct{}, len(DefaultExclusions)+len(excluded))
	for _, f := range DefaultExclusions {
		skip[f] = struct{}{}
	}
	for _, f := range excluded {
		skip[f] = struct{}{}
	}
	return skip
}

// writeValue appends the canonical form of v to sb. Exclusions apply at
// every mapping depth, so a denylisted field inside a nested object is
// stripped the same way as a top-level one.
func writeValue(sb *strings.Builder, v any, skip map[string]struct{}) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
		return nil
	case string:
		return writeJSONScalar(sb, val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: non-finite number %v", ErrUnhashable, val)
		}
		return writeJSONScalar(sb, val)
	case float32:
		return writeValue(sb, float64(val), skip)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return writeJSONScalar(sb, val)
	case json.Number:
		// Already a literal; validate it parses as a finite number.
		if f, err := val.Float64(); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: malformed number %q", ErrUnhashable, string(val))
		}
		sb.WriteString(string(val))
		return nil
	case []any:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, elem, skip); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	case map[string]any:
		return writeMap(sb, val, skip)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrUnhashable, v)
	}
}

// writeMap appends the canonical form of m: keys sorted lexicographically,
// denylisted keys removed, entries rendered as "key":value.
func writeMap(sb *strings.Builder, m map[string]any, skip map[string]struct{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, excluded := skip[k]; excluded {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := writeJSONScalar(sb, k); err != nil {
			return err
		}
		sb.WriteByte(':')
		if err := writeValue(sb, m[k], skip); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

// writeJSONScalar renders a scalar as its JSON literal.
func writeJSONScalar(sb *strings.Builder, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhashable, err)
	}
	sb.Write(b)
	return nil
}
