package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	fingerprintSampleSize = 100
	// A field whose later sightings disagree with its first observed type
	// on more than this share of non-null sightings is reported as "mixed".
	mixedTypeThreshold = 0.10
)

// Fingerprint captures the observed shape of a batch: the union of field
// names across the sample and each field's inferred type
// (string/number/boolean/date/object, or "mixed").
type Fingerprint struct {
	Fields map[string]string `json:"fields"`
	Hash   string            `json:"hash"`
	Sample int               `json:"sample"`
}

// BuildFingerprint derives a schema fingerprint from at most the first
// fingerprintSampleSize payloads. A field's type is the first non-null one
// observed; nulls never decide a type, they only widen the field set.
func BuildFingerprint(payloads []json.RawMessage) (Fingerprint, error) {
	sample := payloads
	if len(sample) > fingerprintSampleSize {
		sample = sample[:fingerprintSampleSize]
	}

	firstType := map[string]string{}
	disagree := map[string]int{}
	nonNull := map[string]int{}
	fieldSeen := map[string]bool{}
	for _, raw := range sample {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Fingerprint{}, fmt.Errorf("fingerprint sample record: %w", err)
		}
		for field, value := range obj {
			fieldSeen[field] = true
			t := inferType(value)
			if t == "null" {
				continue
			}
			nonNull[field]++
			if first, ok := firstType[field]; !ok {
				firstType[field] = t
			} else if t != first {
				disagree[field]++
			}
		}
	}

	fields := make(map[string]string, len(fieldSeen))
	for field := range fieldSeen {
		t, ok := firstType[field]
		if !ok {
			t = "null"
		} else if float64(disagree[field])/float64(nonNull[field]) > mixedTypeThreshold {
			t = "mixed"
		}
		fields[field] = t
	}

	fp := Fingerprint{Fields: fields, Sample: len(sample)}
	fp.Hash = hashFields(fields)
	return fp, nil
}

func inferType(value json.RawMessage) string {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" || trimmed == "null" {
		return "null"
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err == nil && looksLikeDate(s) {
			return "date"
		}
		return "string"
	case '{', '[':
		return "object"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}

func looksLikeDate(s string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func hashFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s:%s;", name, fields[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
