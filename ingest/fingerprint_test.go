package ingest

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestBuildFingerprintTypes(t *testing.T) {
	payloads := []json.RawMessage{
		[]byte(`{"id":"PFA-1","cost":120.5,"active":true,"acquired_at":"2024-01-15","meta":{"a":1},"note":null}`),
	}
	fp, err := BuildFingerprint(payloads)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"id":          "string",
		"cost":        "number",
		"active":      "boolean",
		"acquired_at": "date",
		"meta":        "object",
		"note":        "null",
	}
	for field, ty := range want {
		if fp.Fields[field] != ty {
			t.Fatalf("field %s = %q, want %q", field, fp.Fields[field], ty)
		}
	}
	if fp.Hash == "" {
		t.Fatal("hash empty")
	}
}

func TestBuildFingerprintFirstNonNullWins(t *testing.T) {
	payloads := []json.RawMessage{
		[]byte(`{"cost":null}`),
		[]byte(`{"cost":12}`),
		[]byte(`{"cost":13}`),
	}
	fp, err := BuildFingerprint(payloads)
	if err != nil {
		t.Fatal(err)
	}
	if fp.Fields["cost"] != "number" {
		t.Fatalf("cost = %q, want number", fp.Fields["cost"])
	}
}

func TestBuildFingerprintMixedOverThreshold(t *testing.T) {
	var payloads []json.RawMessage
	for i := 0; i < 8; i++ {
		payloads = append(payloads, []byte(`{"cost":12}`))
	}
	payloads = append(payloads, []byte(`{"cost":"12"}`), []byte(`{"cost":"13"}`))

	fp, err := BuildFingerprint(payloads)
	if err != nil {
		t.Fatal(err)
	}
	// 2 of 10 sightings disagree with the first type: 20% > 10%.
	if fp.Fields["cost"] != "mixed" {
		t.Fatalf("cost = %q, want mixed", fp.Fields["cost"])
	}
}

func TestBuildFingerprintSampleCap(t *testing.T) {
	var payloads []json.RawMessage
	for i := 0; i < 150; i++ {
		payloads = append(payloads, []byte(fmt.Sprintf(`{"id":%d}`, i)))
	}
	// Records past the sample introduce a field the fingerprint must not see.
	payloads[120] = []byte(`{"id":120,"late":"x"}`)

	fp, err := BuildFingerprint(payloads)
	if err != nil {
		t.Fatal(err)
	}
	if fp.Sample != fingerprintSampleSize {
		t.Fatalf("sample = %d, want %d", fp.Sample, fingerprintSampleSize)
	}
	if _, ok := fp.Fields["late"]; ok {
		t.Fatal("field past the sample cap leaked into the fingerprint")
	}
}

func TestHashStableAcrossFieldOrder(t *testing.T) {
	a := hashFields(map[string]string{"x": "string", "y": "number"})
	b := hashFields(map[string]string{"y": "number", "x": "string"})
	if a != b {
		t.Fatal("hash depends on map order")
	}
}
