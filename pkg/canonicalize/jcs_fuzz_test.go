package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

// FuzzJCS checks that canonicalization is deterministic, yields valid JSON and
// is a fixed point: canonicalizing canonical output changes nothing.
func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"member":"alice","sequence":1}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":[3,1,2]}`))
	f.Add([]byte(`{"reason":"<script> &","n":1e21,"m":-0}`))
	f.Add([]byte(`{"":"","unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab","null":null,"ok":true}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}
		first, err := JCS(v)
		if err != nil {
			return
		}
		again, err := JCS(v)
		if err != nil || !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic: %s vs %s (%v)", first, again, err)
		}
		if !json.Valid(first) {
			t.Fatalf("output is not JSON: %s", first)
		}
		fixed, err := JCS(json.RawMessage(first))
		if err != nil {
			t.Fatalf("re-canonicalize: %v", err)
		}
		if !bytes.Equal(first, fixed) {
			t.Fatalf("not a fixed point:\n  %s\n  %s", first, fixed)
		}
	})
}
