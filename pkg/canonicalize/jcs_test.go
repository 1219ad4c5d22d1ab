package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{
			name: "keys sorted at every level",
			in: map[string]interface{}{
				"state":  "Issued",
				"member": "alice",
				"head":   map[string]interface{}{"sequence": 1, "digest": "blake3-256:ab"},
			},
			want: `{"head":{"digest":"blake3-256:ab","sequence":1},"member":"alice","state":"Issued"}`,
		},
		{
			name: "no HTML escaping",
			in:   map[string]string{"reason": "prior <a> & head"},
			want: `{"reason":"prior <a> & head"}`,
		},
		{
			name: "raw numbers normalized",
			in:   json.RawMessage(`{"b":1.0e2,"a":-0.0,"c":0.000001}`),
			want: `{"a":0,"b":100,"c":0.000001}`,
		},
		{
			name: "json.Number kept",
			in:   map[string]interface{}{"length": json.Number("123.456")},
			want: `{"length":123.456}`,
		},
		{
			name: "sorted by UTF-16 code units",
			in:   map[string]int{"é": 1, "z": 2, "\U0001F600": 3},
			want: "{\"z\":2,\"é\":1,\"\U0001F600\":3}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JCS(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestJCS_StructTagsApply(t *testing.T) {
	type leaf struct {
		Member    string    `json:"member"`
		Length    int       `json:"length"`
		CreatedAt time.Time `json:"created_at"`
		skipped   string
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := JCS(leaf{Member: "alice", Length: 3, CreatedAt: at, skipped: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"created_at":"2026-03-01T12:00:00Z","length":3,"member":"alice"}`, string(got))
}

func TestJCS_Errors(t *testing.T) {
	_, err := JCS(map[string]interface{}{"ch": make(chan int)})
	assert.ErrorContains(t, err, "marshal")

	_, err = JCS(json.RawMessage(`{"a":`))
	assert.ErrorContains(t, err, "transform")
}

func TestPrefixedHash(t *testing.T) {
	type entry struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := PrefixedHash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := PrefixedHash(entry{A: 1, B: 2})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "equal documents hash equally regardless of field order")
	assert.True(t, strings.HasPrefix(h1, "sha256:"))
	assert.Len(t, h1, len("sha256:")+64)

	h3, err := PrefixedHash(map[string]int{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
