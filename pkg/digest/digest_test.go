package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_Deterministic(t *testing.T) {
	for _, algo := range []Algorithm{Blake3_256, Blake2b_256, SHA3_256, SHA2_256} {
		t.Run(algo.String(), func(t *testing.T) {
			a, err := Derive(algo, []byte("some vc"))
			require.NoError(t, err)
			b, err := Derive(algo, []byte("some vc"))
			require.NoError(t, err)
			assert.True(t, a.Equal(b))
			assert.True(t, a.Verify([]byte("some vc")))
			assert.False(t, a.Verify([]byte("some vc!")))
		})
	}
}

func TestDerive_AlgorithmsDiffer(t *testing.T) {
	a := MustDerive(Blake3_256, []byte("x"))
	b := MustDerive(SHA2_256, []byte("x"))
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Sum, b.Sum)
}

func TestDerive_UnknownAlgorithm(t *testing.T) {
	_, err := Derive(Algorithm(99), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = Derive(None, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestParse_RoundTrip(t *testing.T) {
	d := MustDerive(Blake3_256, []byte("payload"))
	parsed, err := Parse(d.String())
	require.NoError(t, err)
	assert.True(t, d.Equal(parsed))

	text, err := d.MarshalText()
	require.NoError(t, err)
	var back Digest
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, d.Equal(back))
}

func TestParse_Zero(t *testing.T) {
	d, err := Parse("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
	assert.Equal(t, "", d.String())
	assert.Nil(t, d.Bytes())
	assert.False(t, d.Verify(nil), "absent digest never binds data")
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"deadbeef",
		"blake3-256:zz",
		"blake3-256:abcd",
		"md5:" + "00",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, c)
	}
}

func TestFromBytes(t *testing.T) {
	d := MustDerive(SHA3_256, []byte("a"))
	back, err := FromBytes(d.Algo, d.Bytes())
	require.NoError(t, err)
	assert.True(t, d.Equal(back))

	_, err = FromBytes(SHA3_256, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = FromBytes(None, []byte{1})
	assert.ErrorIs(t, err, ErrMalformed)

	zero, err := FromBytes(None, nil)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
