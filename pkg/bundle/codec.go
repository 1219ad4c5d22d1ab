package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// magic prefixes every encoded bundle, ahead of the zstd frame.
const magic = "TELB"

// maxDecoded bounds the decompressed envelope.
const maxDecoded = 1 << 30

type envelope struct {
	Manifest  []byte      `cbor:"1,keyasint"`
	Signature []byte      `cbor:"2,keyasint"`
	Logs      []memberLog `cbor:"3,keyasint"`
}

type memberLog struct {
	Member  string   `cbor:"1,keyasint"`
	Records [][]byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	// Core deterministic encoding: one bundle, one byte string.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bundle: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 24,
	}.DecMode()
	if err != nil {
		panic("bundle: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes b. Equal bundles encode to equal bytes.
func Encode(b *Bundle) ([]byte, error) {
	if b.raw == nil {
		return nil, fmt.Errorf("%w: bundle is not signed", ErrMalformedBundle)
	}
	env := envelope{
		Manifest:  b.raw,
		Signature: b.Signature,
		Logs:      make([]memberLog, 0, len(b.Logs)),
	}
	for member, recs := range b.Logs {
		env.Logs = append(env.Logs, memberLog{Member: member, Records: recs})
	}
	sort.Slice(env.Logs, func(i, j int) bool { return env.Logs[i].Member < env.Logs[j].Member })

	payload, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bundle: cbor encode: %w", err)
	}
	return zstdEncoder.EncodeAll(payload, []byte(magic)), nil
}

// Decode parses an encoded bundle. It checks structure only; call Verify
// before trusting the contents.
func Decode(data []byte) (*Bundle, error) {
	if !bytes.HasPrefix(data, []byte(magic)) {
		return nil, fmt.Errorf("%w: missing %q header", ErrMalformedBundle, magic)
	}
	payload, err := zstdDecoder.DecodeAll(data[len(magic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrMalformedBundle, err)
	}

	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrMalformedBundle, err)
	}
	b := &Bundle{
		Signature: env.Signature,
		Logs:      make(map[string][][]byte, len(env.Logs)),
		raw:       env.Manifest,
	}
	if err := json.Unmarshal(env.Manifest, &b.Manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformedBundle, err)
	}
	for _, l := range env.Logs {
		if _, dup := b.Logs[l.Member]; dup {
			return nil, fmt.Errorf("%w: member %q appears twice", ErrMalformedBundle, l.Member)
		}
		b.Logs[l.Member] = l.Records
	}
	return b, nil
}
