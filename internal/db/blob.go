package db

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/emg.report/internal/samples"
)

// Raw sample blobs are deterministic CBOR arrays compressed with zstd. The
// same samples always produce the same bytes.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("db: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("db: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("db: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("db: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeSamples(s []samples.Sample) ([]byte, error) {
	raw, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode samples: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeSamples(blob []byte) ([]samples.Sample, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var out []samples.Sample
	if err := decMode.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	return out, nil
}
