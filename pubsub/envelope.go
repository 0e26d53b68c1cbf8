// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tablecast/tablecast/lib/codec"
)

// Compression identifies the codec applied to an envelope payload.
// The values are wire constants shared by every driver; changing them
// breaks decoding of in-flight envelopes.
type Compression uint8

const (
	// CompressionNone leaves the payload as encoded. Small updates
	// rarely gain from compression, and Pack falls back to this tag
	// whenever a codec fails to shrink the payload.
	CompressionNone Compression = 0

	// CompressionZstd compresses with zstd at the default level. Best
	// ratio for text-like values (JSON documents, logs).
	CompressionZstd Compression = 1

	// CompressionLZ4 compresses with LZ4 block mode. Cheaper than
	// zstd with a lower ratio; the choice for high-volume updates
	// where publisher CPU matters more than bytes on the wire.
	CompressionLZ4 Compression = 2
)

// String returns the configuration-file name of the codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration-file name to its tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression codec: %q", name)
	}
}

// The envelope is the one encoding shared by every driver:
//
//	[1 byte compression tag][4 bytes big-endian payload size][body]
//
// The size field is the payload's size before compression, so the
// decoder can allocate exactly and verify the codec's output. With
// CompressionNone the body is the payload itself and the size field
// must equal its length.
const (
	envelopeHeaderLength = 5

	// maxEnvelopePayload bounds the decoded payload. Updates are
	// small; anything near this size is a corrupt or hostile frame,
	// and the bound keeps a bad size field from allocating gigabytes.
	maxEnvelopePayload = 16 << 20
)

// wireUpdate is the CBOR payload: exactly the fields a receiver
// observes. Priority and timestamp are local dispatch hints and stay
// on the producing side.
type wireUpdate struct {
	Table  string `cbor:"table"`
	Key    string `cbor:"key"`
	Action Action `cbor:"action"`
	Value  []byte `cbor:"value"`
	Topic  string `cbor:"topic"`
}

// zstdEncoder and zstdDecoder are shared across every Pack and Unpack
// call; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("pubsub: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("pubsub: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack encodes update into an envelope, compressing the payload with
// the requested codec when that makes it smaller.
func Pack(update *Update, compression Compression) ([]byte, error) {
	payload, err := codec.Marshal(wireUpdate{
		Table:  update.Table,
		Key:    update.Key,
		Action: update.Action,
		Value:  update.Value,
		Topic:  update.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: encoding update: %w", err)
	}
	if len(payload) > maxEnvelopePayload {
		return nil, fmt.Errorf("pubsub: update payload %d bytes exceeds limit %d", len(payload), maxEnvelopePayload)
	}

	body := payload
	tag := CompressionNone
	if compression != CompressionNone {
		compressed, err := compressPayload(payload, compression)
		switch {
		case err == nil:
			body = compressed
			tag = compression
		case err == errIncompressible:
			// Keep the uncompressed payload under the none tag.
		default:
			return nil, err
		}
	}

	envelope := make([]byte, envelopeHeaderLength+len(body))
	envelope[0] = byte(tag)
	binary.BigEndian.PutUint32(envelope[1:envelopeHeaderLength], uint32(len(payload)))
	copy(envelope[envelopeHeaderLength:], body)
	return envelope, nil
}

// Unpack decodes an envelope produced by any Pack configuration. The
// returned update carries the five wire fields plus a fresh timestamp
// and the default priority.
func Unpack(data []byte) (*Update, error) {
	if len(data) < envelopeHeaderLength {
		return nil, fmt.Errorf("pubsub: envelope too short: %d bytes", len(data))
	}
	tag := Compression(data[0])
	size := binary.BigEndian.Uint32(data[1:envelopeHeaderLength])
	if size > maxEnvelopePayload {
		return nil, fmt.Errorf("pubsub: envelope declares payload of %d bytes, limit %d", size, maxEnvelopePayload)
	}

	payload, err := decompressPayload(data[envelopeHeaderLength:], tag, int(size))
	if err != nil {
		return nil, err
	}

	var wire wireUpdate
	if err := codec.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("pubsub: decoding update payload: %w", err)
	}

	return &Update{
		Table:     wire.Table,
		Key:       wire.Key,
		Action:    wire.Action,
		Value:     wire.Value,
		Topic:     wire.Topic,
		Priority:  DefaultPriority,
		Timestamp: time.Now(),
	}, nil
}

// errIncompressible means the codec's output was no smaller than its
// input; Pack falls back to CompressionNone.
var errIncompressible = fmt.Errorf("payload is incompressible")

func compressPayload(payload []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) >= len(payload) {
			return nil, errIncompressible
		}
		return compressed, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("pubsub: lz4 compress: %w", err)
		}
		// CompressBlock reports 0 for incompressible input.
		if written == 0 || written >= len(payload) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	default:
		return nil, fmt.Errorf("pubsub: unsupported compression tag: %d", compression)
	}
}

func decompressPayload(body []byte, tag Compression, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("pubsub: envelope size field %d does not match body of %d bytes", size, len(body))
		}
		return body, nil

	case CompressionZstd:
		payload, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("pubsub: zstd decompress: %w", err)
		}
		if len(payload) != size {
			return nil, fmt.Errorf("pubsub: zstd decompress produced %d bytes, envelope declared %d", len(payload), size)
		}
		return payload, nil

	case CompressionLZ4:
		payload := make([]byte, size)
		read, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return nil, fmt.Errorf("pubsub: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("pubsub: lz4 decompress produced %d bytes, envelope declared %d", read, size)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("pubsub: unsupported compression tag: %d", tag)
	}
}
