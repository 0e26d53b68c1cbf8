// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants for the direct-socket protocol. Each frame is a
// 5-byte header (1 byte type + 4 byte big-endian body length) followed
// by the body.
const (
	// frameData carries a published update. Body is a 2-byte
	// big-endian topic length, the topic bytes, then the envelope.
	// The topic rides outside the envelope so the routing key is
	// readable without decompressing the payload.
	frameData byte = 0x01

	// frameSubscribe adds a topic to the connection's subscription
	// set. Subscriber→publisher only. Body is the bare topic.
	frameSubscribe byte = 0x02

	// frameUnsubscribe removes a topic from the connection's
	// subscription set. Subscriber→publisher only. Body is the bare
	// topic.
	frameUnsubscribe byte = 0x03
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type
// + 4 bytes body length.
const frameHeaderLength = 5

// maxFrameBody bounds a frame body: a maximum-size envelope plus a
// maximum-length topic prefix. Anything larger is a corrupt stream.
const maxFrameBody = maxEnvelopePayload + envelopeHeaderLength + 2 + 65535

// writeFrame writes one framed message to w. The frame format is:
// [1 byte type] [4 bytes body length, big-endian uint32] [body].
func writeFrame(w io.Writer, frameType byte, body []byte) error {
	var header [frameHeaderLength]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:frameHeaderLength], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// readFrame reads one framed message from r. Returns an error if the
// stream is malformed or the body exceeds maxFrameBody.
func readFrame(r io.Reader) (frameType byte, body []byte, err error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}
	frameType = header[0]
	bodyLength := binary.BigEndian.Uint32(header[1:frameHeaderLength])
	if bodyLength > maxFrameBody {
		return 0, nil, fmt.Errorf("frame body length %d exceeds maximum %d", bodyLength, maxFrameBody)
	}
	body = make([]byte, bodyLength)
	if bodyLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return frameType, body, nil
}

// encodeDataBody prefixes an envelope with its routing topic.
func encodeDataBody(topic string, envelope []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic of %d bytes exceeds frame prefix limit", len(topic))
	}
	body := make([]byte, 2+len(topic)+len(envelope))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(topic)))
	copy(body[2:], topic)
	copy(body[2+len(topic):], envelope)
	return body, nil
}

// splitDataBody separates a data frame body into its routing topic and
// envelope.
func splitDataBody(body []byte) (topic string, envelope []byte, err error) {
	if len(body) < 2 {
		return "", nil, fmt.Errorf("data frame body of %d bytes is too short", len(body))
	}
	topicLength := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+topicLength {
		return "", nil, fmt.Errorf("data frame declares %d-byte topic but body has %d bytes", topicLength, len(body)-2)
	}
	return string(body[2 : 2+topicLength]), body[2+topicLength:], nil
}
