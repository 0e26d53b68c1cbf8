// Copyright 2026 The Tablecast Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's standard CBOR configuration.
//
// Every CBOR value this module produces goes through the one encoder
// configured here: the update envelope payload and the peer liveness
// records in the key-value store. Centralizing the modes keeps every
// producer byte-compatible with every consumer without each package
// repeating fxamacker/cbor option plumbing.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// The same logical value always encodes to identical bytes, which is
// what lets tests compare envelopes directly and lets a store detect
// an unchanged record by byte equality.
//
// Usage:
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
//
// Struct fields use `cbor` tags: these types are never serialized as
// JSON, and the tag documents that contract.
package codec
