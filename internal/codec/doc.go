// Package codec implements the tagged binary value encoding used on every
// boardlink relay frame.
//
// A frame is a flat sequence of self-describing values: a one-byte type tag
// followed by the value bytes. There is no envelope beyond the tags
// themselves; the transport (WebSocket) provides message boundaries.
//
// # Wire Format
//
// Each value is encoded as:
//   - tag byte (TagUint8 .. TagDouble)
//   - fixed-width payload for numbers (little-endian)
//   - 32-bit little-endian length prefix plus raw bytes for strings/buffers
//
// # Width Selection
//
// Numbers are stored in the smallest width that holds them, so the encoder
// is deliberately lossy about declared Go types: a uint64 holding 7 goes on
// the wire as a tagged uint8 and comes back as uint8. Firmware boards decode
// by tag, so both sides agree without negotiating schemas.
//
// Non-integral numbers choose between float32 and float64 by the length of
// their decimal string representation rather than magnitude. This matches
// the embedded side's formatting-driven rule and must be preserved for wire
// compatibility.
//
// # Failure Mode
//
// Decoding fails closed. Any truncated or unrecognizable buffer yields an
// empty result; the decoder never reads out of bounds and never returns a
// partial sequence that could be misrouted.
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use.
package codec
