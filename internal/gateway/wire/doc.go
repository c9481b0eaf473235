// Package wire owns the push-channel envelope format.
//
// Ownership boundary:
// - opcode table and envelope codec
// - handshake and command payload shapes
// - transparent zlib / zlib-stream decompression of inbound frames
//
// wire never tracks connection state; see package session for that.
package wire
