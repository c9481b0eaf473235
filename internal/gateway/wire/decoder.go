package wire

import (
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/gatectl/internal/faults"
)

// Compression selects how inbound frames are decompressed.
type Compression string

const (
	// CompressionNone reads text frames as JSON and binary frames as one zlib message each.
	CompressionNone Compression = "none"
	// CompressionZlibStream shares one zlib context across every frame of a connection.
	CompressionZlibStream Compression = "zlib-stream"
)

var ErrDecoderBroken = errors.New("wire: decoder unusable after stream corruption")

// ParseCompression normalizes a configured compression name.
func ParseCompression(raw string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZlibStream, "zlib":
		return CompressionZlibStream, nil
	default:
		return "", fmt.Errorf("wire: unknown compression %q", raw)
	}
}

// FrameSource yields inbound transport frames. The returned reader is valid until
// the next call.
type FrameSource interface {
	NextFrame() (binary bool, r io.Reader, err error)
}

// Decoder turns transport frames into envelopes.
// Errors from the FrameSource are returned unchanged; decoding and decompression
// failures wrap faults.ErrProtocolViolation.
type Decoder struct {
	src    FrameSource
	mode   Compression
	stream *streamReader
	zr     io.ReadCloser
	json   *json.Decoder
	broken bool
}

func NewDecoder(src FrameSource, mode Compression) *Decoder {
	if mode == "" {
		mode = CompressionNone
	}
	d := &Decoder{src: src, mode: mode}
	if mode == CompressionZlibStream {
		d.stream = &streamReader{src: src}
	}
	return d
}

// Decode blocks for the next complete envelope.
func (d *Decoder) Decode() (Envelope, error) {
	if d.mode == CompressionZlibStream {
		return d.decodeStream()
	}
	binary, r, err := d.src.NextFrame()
	if err != nil {
		return Envelope{}, err
	}
	if binary {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: inflate frame: %v", faults.ErrProtocolViolation, err)
		}
		defer zr.Close()
		r = zr
	}
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", faults.ErrProtocolViolation, err)
	}
	return env, nil
}

func (d *Decoder) decodeStream() (Envelope, error) {
	if d.broken {
		return Envelope{}, ErrDecoderBroken
	}
	if d.json == nil {
		zr, err := zlib.NewReader(d.stream)
		if err != nil {
			return Envelope{}, d.streamErr("open zlib stream", err)
		}
		d.zr = zr
		d.json = json.NewDecoder(zr)
	}
	var env Envelope
	if err := d.json.Decode(&env); err != nil {
		return Envelope{}, d.streamErr("decode envelope", err)
	}
	return env, nil
}

// streamErr prefers the transport error that starved the inflater.
func (d *Decoder) streamErr(op string, err error) error {
	if d.stream.err != nil {
		return d.stream.err
	}
	d.broken = true
	return fmt.Errorf("%w: %s: %v", faults.ErrProtocolViolation, op, err)
}

// Close releases the inflater, if any.
func (d *Decoder) Close() error {
	if d.zr == nil {
		return nil
	}
	return d.zr.Close()
}

// streamReader concatenates frames into one byte stream. It blocks on the next frame
// instead of reporting EOF between frames so the shared inflater never sees a
// premature end of input.
type streamReader struct {
	src FrameSource
	cur io.Reader
	err error
}

func (s *streamReader) Read(p []byte) (int, error) {
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.cur == nil {
			_, r, err := s.src.NextFrame()
			if err != nil {
				s.err = err
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.err = err
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}
