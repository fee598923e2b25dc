// Package framecompress opportunistically gzip-compresses screen frames,
// falling back to raw when compression fails or does not pay off.
package framecompress

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/breeze-rmm/agent/internal/logging"
)

// DefaultThreshold is the minimum byte length a frame must exceed before
// compression is attempted at all.
const DefaultThreshold = 512

var log = logging.L("framecompress")

// Frame is a capture result ready for transport: either raw UTF-8 text
// or a gzip-compressed byte string, never both.
type Frame struct {
	Session      string
	RawText      string
	Compressed   []byte
	IsCompressed bool
}

// Compressor decides whether a given frame should travel compressed.
type Compressor struct {
	threshold int
}

// New returns a Compressor using DefaultThreshold.
func New() *Compressor {
	return &Compressor{threshold: DefaultThreshold}
}

// NewWithThreshold returns a Compressor using a custom byte threshold.
func NewWithThreshold(threshold int) *Compressor {
	return &Compressor{threshold: threshold}
}

// ShouldCompress reports whether text is long enough to be worth
// attempting compression on. Strictly greater than threshold — text
// exactly at the threshold is never compressed.
func (c *Compressor) ShouldCompress(text string) bool {
	return len(text) > c.threshold
}

// Compress gzips text, returning (nil) if compression fails. Failure is
// never fatal to the caller — CompressFrame degrades to raw.
func (c *Compressor) Compress(text string) []byte {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		log.Warn("gzip writer init failed", "error", err)
		return nil
	}
	if _, err := w.Write([]byte(text)); err != nil {
		log.Warn("gzip write failed", "error", err)
		return nil
	}
	if err := w.Close(); err != nil {
		log.Warn("gzip close failed", "error", err)
		return nil
	}
	return buf.Bytes()
}

// Decompress reverses Compress, returning ("", false) on any failure.
func (c *Compressor) Decompress(data []byte) (string, bool) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// CompressFrame applies the compression policy: if the text is below
// threshold, compression fails, or the compressed size is not strictly
// smaller than the raw UTF-8 size, the frame is emitted raw.
func (c *Compressor) CompressFrame(session, text string) Frame {
	if !c.ShouldCompress(text) {
		return Frame{Session: session, RawText: text}
	}

	compressed := c.Compress(text)
	if compressed == nil || len(compressed) >= len(text) {
		return Frame{Session: session, RawText: text}
	}

	return Frame{Session: session, Compressed: compressed, IsCompressed: true}
}
