package zipflow

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// errNeedMoreInput signals that a read-side codec stage has drained
// all buffered input and cannot produce more output until the next
// Append call. It is never returned to the caller of Append/Flush;
// inflateCodec.Append treats it as "stop this round, nothing more to
// give yet" rather than a failure.
var errNeedMoreInput = errors.New("zipflow: codec needs more input")

// deflateSource adapts push-style byte delivery into the io.Reader
// shape flate.NewReader expects, without a goroutine per entry. Bytes
// queued by append are drained by Read; Read returns io.EOF once
// close has been called and the queue is empty, or errNeedMoreInput
// if the queue is empty but more input may still arrive. This lets a
// single flate.Reader be driven across many small Append calls instead
// of requiring the whole compressed stream up front.
type deflateSource struct {
	buf    []byte
	closed bool
}

func (s *deflateSource) append(p []byte) { s.buf = append(s.buf, p...) }
func (s *deflateSource) close()          { s.closed = true }

func (s *deflateSource) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, errNeedMoreInput
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// sinkWriter is an in-memory io.Writer used to collect flate.Writer's
// output between Append calls.
type sinkWriter struct {
	buf []byte
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *sinkWriter) take() []byte {
	out := w.buf
	w.buf = nil
	return out
}

// inflateCodec is the read-side pipeline: decrypt, then inflate, then
// verify via CRC-32. Constructed by newInflateCodec with the entry's
// compression method and (if encrypted) password and AES preamble.
//
// Stages compose through explicit Append/Flush calls rather than
// io.Reader chaining, since the chunked driver (chunked.go) supplies
// bytes incrementally rather than handing the codec a whole stream.
type inflateCodec struct {
	method    uint16
	decryptor *aesDecryptor
	src       *deflateSource
	inflater  io.ReadCloser
	crc       *crc32State
}

func newInflateCodec(method uint16, encrypted bool, password string, preamble []byte) (*inflateCodec, error) {
	c := &inflateCodec{method: method, crc: newCRC32()}
	if encrypted {
		dec, err := newAESDecryptor(password, preamble)
		if err != nil {
			return nil, err
		}
		c.decryptor = dec
	}
	switch method {
	case MethodStore:
	case MethodDeflate:
		c.src = &deflateSource{}
		c.inflater = flate.NewReader(c.src)
	default:
		return nil, fmt.Errorf("%w: method %d", ErrUnsupportedCompression, method)
	}
	return c, nil
}

// Append decrypts (if applicable) and decompresses as much of p as it
// can, returning the uncompressed plaintext produced so far. The CRC
// accumulator is fed with the uncompressed bytes as they are produced.
func (c *inflateCodec) Append(p []byte) ([]byte, error) {
	raw := p
	if c.decryptor != nil {
		raw = c.decryptor.append(p)
		if raw == nil {
			return nil, nil
		}
	}
	var out []byte
	switch c.method {
	case MethodStore:
		out = raw
	case MethodDeflate:
		c.src.append(raw)
		buf := make([]byte, 32*1024)
		for {
			n, err := c.inflater.Read(buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if err == errNeedMoreInput || err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
			}
		}
	}
	c.crc.Append(out)
	return out, nil
}

// Flush finalizes decryption (verifying the AES tag, if present),
// drains any remaining inflate output, and returns the final
// plaintext bytes along with the accumulated CRC-32.
func (c *inflateCodec) Flush() ([]byte, uint32, error) {
	var tail []byte
	if c.decryptor != nil {
		plain, err := c.decryptor.flush()
		if err != nil {
			return nil, 0, err
		}
		tail = plain
	}
	var out []byte
	switch c.method {
	case MethodStore:
		out = tail
	case MethodDeflate:
		if len(tail) > 0 {
			c.src.append(tail)
		}
		c.src.close()
		buf := make([]byte, 32*1024)
		for {
			n, err := c.inflater.Read(buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if err == io.EOF {
				break
			}
			if err == errNeedMoreInput {
				return nil, 0, fmt.Errorf("%w: truncated deflate stream", ErrBadFormat)
			}
			if err != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrBadFormat, err)
			}
		}
		_ = c.inflater.Close()
	}
	c.crc.Append(out)
	return out, c.crc.Sum(), nil
}

// deflateCodec is the write-side pipeline: compress, then (optionally)
// encrypt. Constructed by newDeflateCodec
// with the entry's target compression method and, if password is
// non-empty, AES-256 encryption; the returned preamble must be written
// ahead of the ciphertext the codec later produces.
type deflateCodec struct {
	method    uint16
	encryptor *aesEncryptor
	sink      *sinkWriter
	deflater  *flate.Writer
	crc       *crc32State

	compressedSize   uint64
	uncompressedSize uint64
}

func newDeflateCodec(method uint16, password string) (c *deflateCodec, preamble []byte, err error) {
	c = &deflateCodec{method: method, crc: newCRC32()}
	if password != "" {
		enc, pre, err := newAESEncryptor(password)
		if err != nil {
			return nil, nil, err
		}
		c.encryptor = enc
		preamble = pre
	}
	switch method {
	case MethodStore:
	case MethodDeflate:
		c.sink = &sinkWriter{}
		w, err := flate.NewWriter(c.sink, flate.DefaultCompression)
		if err != nil {
			return nil, nil, fmt.Errorf("zipflow: creating deflate writer: %w", err)
		}
		c.deflater = w
	default:
		return nil, nil, fmt.Errorf("%w: method %d", ErrUnsupportedCompression, method)
	}
	return c, preamble, nil
}

// Append compresses p (if a compression stage is configured), then
// encrypts the result (if an encryption stage is configured), and
// returns the bytes ready to be written to the underlying sink.
func (c *deflateCodec) Append(p []byte) ([]byte, error) {
	c.crc.Append(p)
	c.uncompressedSize += uint64(len(p))

	var compressed []byte
	switch c.method {
	case MethodStore:
		compressed = p
	case MethodDeflate:
		if _, err := c.deflater.Write(p); err != nil {
			return nil, fmt.Errorf("zipflow: deflating entry: %w", err)
		}
		compressed = c.sink.take()
	}

	out := compressed
	if c.encryptor != nil {
		out = c.encryptor.append(compressed)
	}
	c.compressedSize += uint64(len(out))
	return out, nil
}

// Flush finalizes compression and encryption, returning the final
// bytes to write (including, if encrypted, the 10-byte authentication
// tag), the CRC-32 of the uncompressed data, and the final compressed
// and uncompressed sizes.
func (c *deflateCodec) Flush() (tail []byte, crc uint32, compressedSize, uncompressedSize uint64, err error) {
	var compressed []byte
	if c.method == MethodDeflate {
		if err := c.deflater.Close(); err != nil {
			return nil, 0, 0, 0, fmt.Errorf("zipflow: closing deflate stream: %w", err)
		}
		compressed = c.sink.take()
	}

	out := compressed
	if c.encryptor != nil {
		mid := c.encryptor.append(compressed)
		tag := c.encryptor.flush()
		out = append(mid, tag...)
	}
	c.compressedSize += uint64(len(out))
	return out, c.crc.Sum(), c.compressedSize, c.uncompressedSize, nil
}
