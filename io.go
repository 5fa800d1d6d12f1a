package zipflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// contextReaderAt is like io.ReaderAt, but also takes a context. It is
// the part type that multiReaderAt below joins; the package's Reader
// interface does not depend on it.
type contextReaderAt interface {
	ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error)
}

type sizeReaderAt interface {
	io.ReaderAt
	Size() int64
}

type offsetAndData struct {
	offset int64
	data   contextReaderAt
}

// multiReaderAt is a contextReaderAt that joins multiple
// contextReaderAt sources sequentially, presenting them as one
// contiguous source without copying them together. The writer
// serializer does not use it; its buffered path drains an entryChunks
// (multireadseeker.go) instead.
type multiReaderAt struct {
	parts []offsetAndData
	size  int64
}

// add appends a part. Must only be called before the reader is read
// from.
func (mcr *multiReaderAt) add(data contextReaderAt, size int64) {
	switch {
	case size < 0:
		panic(fmt.Sprintf("zipflow: size cannot be negative: %v", size))
	case size == 0:
		return
	}
	mcr.parts = append(mcr.parts, offsetAndData{
		offset: mcr.size,
		data:   data,
	})
	mcr.size += size
}

func (mcr *multiReaderAt) addBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	mcr.add(ignoreContext{r: bytesReaderAt(b)}, int64(len(b)))
}

func (mcr *multiReaderAt) addSizeReaderAt(r sizeReaderAt) {
	mcr.add(ignoreContext{r: r}, r.Size())
}

func (mcr *multiReaderAt) endOffset(partIndex int) int64 {
	if partIndex == len(mcr.parts)-1 {
		return mcr.size
	}
	return mcr.parts[partIndex+1].offset
}

func (mcr *multiReaderAt) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= mcr.size {
		return 0, io.EOF
	}
	firstPartIndex := sort.Search(len(mcr.parts), func(i int) bool {
		return mcr.endOffset(i) > off
	})
	for partIndex := firstPartIndex; partIndex < len(mcr.parts) && len(p) > 0; partIndex++ {
		if partIndex > firstPartIndex {
			off = mcr.parts[partIndex].offset
		}
		partRemainingBytes := mcr.endOffset(partIndex) - off
		sizeToRead := int64(len(p))
		if sizeToRead > partRemainingBytes {
			sizeToRead = partRemainingBytes
		}
		n2, err2 := mcr.parts[partIndex].data.ReadAtContext(ctx, p[0:sizeToRead], off-mcr.parts[partIndex].offset)
		n += n2
		if err2 != nil {
			return n, err2
		}
		p = p[n2:]
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

func (mcr *multiReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	return mcr.ReadAtContext(context.Background(), p, off)
}

func (mcr *multiReaderAt) Size() int64 { return mcr.size }

// ignoreContext adapts an io.ReaderAt to contextReaderAt.
type ignoreContext struct {
	r io.ReaderAt
}

func (a ignoreContext) ReadAtContext(_ context.Context, p []byte, off int64) (n int, err error) {
	return a.r.ReadAt(p, off)
}

// withContext adapts a contextReaderAt, bound to one ctx, back to
// io.ReaderAt. The context must not outlive the single request it was
// built for.
type withContext struct {
	ctx context.Context
	r   contextReaderAt
}

func (w withContext) ReadAt(p []byte, off int64) (n int, err error) {
	return w.r.ReadAtContext(w.ctx, p, off)
}

// bytesReaderAt is a minimal io.ReaderAt over a fixed byte slice,
// used to fold literal byte buffers (headers, trailers) into a
// multiReaderAt alongside larger streamed parts.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errors.New("zipflow: read at negative or out-of-range offset")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Reader is the random-access byte source a reading session is built
// on.
type Reader interface {
	// Size returns the total byte length of the underlying container.
	Size() int64
	// Read returns exactly length bytes starting at offset.
	Read(ctx context.Context, offset int64, length int64) ([]byte, error)
}

// Writer is the sequential, append-only byte sink a writing session is
// built on.
type Writer interface {
	// Size returns the number of bytes already written, which is
	// where a new writing session's append offset begins: nonzero
	// when appending to an already-populated sink.
	Size() int64
	// Write appends p to the end of the underlying container.
	Write(ctx context.Context, p []byte) error
	// Data returns a Sink exposing the bytes written so far. Called
	// once, at Close, after the final byte has been written.
	Data() (Sink, error)
}

// Sink is the finished container handed back by Writer.Data.
type Sink interface {
	Size() int64
	io.ReaderAt
}

// readerAtAdapter adapts any sizeReaderAt into a Reader, the common
// case for in-memory or file-backed containers.
type readerAtAdapter struct {
	ra   io.ReaderAt
	size int64
}

// NewReaderAt builds a Reader over any io.ReaderAt-shaped source of
// known size, such as an *os.File or a bytes.Reader.
func NewReaderAt(ra io.ReaderAt, size int64) Reader {
	return &readerAtAdapter{ra: ra, size: size}
}

func (r *readerAtAdapter) Size() int64 { return r.size }

func (r *readerAtAdapter) Read(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > r.size {
		return nil, ErrBadFormat
	}
	buf := make([]byte, length)
	if _, err := r.ra.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// memorySink is the simplest Sink: an in-memory byte slice.
type memorySink struct {
	buf []byte
}

func (s *memorySink) Size() int64 { return int64(len(s.buf)) }

func (s *memorySink) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.buf)) {
		return 0, errors.New("zipflow: read at negative or out-of-range offset")
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// memoryWriter is a Writer that accumulates everything written into a
// single growable buffer, handed back as a memorySink on Data.
type memoryWriter struct {
	buf []byte
}

// NewMemoryWriter returns a Writer that buffers all written bytes in
// memory and exposes them via Data as a Sink. Useful for callers with
// no sequential sink of their own.
func NewMemoryWriter() Writer { return &memoryWriter{} }

func (w *memoryWriter) Size() int64 { return int64(len(w.buf)) }

func (w *memoryWriter) Write(_ context.Context, p []byte) error {
	w.buf = append(w.buf, p...)
	return nil
}

func (w *memoryWriter) Data() (Sink, error) {
	return &memorySink{buf: w.buf}, nil
}
