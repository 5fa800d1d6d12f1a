package zipflow

import "io"

// entryChunks buffers one entry's output (local header, codec bytes,
// data descriptor) as a sequence of byte slices rather than
// concatenating them into one contiguous allocation as each piece
// arrives. A buffered Add only needs to be drained once, in order,
// after the write lock is acquired, so this holds onto the slices
// themselves instead of copying them together twice.
type entryChunks struct {
	chunks [][]byte
	total  int64
}

func (e *entryChunks) addBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	e.chunks = append(e.chunks, b)
	e.total += int64(len(b))
}

func (e *entryChunks) size() int64 { return e.total }

// reader returns a one-shot io.Reader draining the buffered chunks in
// order. There is no seek support: the serializer's buffered path
// always reads a freshly built entryChunks start to finish exactly
// once, so the generality to seek or re-read never has a caller.
func (e *entryChunks) reader() io.Reader {
	return &chunkReader{chunks: e.chunks}
}

type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.chunks) > 0 && len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	return n, nil
}
