package zipflow

import "context"

// progressFunc reports cumulative bytes consumed so far against the
// total known up front. Callbacks are treated as infallible: this
// package never expects one to return an error or panic, and does not
// guard against it.
type progressFunc func(done, total uint64)

// chunkedDrive pulls fixed-size chunks of the source region [base,
// base+total) from src, feeds each chunk to append, and writes
// whatever bytes append returns to w in order, reporting progress
// after each chunk's write completes. Both reading and writing fit
// this shape: reading drives compressed-region bytes through
// decrypt/inflate into a plaintext Writer; writing drives plaintext
// bytes through deflate/encrypt into the container Writer. The loop
// is bounded: at most ceil(total/chunkSize) turns, plus a final call
// to flush the codec's trailing bytes.
func chunkedDrive(
	ctx context.Context,
	w Writer,
	src Reader,
	base int64,
	total uint64,
	chunkSize uint64,
	append func([]byte) ([]byte, error),
	flush func() ([]byte, error),
	onProgress progressFunc,
) error {
	var done uint64
	for done < total {
		n := chunkSize
		if remaining := total - done; n > remaining {
			n = remaining
		}
		chunk, err := src.Read(ctx, base+int64(done), int64(n))
		if err != nil {
			return err
		}
		out, err := append(chunk)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := w.Write(ctx, out); err != nil {
				return err
			}
		}
		done += n
		if onProgress != nil {
			onProgress(done, total)
		}
	}
	tail, err := flush()
	if err != nil {
		return err
	}
	if len(tail) > 0 {
		if err := w.Write(ctx, tail); err != nil {
			return err
		}
	}
	return nil
}

// writeChunked is retained as the direct write-side entry point used
// by writer.go, where the caller already separates append from flush
// to capture the codec's final sizes/CRC/tag before emitting the data
// descriptor; it shares chunkedDrive's loop shape but calls flush
// itself rather than folding it in.
func writeChunked(
	ctx context.Context,
	w Writer,
	src Reader,
	base int64,
	total uint64,
	chunkSize uint64,
	append func([]byte) ([]byte, error),
	onProgress progressFunc,
) error {
	var done uint64
	for done < total {
		n := chunkSize
		if remaining := total - done; n > remaining {
			n = remaining
		}
		chunk, err := src.Read(ctx, base+int64(done), int64(n))
		if err != nil {
			return err
		}
		out, err := append(chunk)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := w.Write(ctx, out); err != nil {
				return err
			}
		}
		done += n
		if onProgress != nil {
			onProgress(done, total)
		}
	}
	return nil
}

// chunkSizeFor clamps cfg's configured chunk size: at least
// minChunkSize, defaulting to defaultChunkSize when unset. config.go's
// normalized() already enforces this for a whole Config, but readers
// and writers constructed without going through normalized (e.g. in
// tests) call this directly.
func chunkSizeFor(cfg *Config) uint64 {
	if cfg == nil || cfg.ChunkSize == 0 {
		return defaultChunkSize
	}
	if cfg.ChunkSize < minChunkSize {
		return minChunkSize
	}
	return cfg.ChunkSize
}
