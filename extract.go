package zipflow

import "context"

// GetData extracts entry's payload, writing the decoded plaintext to
// w. The local file header is re-decoded (its name and extra-field
// lengths may differ from the central directory's), since that is the
// only way to find where the actual payload begins.
func (zr *ZipReader) GetData(ctx context.Context, entry *EntryMeta, w Writer, opts ReadOptions) error {
	if !zr.initialized {
		if err := zr.init(ctx); err != nil {
			return err
		}
	}
	return zr.pool.run(ctx, func() error {
		return zr.getData(ctx, entry, w, opts)
	})
}

func (zr *ZipReader) getData(ctx context.Context, entry *EntryMeta, w Writer, opts ReadOptions) error {
	headerBuf, err := zr.r.Read(ctx, int64(entry.LocalHeaderOffset), localFileHeaderLen)
	if err != nil {
		return err
	}
	b := readBuf(headerBuf)
	if b.uint32() != sigLocalFileHeader {
		return ErrLocalFileHeaderNotFound
	}
	b.uint16() // version needed
	b.uint16() // bit flag (trusted from central directory instead)
	b.uint16() // compression method (trusted from central directory instead)
	b.uint16() // mod time
	b.uint16() // mod date
	b.uint32() // crc32
	b.uint32() // compressed size
	b.uint32() // uncompressed size
	localNameLen := int(b.uint16())
	localExtraLen := int(b.uint16())

	dataOffset := int64(entry.LocalHeaderOffset) + localFileHeaderLen + int64(localNameLen) + int64(localExtraLen)

	if entry.Encrypted && opts.Password == "" {
		return ErrEncrypted
	}

	total := entry.CompressedSize
	base := dataOffset
	var preamble []byte
	if entry.Encrypted {
		preamble, err = zr.r.Read(ctx, base, aesPreambleLen)
		if err != nil {
			return err
		}
		base += aesPreambleLen
		total -= aesPreambleLen
	}

	method := entry.CompressionMethod
	if entry.Encrypted {
		method = entry.AESInnerMethod
	}
	codec, err := newInflateCodec(method, entry.Encrypted, opts.Password, preamble)
	if err != nil {
		return err
	}

	var finalCRC uint32
	flush := func() ([]byte, error) {
		tail, crc, ferr := codec.Flush()
		finalCRC = crc
		return tail, ferr
	}

	err = chunkedDrive(ctx, w, zr.r, base, total, chunkSizeFor(&zr.cfg), codec.Append, flush, opts.OnProgress)
	if err != nil {
		return err
	}

	if opts.CheckSignature && !entry.Encrypted {
		if finalCRC != entry.CRC32 {
			return ErrInvalidSignature
		}
	}
	return nil
}
