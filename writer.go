package zipflow

import (
	"context"
	"os"
	"sync"
	"time"
	"unicode/utf8"
)

// AddOptions configures a single Add call.
type AddOptions struct {
	Directory     bool
	Comment       string
	ModTime       time.Time
	Password      string
	Level         int // 0-9; 0 selects STORE regardless of Directory
	Zip64         bool
	BufferedWrite bool
	ExtraField    map[uint16][]byte
	NonUTF8       bool
	Mode          os.FileMode
	OnProgress    progressFunc
}

// ZipWriter assembles a ZIP container one entry at a time, streaming
// each entry's payload through the codec pipeline as it is added and
// finishing with the central directory and EOCDR on Close.
type ZipWriter struct {
	ser  *writeSerializer
	cfg  Config
	pool *workerPool

	mu      sync.Mutex
	entries []*EntryMeta
	byName  map[string]bool
	zip64   bool
	closed  bool
}

// NewWriter constructs a writer appending to w (whose existing Size()
// becomes the starting append offset).
func NewWriter(w Writer, cfg *Config) (*ZipWriter, error) {
	c := cfg
	if c == nil {
		c = DefaultConfig()
	}
	normalized, err := c.normalized()
	if err != nil {
		return nil, err
	}
	return &ZipWriter{
		ser:    newWriteSerializer(w, uint64(w.Size())),
		cfg:    normalized,
		pool:   newWorkerPool(normalized.MaxWorkers),
		byName: make(map[string]bool),
	}, nil
}

// Add streams src's contents (srcSize bytes) into a new entry named
// name. Several Add calls may be in flight at once; the writer
// serializer (serializer.go) keeps their bytes from interleaving on the
// sink. An entry written directly holds the write lock for its whole
// codec run, while a buffered entry takes the lock only after its codec
// work is done, so buffered entries reach the sink in the order they
// finish.
func (zw *ZipWriter) Add(ctx context.Context, name string, src Reader, srcSize uint64, opts AddOptions) error {
	if opts.Directory {
		srcSize = 0
	}
	if err := validateName(name, opts.Directory); err != nil {
		return err
	}
	if len(opts.Comment) > uint16max {
		return ErrFileEntryCommentTooLarge
	}

	zw.mu.Lock()
	if zw.closed {
		zw.mu.Unlock()
		return ErrBadFormat
	}
	if zw.byName[name] {
		zw.mu.Unlock()
		return ErrDuplicatedName
	}
	zw.byName[name] = true
	if opts.Zip64 {
		zw.zip64 = true
	}
	zw.mu.Unlock()

	var entry *EntryMeta
	err := zw.pool.run(ctx, func() error {
		var runErr error
		entry, runErr = zw.writeEntry(ctx, name, src, srcSize, opts)
		return runErr
	})
	if err != nil {
		zw.mu.Lock()
		delete(zw.byName, name)
		zw.mu.Unlock()
		return err
	}

	zw.mu.Lock()
	zw.entries = append(zw.entries, entry)
	zw.mu.Unlock()
	return nil
}

// innerMethod picks STORE or DEFLATE for entry payload; level 0 or a
// directory always selects STORE.
func innerMethod(opts AddOptions) uint16 {
	if opts.Directory || opts.Level == 0 {
		return MethodStore
	}
	return MethodDeflate
}

// detectUTF8 reports whether s is valid UTF-8 and whether it requires
// the UTF-8 flag bit: strings made only of printable ASCII from 0x20 to
// 0x7D, other than '\', keep the flag clear for maximum legacy-reader
// compatibility; any other rune requires it.
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}

func (zw *ZipWriter) writeEntry(ctx context.Context, name string, src Reader, srcSize uint64, opts AddOptions) (*EntryMeta, error) {
	method := innerMethod(opts)
	outerMethod := method
	versionNeeded := uint16(versionStore)
	if opts.Password != "" {
		outerMethod = MethodAES
		versionNeeded = versionAES
	}

	bitFlag := uint16(0)
	if !opts.Directory {
		bitFlag |= flagDataDescriptor
	}
	if opts.Password != "" {
		bitFlag |= flagEncrypted
	}
	valid1, require1 := detectUTF8(name)
	valid2, require2 := detectUTF8(opts.Comment)
	if !opts.NonUTF8 && (require1 || require2) && valid1 && valid2 {
		bitFlag |= flagUTF8
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	entry := &EntryMeta{
		Name:              name,
		Comment:           opts.Comment,
		Directory:         opts.Directory,
		VersionNeeded:     versionNeeded,
		BitFlag:           bitFlag,
		CompressionMethod: outerMethod,
		Modified:          modTime,
		Encrypted:         opts.Password != "",
		AESStrength:       AESStrength3,
		AESInnerMethod:    method,
		Extra:             opts.ExtraField,
		NonUTF8:           opts.NonUTF8 || bitFlag&flagUTF8 == 0,
		Mode:              opts.Mode,
	}
	if entry.Extra == nil {
		entry.Extra = make(map[uint16][]byte)
	}
	for tag := range entry.Extra {
		entry.ExtraOrder = append(entry.ExtraOrder, tag)
	}

	var codec *deflateCodec
	var preamble []byte
	var err error
	if !opts.Directory {
		codec, preamble, err = newDeflateCodec(method, opts.Password)
		if err != nil {
			return nil, err
		}
	}

	offset, err := zw.ser.runEntry(ctx, opts.BufferedWrite, func(sink entrySink) error {
		nameBytes := []byte(name)
		header := make([]byte, localFileHeaderLen)
		hb := writeBuf(header)
		hb.uint32(sigLocalFileHeader)
		hb.uint16(entry.VersionNeeded)
		hb.uint16(entry.BitFlag)
		hb.uint16(entry.CompressionMethod)
		date, dosTime := timeToMsDosTime(entry.Modified)
		hb.uint16(dosTime)
		hb.uint16(date)
		hb.uint32(0) // crc32 placeholder, data descriptor carries the real value
		hb.uint32(0) // compressed size placeholder
		hb.uint32(0) // uncompressed size placeholder
		hb.uint16(uint16(len(nameBytes)))
		hb.uint16(0) // no local extra field; sizes travel in the data descriptor
		if err := sink.write(header); err != nil {
			return err
		}
		if err := sink.write(nameBytes); err != nil {
			return err
		}

		if opts.Directory {
			entry.CRC32 = 0
			entry.CompressedSize = 0
			entry.UncompressedSize = 0
			return nil
		}
		if len(preamble) > 0 {
			if err := sink.write(preamble); err != nil {
				return err
			}
		}

		err := writeChunked(ctx, writerAdapter{sink: sink}, src, 0, srcSize, chunkSizeFor(&zw.cfg), codec.Append, opts.OnProgress)
		if err != nil {
			return err
		}
		tail, crc, compressedSize, uncompressedSize, err := codec.Flush()
		if err != nil {
			return err
		}
		if err := sink.write(tail); err != nil {
			return err
		}
		if opts.Password == "" {
			entry.CRC32 = crc
		}
		// For AES entries the stored size also spans the salt and
		// verifier written ahead of the ciphertext.
		entry.CompressedSize = compressedSize + uint64(len(preamble))
		entry.UncompressedSize = uncompressedSize

		descriptor := makeDataDescriptor(entry)
		return sink.write(descriptor)
	})
	if err != nil {
		return nil, err
	}
	entry.LocalHeaderOffset = offset
	return entry, nil
}

// writerAdapter lets writeChunked's Writer parameter target an
// entrySink (serializer.go), since entrySink has no context
// parameter on write (the context was already captured when the
// serializer built its direct or buffered sink).
type writerAdapter struct {
	sink entrySink
}

func (w writerAdapter) Size() int64 { return 0 }

func (w writerAdapter) Write(_ context.Context, p []byte) error {
	return w.sink.write(p)
}

func (w writerAdapter) Data() (Sink, error) {
	return nil, ErrBadFormat
}

// makeDataDescriptor builds the post-payload record carrying CRC and
// sizes, 64-bit widened when either size reaches the Zip64 sentinel.
func makeDataDescriptor(entry *EntryMeta) []byte {
	zip64 := entry.CompressedSize >= uint32max || entry.UncompressedSize >= uint32max
	n := dataDescriptorLen
	if zip64 {
		n = dataDescriptorLen64
	}
	buf := make([]byte, n)
	b := writeBuf(buf)
	b.uint32(sigDataDescriptor)
	b.uint32(entry.CRC32)
	if zip64 {
		b.uint64(entry.CompressedSize)
		b.uint64(entry.UncompressedSize)
	} else {
		b.uint32(uint32(entry.CompressedSize))
		b.uint32(uint32(entry.UncompressedSize))
	}
	return buf
}

// CloseOptions configures Close's central directory/EOCDR comment.
type CloseOptions struct {
	Comment string
}

// Close emits the central directory and EOCDR (promoting to Zip64 if
// needed) and returns the finished container's Sink.
func (zw *ZipWriter) Close(ctx context.Context, opts CloseOptions) (Sink, error) {
	zw.mu.Lock()
	defer zw.mu.Unlock()
	if zw.closed {
		return nil, ErrBadFormat
	}
	if len(opts.Comment) > uint16max {
		return nil, ErrZipFileCommentTooLarge
	}
	zw.closed = true

	start := zw.ser.currentOffset()
	var dirBuf []byte
	for _, entry := range zw.entries {
		dirBuf = append(dirBuf, encodeCentralDirectoryHeader(entry)...)
	}
	dirSize := uint64(len(dirBuf))
	dirOffset := start

	promote := zw.zip64 ||
		dirOffset+dirSize >= uint32max ||
		uint64(len(zw.entries)) >= uint16max

	var trailer []byte
	recordCount := uint64(len(zw.entries))
	eocdrDirSize := dirSize
	eocdrDirOffset := dirOffset
	if promote {
		trailer = append(trailer, encodeZip64EOCDR(recordCount, dirSize, dirOffset)...)
		trailer = append(trailer, encodeZip64Locator(dirOffset+dirSize)...)
		recordCount = uint16max
		eocdrDirSize = uint32max
		eocdrDirOffset = uint32max
	}
	trailer = append(trailer, encodeEOCDR(recordCount, eocdrDirSize, eocdrDirOffset, opts.Comment)...)

	full := append(dirBuf, trailer...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := zw.ser.w.Write(ctx, full); err != nil {
		return nil, err
	}
	return zw.ser.w.Data()
}

func encodeEOCDR(recordCount, dirSize, dirOffset uint64, comment string) []byte {
	commentBytes := []byte(comment)
	buf := make([]byte, endCentralDirectoryLen+len(commentBytes))
	b := writeBuf(buf)
	b.uint32(sigEndCentralDirectory)
	b.uint16(0) // disk number
	b.uint16(0) // disk with central directory start
	b.uint16(uint16(recordCount))
	b.uint16(uint16(recordCount))
	b.uint32(uint32(dirSize))
	b.uint32(uint32(dirOffset))
	b.uint16(uint16(len(commentBytes)))
	b.bytes(commentBytes)
	return buf
}

func encodeZip64EOCDR(recordCount, dirSize, dirOffset uint64) []byte {
	buf := make([]byte, zip64EndDirectoryLen)
	b := writeBuf(buf)
	b.uint32(sigZip64EndDirectory)
	b.uint64(zip64EndDirectoryLen - 12)
	b.uint16(versionZip64)
	b.uint16(versionZip64)
	b.uint32(0) // disk number
	b.uint32(0) // disk with central directory start
	b.uint64(recordCount)
	b.uint64(recordCount)
	b.uint64(dirSize)
	b.uint64(dirOffset)
	return buf
}

func encodeZip64Locator(zip64EOCDROffset uint64) []byte {
	buf := make([]byte, zip64LocatorLen)
	b := writeBuf(buf)
	b.uint32(sigZip64Locator)
	b.uint32(0) // disk with zip64 eocdr start
	b.uint64(zip64EOCDROffset)
	b.uint32(1) // total number of disks
	return buf
}

// encodeCentralDirectoryHeader encodes one entry's central directory
// record: signature, fixed fields, name, Zip64 extra (if needed), AES
// extra (if encrypted), any preserved user extras, and comment.
func encodeCentralDirectoryHeader(entry *EntryMeta) []byte {
	nameBytes := []byte(entry.Name)
	commentBytes := []byte(entry.Comment)

	var extra []byte
	zip64 := entry.CompressedSize >= uint32max || entry.UncompressedSize >= uint32max || entry.LocalHeaderOffset >= uint32max
	externalAttrs, creatorHighByte := externalAttrsFor(entry)
	versionMadeBy := creatorHighByte | uint16(versionStore)
	versionNeeded := entry.VersionNeeded
	if zip64 {
		versionMadeBy = creatorHighByte | uint16(versionZip64)
		if versionNeeded < versionZip64 {
			versionNeeded = versionZip64
		}
		payload := encodeZip64Extra(entry.UncompressedSize, entry.CompressedSize, entry.LocalHeaderOffset, true)
		extraField := make([]byte, extraHeaderLen+len(payload))
		eb := writeBuf(extraField)
		eb.uint16(zip64ExtraID)
		eb.uint16(uint16(len(payload)))
		eb.bytes(payload)
		extra = append(extra, extraField...)
	}
	if entry.Encrypted {
		payload := encodeAESExtra(entry.AESStrength, entry.AESInnerMethod)
		extraField := make([]byte, extraHeaderLen+len(payload))
		eb := writeBuf(extraField)
		eb.uint16(aesExtraID)
		eb.uint16(uint16(len(payload)))
		eb.bytes(payload)
		extra = append(extra, extraField...)
	}
	for _, tag := range entry.ExtraOrder {
		payload := entry.Extra[tag]
		extraField := make([]byte, extraHeaderLen+len(payload))
		eb := writeBuf(extraField)
		eb.uint16(tag)
		eb.uint16(uint16(len(payload)))
		eb.bytes(payload)
		extra = append(extra, extraField...)
	}

	buf := make([]byte, centralDirHeaderLen+len(nameBytes)+len(extra)+len(commentBytes))
	b := writeBuf(buf)
	b.uint32(sigCentralDirHeader)
	b.uint16(versionMadeBy)
	b.uint16(versionNeeded)
	b.uint16(entry.BitFlag)
	b.uint16(entry.CompressionMethod)
	date, dosTime := timeToMsDosTime(entry.Modified)
	b.uint16(dosTime)
	b.uint16(date)
	b.uint32(entry.CRC32)
	if zip64 {
		b.uint32(uint32max)
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(entry.CompressedSize))
		b.uint32(uint32(entry.UncompressedSize))
	}
	b.uint16(uint16(len(nameBytes)))
	b.uint16(uint16(len(extra)))
	b.uint16(uint16(len(commentBytes)))
	b.uint16(0) // disk number start
	b.uint16(0) // internal attributes
	b.uint32(externalAttrs)
	if entry.LocalHeaderOffset >= uint32max {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(entry.LocalHeaderOffset))
	}
	b.bytes(nameBytes)
	b.bytes(extra)
	b.bytes(commentBytes)
	return buf
}
