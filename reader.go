package zipflow

import (
	"bytes"
	"context"
)

// ReadOptions configures a single GetData call.
type ReadOptions struct {
	// Password unlocks a WinZip-AES protected entry. Ignored for
	// unencrypted entries.
	Password string
	// CheckSignature compares the CRC-32 of an unencrypted entry's
	// extracted bytes with the CRC-32 recorded in the central
	// directory. NewReadOptions sets it to true; the zero value leaves
	// it off. The HMAC-SHA1 tag of an encrypted entry is verified
	// whether or not it is set.
	CheckSignature bool
	// OnProgress, if set, is called after each chunk write completes
	// during extraction.
	OnProgress func(done, total uint64)
}

// NewReadOptions returns the default options: signature checking on,
// no password, no progress callback.
func NewReadOptions() ReadOptions {
	return ReadOptions{CheckSignature: true}
}

// ZipReader parses a ZIP container's central directory and serves
// per-entry extraction.
type ZipReader struct {
	r    Reader
	cfg  Config
	pool *workerPool

	initialized bool
	entries     []*EntryMeta
	byName      map[string]int
	comment     string
}

// NewReader constructs a reader over r with cfg (nil selects
// DefaultConfig()). Parsing is lazy: no bytes are read until Entries
// or GetData is called.
func NewReader(r Reader, cfg *Config) (*ZipReader, error) {
	c := cfg
	if c == nil {
		c = DefaultConfig()
	}
	normalized, err := c.normalized()
	if err != nil {
		return nil, err
	}
	return &ZipReader{r: r, cfg: normalized, pool: newWorkerPool(normalized.MaxWorkers)}, nil
}

// Entries returns the archive's entries in central-directory order,
// parsing the container on first call.
func (zr *ZipReader) Entries(ctx context.Context) ([]*EntryMeta, error) {
	if !zr.initialized {
		if err := zr.init(ctx); err != nil {
			return nil, err
		}
	}
	return zr.entries, nil
}

// Comment returns the archive-level comment from the EOCDR, parsing
// the container on first call.
func (zr *ZipReader) Comment(ctx context.Context) (string, error) {
	if !zr.initialized {
		if err := zr.init(ctx); err != nil {
			return "", err
		}
	}
	return zr.comment, nil
}

// eocdrSearchWindow bounds the backward scan for the EOCDR signature:
// the record itself (22 bytes) plus the largest possible comment
// (65535 bytes).
const eocdrSearchWindow = endCentralDirectoryLen + uint16max

func (zr *ZipReader) init(ctx context.Context) error {
	size := zr.r.Size()
	if size < endCentralDirectoryLen {
		return ErrEndOfCentralDirectoryNotFound
	}

	eocdrOffset, eocdr, err := zr.findEOCDR(ctx, size)
	if err != nil {
		return err
	}

	if eocdr.commentLen > 0 {
		commentBuf, err := zr.r.Read(ctx, eocdrOffset+endCentralDirectoryLen, int64(eocdr.commentLen))
		if err != nil {
			return err
		}
		zr.comment = string(commentBuf)
	}

	dirOffset := uint64(eocdr.dirOffset)
	dirLength := uint64(eocdr.dirLength)
	entryCount := uint64(eocdr.entryCount)

	if eocdr.dirLength == uint32max || eocdr.entryCount == uint16max {
		loc64Offset := eocdrOffset - zip64LocatorLen
		if loc64Offset < 0 {
			return ErrEndOfCentralDirectoryLocatorZip64NotFound
		}
		locBuf, err := zr.r.Read(ctx, loc64Offset, zip64LocatorLen)
		if err != nil {
			return err
		}
		b := readBuf(locBuf)
		if b.uint32() != sigZip64Locator {
			return ErrEndOfCentralDirectoryLocatorZip64NotFound
		}
		b.uint32() // disk number with zip64 eocdr start
		zip64EOCDROffset := int64(b.uint64())

		if zip64EOCDROffset < 0 || zip64EOCDROffset+zip64EndDirectoryLen > size {
			return ErrEndOfCentralDirectoryZip64NotFound
		}
		z64Buf, err := zr.r.Read(ctx, zip64EOCDROffset, zip64EndDirectoryLen)
		if err != nil {
			return err
		}
		zb := readBuf(z64Buf)
		if zb.uint32() != sigZip64EndDirectory {
			return ErrEndOfCentralDirectoryZip64NotFound
		}
		zb.uint64() // size of this record, excluding the leading 12 bytes
		zb.uint16() // version made by
		zb.uint16() // version needed
		zb.uint32() // number of this disk
		zb.uint32() // disk with start of central directory
		zb.uint64() // entries on this disk
		entryCount = zb.uint64()
		dirLength = zb.uint64()
		dirOffset = zb.uint64()
	}

	dirBuf, err := zr.r.Read(ctx, int64(dirOffset), int64(dirLength))
	if err != nil {
		return err
	}

	entries := make([]*EntryMeta, 0, entryCount)
	byName := make(map[string]int, entryCount)
	buf := readBuf(dirBuf)
	for i := uint64(0); i < entryCount; i++ {
		entry, err := decodeCentralDirectoryHeader(&buf)
		if err != nil {
			return err
		}
		byName[entry.Name] = len(entries)
		entries = append(entries, entry)
	}

	zr.entries = entries
	zr.byName = byName
	zr.initialized = true
	return nil
}

type eocdrFields struct {
	dirLength  uint32
	dirOffset  uint32
	entryCount uint32
	commentLen uint16
}

// findEOCDR locates the End-Of-Central-Directory Record, first
// probing the no-comment offset, then scanning backward through the
// maximum possible comment length.
func (zr *ZipReader) findEOCDR(ctx context.Context, size int64) (int64, eocdrFields, error) {
	if size >= endCentralDirectoryLen {
		probeOffset := size - endCentralDirectoryLen
		buf, err := zr.r.Read(ctx, probeOffset, endCentralDirectoryLen)
		if err == nil {
			b := readBuf(buf)
			if b.uint32() == sigEndCentralDirectory {
				return probeOffset, parseEOCDRFields(buf), nil
			}
		}
	}

	window := eocdrSearchWindow
	if int64(window) > size {
		window = int(size)
	}
	start := size - int64(window)
	if start < 0 {
		start = 0
	}
	block, err := zr.r.Read(ctx, start, size-start)
	if err != nil {
		return 0, eocdrFields{}, err
	}
	for i := len(block) - endCentralDirectoryLen; i >= 0; i-- {
		if block[i] == 'P' && block[i+1] == 'K' && block[i+2] == 0x05 && block[i+3] == 0x06 {
			commentLen := int(block[i+20]) | int(block[i+21])<<8
			if i+endCentralDirectoryLen+commentLen <= len(block) {
				return start + int64(i), parseEOCDRFields(block[i : i+endCentralDirectoryLen]), nil
			}
		}
	}
	return 0, eocdrFields{}, ErrEndOfCentralDirectoryNotFound
}

func parseEOCDRFields(buf []byte) eocdrFields {
	b := readBuf(buf)
	b.uint32() // signature
	b.uint16() // disk number
	b.uint16() // disk with central directory start
	entriesOnDisk := b.uint16()
	totalEntries := b.uint16()
	dirLength := b.uint32()
	dirOffset := b.uint32()
	commentLen := b.uint16()
	_ = entriesOnDisk
	return eocdrFields{dirLength: dirLength, dirOffset: dirOffset, entryCount: uint32(totalEntries), commentLen: commentLen}
}

// decodeCentralDirectoryHeader decodes one 46-byte-plus-variable
// central directory record from buf, advancing buf past it.
func decodeCentralDirectoryHeader(buf *readBuf) (*EntryMeta, error) {
	if len(*buf) < centralDirHeaderLen {
		return nil, ErrCentralDirectoryHeaderNotFound
	}
	start := *buf
	sig := start.uint32()
	if sig != sigCentralDirHeader {
		return nil, ErrCentralDirectoryHeaderNotFound
	}
	creatorVersion := start.uint16()
	versionNeeded := start.uint16()
	bitFlag := start.uint16()
	method := start.uint16()
	modTime := start.uint16()
	modDate := start.uint16()
	crc := start.uint32()
	compressedSize := start.uint32()
	uncompressedSize := start.uint32()
	nameLen := int(start.uint16())
	extraLen := int(start.uint16())
	commentLen := int(start.uint16())
	start.uint16() // disk number start
	start.uint16() // internal attributes
	externalAttrs := start.uint32()
	localHeaderOffset := start.uint32()

	if len(start) < nameLen+extraLen+commentLen {
		return nil, ErrCentralDirectoryHeaderNotFound
	}
	nameBytes := start.sub(nameLen)
	extraBytes := start.sub(extraLen)
	commentBytes := start.sub(commentLen)
	*buf = start

	nonUTF8 := bitFlag&flagUTF8 == 0
	var name, comment string
	if nonUTF8 {
		name = decodeCP437(nameBytes)
		comment = decodeCP437(commentBytes)
	} else {
		name = string(nameBytes)
		comment = string(commentBytes)
	}

	entry := &EntryMeta{
		Name:              name,
		Comment:           comment,
		VersionNeeded:     versionNeeded,
		BitFlag:           bitFlag,
		CompressionMethod: method,
		Modified:          msDosTimeToTime(modDate, modTime),
		CRC32:             crc,
		CompressedSize:    uint64(compressedSize),
		UncompressedSize:  uint64(uncompressedSize),
		LocalHeaderOffset: uint64(localHeaderOffset),
		Extra:             make(map[uint16][]byte),
		NonUTF8:           nonUTF8,
		CreatorVersion:    creatorVersion,
		Mode:              decodeMode(creatorVersion, externalAttrs),
	}
	entry.Directory = externalAttrs&(1<<4) != 0

	needUSize := uncompressedSize == uint32max
	needCSize := compressedSize == uint32max
	needOffset := localHeaderOffset == uint32max
	zip64Found := false

	eb := readBuf(extraBytes)
	for len(eb) >= extraHeaderLen {
		tag := eb.uint16()
		size := int(eb.uint16())
		if len(eb) < size {
			break
		}
		payload := eb.sub(size)
		switch tag {
		case zip64ExtraID:
			zip64Found = true
			uSize, cSize, offset, err := decodeZip64Extra(payload, needUSize, needCSize, needOffset)
			if err != nil {
				return nil, err
			}
			if needUSize {
				entry.UncompressedSize = uSize
			}
			if needCSize {
				entry.CompressedSize = cSize
			}
			if needOffset {
				entry.LocalHeaderOffset = offset
			}
		case aesExtraID:
			strength, innerMethod, err := decodeAESExtra(payload)
			if err != nil {
				return nil, err
			}
			if bitFlag&flagEncrypted != 0 {
				if strength != AESStrength3 {
					return nil, ErrUnsupportedEncryption
				}
				entry.Encrypted = true
				entry.AESStrength = strength
				entry.AESInnerMethod = innerMethod
				entry.CompressionMethod = innerMethod
			}
		default:
			entry.Extra[tag] = append([]byte(nil), payload...)
			entry.ExtraOrder = append(entry.ExtraOrder, tag)
		}
	}

	if (needUSize || needCSize || needOffset) && !zip64Found {
		return nil, ErrExtraFieldZip64NotFound
	}

	if bytes.HasSuffix(nameBytes, []byte("/")) {
		entry.Directory = true
	}

	return entry, nil
}
