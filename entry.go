package zipflow

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// EntryMeta describes one file within a ZIP container. Sizes and the
// local header offset are logically uint64; on the wire they are
// stored as uint32 with a 0xFFFFFFFF sentinel
// that escalates to the 0x0001 Zip64 extra field.
type EntryMeta struct {
	Name      string
	Comment   string
	Directory bool

	VersionNeeded     uint16
	BitFlag           uint16
	CompressionMethod uint16 // logical method: 0, 8 (99 decodes to the AES inner method)
	Modified          time.Time
	CRC32             uint32

	CompressedSize    uint64
	UncompressedSize  uint64
	LocalHeaderOffset uint64

	// Extra holds extra-field tags this package does not interpret
	// itself (anything other than 0x0001/0x9901), preserved verbatim
	// on round-trip, keyed by tag in first-seen order via ExtraOrder.
	Extra      map[uint16][]byte
	ExtraOrder []uint16

	// Password-protection state, decoded from/encoded to the 0x9901
	// WinZip-AES extra field. Not part of the public wire Extra map.
	Encrypted    bool
	AESStrength  uint8
	AESInnerMethod uint16

	NonUTF8 bool

	// Mode carries the Unix permission and file-type bits, preserved in
	// the central directory record's external attributes field when
	// CreatorVersion's high byte identifies a Unix-writing tool. Zero
	// value (no bits set, creator FAT) means "not recorded" rather than
	// "mode 0".
	Mode           os.FileMode
	CreatorVersion uint16
}

func (e *EntryMeta) commentBytes() []byte { return []byte(e.Comment) }

func (e *EntryMeta) nameBytes() []byte { return []byte(e.Name) }

// isZip64 reports whether any of the three sentinel-eligible fields
// require the Zip64 extra field to represent their true value.
func (e *EntryMeta) isZip64(offset uint64) bool {
	return e.CompressedSize >= uint32max || e.UncompressedSize >= uint32max || offset >= uint32max
}

// validateName checks the invariants Name must satisfy: unique
// (checked by the caller, which owns the name map), and a directory
// entry's name must end in "/".
func validateName(name string, directory bool) error {
	if directory && !strings.HasSuffix(name, "/") {
		return fmt.Errorf("zipflow: directory entry %q must end with \"/\"", name)
	}
	if len(name) > uint16max {
		return fmt.Errorf("zipflow: entry name %q exceeds %d bytes", name, uint16max)
	}
	return nil
}

// encodeZip64Extra packs the Zip64 extra payload: uncompressed size
// and compressed size, followed by the local header offset when
// includeOffset is set (24 bytes with the offset, 16 without). Both
// sizes are always written, whether or not their 32-bit fields are
// sentineled.
func encodeZip64Extra(uncompressed, compressed, offset uint64, includeOffset bool) []byte {
	n := 16
	if includeOffset {
		n = 24
	}
	buf := make([]byte, n)
	b := writeBuf(buf)
	b.uint64(uncompressed)
	b.uint64(compressed)
	if includeOffset {
		b.uint64(offset)
	}
	return buf
}

// decodeZip64Extra unpacks the Zip64 extra payload. ZIP64 extras may
// carry any subset of {uncompressed, compressed, offset} depending on
// which 32-bit fields were sentineled; the caller tells us how many
// are expected, in the fixed order this format always uses.
func decodeZip64Extra(payload []byte, needUncompressed, needCompressed, needOffset bool) (uncompressed, compressed, offset uint64, err error) {
	b := readBuf(payload)
	if needUncompressed {
		if len(b) < 8 {
			return 0, 0, 0, ErrExtraFieldZip64NotFound
		}
		uncompressed = b.uint64()
	}
	if needCompressed {
		if len(b) < 8 {
			return 0, 0, 0, ErrExtraFieldZip64NotFound
		}
		compressed = b.uint64()
	}
	if needOffset {
		if len(b) < 8 {
			return 0, 0, 0, ErrExtraFieldZip64NotFound
		}
		offset = b.uint64()
	}
	return uncompressed, compressed, offset, nil
}

// encodeAESExtra packs the WinZip-AES 0x9901 extra payload: vendor
// version (2, "AE-2" semantics — CRC not checked), vendor id "AE",
// strength, inner compression method.
func encodeAESExtra(strength uint8, innerMethod uint16) []byte {
	buf := make([]byte, 7)
	b := writeBuf(buf)
	b.uint16(2) // vendor version AE-2
	b.bytes([]byte("AE"))
	b.uint8(strength)
	b.uint16(innerMethod)
	return buf
}

// decodeAESExtra unpacks the WinZip-AES 0x9901 extra payload.
func decodeAESExtra(payload []byte) (strength uint8, innerMethod uint16, err error) {
	if len(payload) != 7 {
		return 0, 0, fmt.Errorf("%w: aes extra field must be 7 bytes", ErrBadFormat)
	}
	b := readBuf(payload)
	b.uint16() // vendor version, not checked
	vendorID := b.sub(2)
	if string(vendorID) != "AE" {
		return 0, 0, fmt.Errorf("%w: unexpected aes vendor id %q", ErrBadFormat, vendorID)
	}
	strength = b.uint8()
	innerMethod = b.uint16()
	return strength, innerMethod, nil
}

// Unix external-attribute constants. The central directory's
// external-attributes field carries Unix permission and file-type bits
// when the creator version names a Unix writer; a reader that ignores
// it silently drops information real archives carry.
const (
	creatorFAT  = 0
	creatorUnix = 3

	unixIFMT   = 0xf000
	unixIFLNK  = 0xa000
	unixIFREG  = 0x8000
	unixIFDIR  = 0x4000
	unixISUID  = 0x800
	unixISGID  = 0x400
	unixISVTX  = 0x200
	msdosDir      = 0x10
	msdosReadOnly = 0x01
)

// externalAttrsFor packs entry's directory bit and, when Mode is set,
// its Unix permission bits into the central directory's external
// attributes field, alongside a creator version whose high byte
// identifies the convention used.
func externalAttrsFor(entry *EntryMeta) (externalAttrs uint32, creatorVersion uint16) {
	creatorVersion = uint16(creatorFAT) << 8
	if entry.Mode != 0 {
		creatorVersion = uint16(creatorUnix) << 8
		externalAttrs = fileModeToUnixAttrs(entry.Mode) << 16
		if entry.Mode&os.ModeDir != 0 {
			externalAttrs |= msdosDir
		}
		if entry.Mode&0200 == 0 {
			externalAttrs |= msdosReadOnly
		}
	}
	if entry.Directory {
		externalAttrs |= 1 << 4
	}
	return externalAttrs, creatorVersion
}

// decodeMode reverses externalAttrsFor, recovering Mode only when the
// creator version's high byte names a Unix writer; other creators
// (FAT, NTFS, ...) leave Mode at its zero value.
func decodeMode(creatorVersion uint16, externalAttrs uint32) os.FileMode {
	if creatorVersion>>8 != creatorUnix {
		return 0
	}
	return unixAttrsToFileMode(externalAttrs >> 16)
}

func fileModeToUnixAttrs(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = unixIFREG
	case os.ModeDir:
		m = unixIFDIR
	case os.ModeSymlink:
		m = unixIFLNK
	}
	if mode&os.ModeSetuid != 0 {
		m |= unixISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unixISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unixISVTX
	}
	return m | uint32(mode&0777)
}

func unixAttrsToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & unixIFMT {
	case unixIFDIR:
		mode |= os.ModeDir
	case unixIFLNK:
		mode |= os.ModeSymlink
	}
	if m&unixISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unixISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unixISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
