package zipflow

import "errors"

// Format errors, returned when the container bytes do not match the
// ZIP wire format this package understands.
var (
	ErrBadFormat                              = errors.New("zipflow: bad format")
	ErrEndOfCentralDirectoryNotFound           = errors.New("zipflow: end of central directory record not found")
	ErrEndOfCentralDirectoryZip64NotFound      = errors.New("zipflow: zip64 end of central directory record not found")
	ErrEndOfCentralDirectoryLocatorZip64NotFound = errors.New("zipflow: zip64 end of central directory locator not found")
	ErrCentralDirectoryHeaderNotFound          = errors.New("zipflow: central directory header not found")
	ErrLocalFileHeaderNotFound                 = errors.New("zipflow: local file header not found")
	ErrExtraFieldZip64NotFound                 = errors.New("zipflow: zip64 extra field not found for sentinel size")
)

// Unsupported-feature errors.
var (
	ErrUnsupportedCompression = errors.New("zipflow: unsupported compression method")
	ErrUnsupportedEncryption  = errors.New("zipflow: unsupported encryption strength")
	ErrEncrypted              = errors.New("zipflow: entry is encrypted and no password was supplied")
)

// Cryptographic errors.
var (
	ErrInvalidPassword  = errors.New("zipflow: invalid password")
	ErrInvalidSignature = errors.New("zipflow: invalid signature")
)

// Contract errors.
var (
	ErrDuplicatedName       = errors.New("zipflow: duplicated entry name")
	ErrZipFileCommentTooLarge = errors.New("zipflow: zip file comment too large")
	ErrFileEntryCommentTooLarge = errors.New("zipflow: file entry comment too large")
	ErrConfigConflict       = errors.New("zipflow: worker_scripts and worker_scripts_path are mutually exclusive")
)
