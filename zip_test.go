package zipflow

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	name string
	data []byte
	opts AddOptions
}

func writeTestArchive(t *testing.T, entries []testEntry) Sink {
	t.Helper()
	ctx := context.Background()
	w, err := NewWriter(NewMemoryWriter(), nil)
	require.NoError(t, err)
	for _, e := range entries {
		src := NewReaderAt(bytes.NewReader(e.data), int64(len(e.data)))
		require.NoError(t, w.Add(ctx, e.name, src, uint64(len(e.data)), e.opts))
	}
	sink, err := w.Close(ctx, CloseOptions{})
	require.NoError(t, err)
	return sink
}

func openTestArchive(t *testing.T, sink Sink) *ZipReader {
	t.Helper()
	r, err := NewReader(NewReaderAt(sink, sink.Size()), nil)
	require.NoError(t, err)
	return r
}

func extractEntry(t *testing.T, zr *ZipReader, entry *EntryMeta, opts ReadOptions) ([]byte, error) {
	t.Helper()
	mw := NewMemoryWriter()
	if err := zr.GetData(context.Background(), entry, mw, opts); err != nil {
		return nil, err
	}
	sink, err := mw.Data()
	require.NoError(t, err)
	buf := make([]byte, sink.Size())
	_, err = sink.ReadAt(buf, 0)
	if err != nil && err.Error() != "EOF" {
		require.NoError(t, err)
	}
	return buf, nil
}

func findEntry(t *testing.T, zr *ZipReader, name string) *EntryMeta {
	t.Helper()
	entries, err := zr.Entries(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("entry %q not found", name)
	return nil
}

func sinkBytes(t *testing.T, sink Sink) []byte {
	t.Helper()
	buf := make([]byte, sink.Size())
	_, err := sink.ReadAt(buf, 0)
	require.True(t, err == nil || err.Error() == "EOF")
	return buf
}

// S1: store round-trip.
func TestScenarioStoreRoundTrip(t *testing.T) {
	sink := writeTestArchive(t, []testEntry{
		{name: "hello.txt", data: []byte("hello"), opts: AddOptions{Level: 0}},
	})
	zr := openTestArchive(t, sink)
	entry := findEntry(t, zr, "hello.txt")
	assert.Equal(t, MethodStore, entry.CompressionMethod)

	data, err := extractEntry(t, zr, entry, NewReadOptions())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint32(0x3610A686), entry.CRC32)
}

// S2: deflate round-trip.
func TestScenarioDeflateRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, 1024)
	sink := writeTestArchive(t, []testEntry{
		{name: "a.bin", data: payload, opts: AddOptions{Level: 5}},
	})
	zr := openTestArchive(t, sink)
	entry := findEntry(t, zr, "a.bin")
	assert.Equal(t, MethodDeflate, entry.CompressionMethod)
	assert.Less(t, entry.CompressedSize, uint64(20))

	data, err := extractEntry(t, zr, entry, NewReadOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

// S3: AES round-trip, and wrong password fails.
func TestScenarioAESRoundTrip(t *testing.T) {
	sink := writeTestArchive(t, []testEntry{
		{name: "secret.txt", data: []byte("top secret"), opts: AddOptions{Level: 6, Password: "hunter2"}},
	})
	zr := openTestArchive(t, sink)
	entry := findEntry(t, zr, "secret.txt")

	// The header records method 99; the decoded entry reports the inner method.
	lfh := sinkBytes(t, sink)[entry.LocalHeaderOffset:]
	assert.Equal(t, MethodAES, uint16(lfh[8])|uint16(lfh[9])<<8)
	assert.Equal(t, AESStrength3, entry.AESStrength)
	assert.Equal(t, MethodDeflate, entry.AESInnerMethod)
	assert.NotZero(t, entry.BitFlag&flagEncrypted)

	opts := NewReadOptions()
	opts.Password = "hunter2"
	data, err := extractEntry(t, zr, entry, opts)
	require.NoError(t, err)
	assert.Equal(t, []byte("top secret"), data)

	opts.Password = "hunter3"
	_, err = extractEntry(t, zr, entry, opts)
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

// S4: Zip64 auto-promotion with a large entry count.
func TestScenarioZip64EntryCount(t *testing.T) {
	const count = 70000
	entries := make([]testEntry, count)
	for i := range entries {
		entries[i] = testEntry{name: fmt.Sprintf("f%05d", i), opts: AddOptions{Level: 0}}
	}
	sink := writeTestArchive(t, entries)

	zr := openTestArchive(t, sink)
	got, err := zr.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, got, count)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("f%05d", i), e.Name)
	}
}

// S5: garbage input is rejected as a format error.
func TestScenarioBadEOCDR(t *testing.T) {
	garbage := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	r, err := NewReader(NewReaderAt(bytes.NewReader(garbage), int64(len(garbage))), nil)
	require.NoError(t, err)
	_, err = r.Entries(context.Background())
	assert.ErrorIs(t, err, ErrEndOfCentralDirectoryNotFound)
}

// S6: tampering with encrypted ciphertext is detected via the HMAC tag.
func TestScenarioTamperedCiphertext(t *testing.T) {
	sink := writeTestArchive(t, []testEntry{
		{name: "x", data: bytes.Repeat([]byte{7}, 64), opts: AddOptions{Level: 6, Password: "hunter2"}},
	})
	buf := sinkBytes(t, sink)

	zr := openTestArchive(t, &memorySink{buf: buf})
	entry := findEntry(t, zr, "x")

	// Flip a byte squarely inside the ciphertext region, well after the
	// local header, name, and AES preamble.
	flipAt := int64(entry.LocalHeaderOffset) + localFileHeaderLen + int64(len("x")) + aesPreambleLen + 4
	buf[flipAt] ^= 0xFF

	zr2 := openTestArchive(t, &memorySink{buf: buf})
	entry2 := findEntry(t, zr2, "x")
	opts := NewReadOptions()
	opts.Password = "hunter2"
	_, err := extractEntry(t, zr2, entry2, opts)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

// Invariant 9: duplicate name is rejected and leaves prior state intact.
func TestDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	w, err := NewWriter(NewMemoryWriter(), nil)
	require.NoError(t, err)

	src := NewReaderAt(bytes.NewReader([]byte("one")), 3)
	require.NoError(t, w.Add(ctx, "dup", src, 3, AddOptions{Level: 0}))

	src2 := NewReaderAt(bytes.NewReader([]byte("two")), 3)
	err = w.Add(ctx, "dup", src2, 3, AddOptions{Level: 0})
	assert.ErrorIs(t, err, ErrDuplicatedName)
	assert.Len(t, w.entries, 1)
}

// Invariant 10: directory entries get a trailing slash, no payload, and
// the directory external-attribute bit.
func TestDirectoryEntry(t *testing.T) {
	sink := writeTestArchive(t, []testEntry{
		{name: "d/", opts: AddOptions{Directory: true}},
	})
	zr := openTestArchive(t, sink)
	entry := findEntry(t, zr, "d/")
	assert.True(t, entry.Directory)
	assert.Zero(t, entry.UncompressedSize)
}

// Invariant 5: flipping a byte in an unencrypted entry's payload is
// caught by CRC verification on extract.
func TestCRCDetectsCorruption(t *testing.T) {
	sink := writeTestArchive(t, []testEntry{
		{name: "y", data: []byte("corrupt me please"), opts: AddOptions{Level: 0}},
	})
	buf := sinkBytes(t, sink)

	zr := openTestArchive(t, &memorySink{buf: buf})
	entry := findEntry(t, zr, "y")
	flipAt := int64(entry.LocalHeaderOffset) + localFileHeaderLen + int64(len("y"))
	buf[flipAt] ^= 0xFF

	zr2 := openTestArchive(t, &memorySink{buf: buf})
	entry2 := findEntry(t, zr2, "y")
	_, err := extractEntry(t, zr2, entry2, NewReadOptions())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
