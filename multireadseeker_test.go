package zipflow

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestChunks() *entryChunks {
	var e entryChunks
	e.addBytes([]byte{1, 2, 3})
	e.addBytes([]byte{4, 5, 6, 7, 8, 9, 10})
	e.addBytes([]byte{11, 12, 13, 14, 15, 16, 17})
	return &e
}

func TestEntryChunksRead(t *testing.T) {
	e := buildTestChunks()
	read, err := io.ReadAll(e.reader())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}, read)
	assert.EqualValues(t, 17, e.size())
}

func TestEntryChunksReadEmpty(t *testing.T) {
	var e entryChunks
	e.addBytes(nil)
	read, err := io.ReadAll(e.reader())
	require.NoError(t, err)
	assert.Empty(t, read)
	assert.EqualValues(t, 0, e.size())
}

func TestEntryChunksReadSmallBuffer(t *testing.T) {
	e := buildTestChunks()
	r := e.reader()
	var out []byte
	buf := make([]byte, 4)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}, out)
}
