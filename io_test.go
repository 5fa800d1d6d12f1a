package zipflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contextCheckingReaderAt struct {
	r io.ReaderAt
	f func(ctx context.Context)
}

func (a contextCheckingReaderAt) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	a.f(ctx)
	return a.r.ReadAt(p, off)
}

func TestMultiReaderAtReadAtContext(t *testing.T) {
	tests := []struct {
		name           string
		parts          []string
		offset         int64
		size           int64
		expectedResult string
		expectedError  string
	}{
		{name: "empty", size: 0, expectedResult: ""},
		{name: "empty size out of bounds", size: 1, expectedError: "EOF"},
		{name: "empty offset out of bounds", offset: 1, size: 1, expectedError: "EOF"},
		{name: "single part full", parts: []string{"abcdefgh"}, size: 8, expectedResult: "abcdefgh"},
		{name: "single part start", parts: []string{"abcdefgh"}, size: 3, expectedResult: "abc"},
		{name: "single part middle", parts: []string{"abcdefgh"}, offset: 3, size: 3, expectedResult: "def"},
		{name: "single part end", parts: []string{"abcdefgh"}, offset: 4, size: 4, expectedResult: "efgh"},
		{name: "single part size out of bounds", parts: []string{"abcdefgh"}, offset: 4, size: 10, expectedResult: "efgh", expectedError: "EOF"},
		{name: "single part empty", parts: []string{"abcdefgh"}, expectedResult: ""},
		{name: "multiple parts full", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, size: 19, expectedResult: "abcdefghijklmnopqrs"},
		{name: "multiple parts beginning", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, size: 4, expectedResult: "abcd"},
		{name: "multiple parts beginning 2", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, size: 10, expectedResult: "abcdefghij"},
		{name: "multiple parts middle 1", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 9, size: 3, expectedResult: "jkl"},
		{name: "multiple parts middle 2", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 6, size: 4, expectedResult: "ghij"},
		{name: "multiple parts middle 3", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 6, size: 10, expectedResult: "ghijklmnop"},
		{name: "multiple parts end", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 6, size: 13, expectedResult: "ghijklmnopqrs"},
		{name: "multiple parts end 2", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 15, size: 4, expectedResult: "pqrs"},
		{name: "multiple parts size out of bounds", parts: []string{"abcdefgh", "ijklm", "nopqrs"}, offset: 6, size: 30, expectedResult: "ghijklmnopqrs", expectedError: "EOF"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			type contextKey struct{}
			ctx := context.WithValue(context.Background(), contextKey{}, tc.name)

			var mcr multiReaderAt
			for _, part := range tc.parts {
				part := part
				reader := contextCheckingReaderAt{
					r: bytes.NewReader([]byte(part)),
					f: func(ctx context.Context) {
						assert.Equal(t, tc.name, ctx.Value(contextKey{}))
					},
				}
				mcr.add(reader, int64(len(part)))
			}

			p := make([]byte, tc.size)
			n, err := mcr.ReadAtContext(ctx, p, tc.offset)
			require.GreaterOrEqual(t, n, 0)
			require.LessOrEqual(t, n, len(p))
			assert.Equal(t, tc.expectedResult, string(p[:n]))
			if n < len(p) {
				assert.Error(t, err)
			}
			if tc.expectedError == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.expectedError, err.Error())
			}
		})
	}
}

type readWithError struct {
	data []byte
	err  error
}

func (r readWithError) ReadAtContext(_ context.Context, p []byte, _ int64) (int, error) {
	return copy(p, r.data), r.err
}

func TestMultiReaderAtReadAtContextError(t *testing.T) {
	myError := errors.New("my error")
	var mcr multiReaderAt
	mcr.add(ignoreContext{r: bytes.NewReader([]byte("abc"))}, 3)
	mcr.add(readWithError{data: []byte("def"), err: myError}, 10)
	mcr.add(ignoreContext{r: bytes.NewReader([]byte("opqrst"))}, 6)

	p := make([]byte, 10)
	n, err := mcr.ReadAtContext(context.Background(), p, 1)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, myError)
}
