package zipflow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // WinZip-AES authentication is specified as HMAC-SHA1, not a choice.
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aesSaltLen       = 16
	aesVerifierLen   = 2
	aesPreambleLen   = aesSaltLen + aesVerifierLen
	aesTagLen        = 10
	aesDerivedKeyLen = 66 // 32 (AES-256 key) + 32 (HMAC key) + 2 (verifier)
	aesPBKDF2Iter    = 1000
	aesBlockSize     = 16

	// AESStrength3 is the only WinZip-AES strength this package
	// implements: AES-256. Strengths 1 (AES-128) and 2 (AES-192) are
	// rejected.
	AESStrength3 uint8 = 3
)

// deriveAESKeyMaterial runs PBKDF2-HMAC-SHA1 over password and salt,
// splitting the 66-byte output into an AES-256 key, an HMAC-SHA1 key,
// and a 2-byte password verifier.
func deriveAESKeyMaterial(password string, salt []byte) (aesKey, hmacKey, verifier []byte) {
	derived := pbkdf2.Key([]byte(password), salt, aesPBKDF2Iter, aesDerivedKeyLen, sha1.New)
	return derived[0:32], derived[32:64], derived[64:66]
}

// incrementAESCounter advances a 128-bit little-endian counter by one.
// Carry propagates upward from byte 0; an overflow at byte 15 wraps to
// zero without carrying further, since there is no byte 16 to carry
// into. That is simply what a little-endian carry chain does at the
// last byte, and WinZip's reference implementation preserves it.
func incrementAESCounter(counter *[aesBlockSize]byte) {
	for i := 0; i < aesBlockSize; i++ {
		counter[i]++
		if counter[i] != 0 {
			return
		}
	}
}

// aesKeystreamBlock encrypts counter with block to produce one 16-byte
// keystream block, per WinZip-AES CTR mode (not crypto/cipher.NewCTR,
// whose big-endian counter increment is incompatible with this format).
func aesKeystreamBlock(block cipher.Block, counter [aesBlockSize]byte) [aesBlockSize]byte {
	var out [aesBlockSize]byte
	block.Encrypt(out[:], counter[:])
	return out
}

// aesEncryptor implements the write-side half of WinZip-AES: CTR
// encryption with a running HMAC-SHA1 tag over the emitted ciphertext.
type aesEncryptor struct {
	block   cipher.Block
	mac     *hmacState
	counter [aesBlockSize]byte
	pending []byte // buffered plaintext shorter than one block
}

// hmacState wraps hash.Hash so callers don't need to import crypto/hmac.
type hmacState struct {
	h interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func (s *hmacState) write(p []byte) { s.h.Write(p) }
func (s *hmacState) sum() []byte    { return s.h.Sum(nil) }

// newAESEncryptor creates an encryptor for password, generating a
// random 16-byte salt, and returns the 18-byte preamble (salt ‖
// verifier) to be written ahead of the ciphertext.
func newAESEncryptor(password string) (*aesEncryptor, []byte, error) {
	salt := make([]byte, aesSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("zipflow: generating aes salt: %w", err)
	}
	aesKey, hmacKey, verifier := deriveAESKeyMaterial(password, salt)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("zipflow: creating aes cipher: %w", err)
	}
	e := &aesEncryptor{
		block: block,
		mac:   &hmacState{h: hmac.New(sha1.New, hmacKey)},
	}
	e.counter[0] = 1
	preamble := make([]byte, 0, aesPreambleLen)
	preamble = append(preamble, salt...)
	preamble = append(preamble, verifier...)
	return e, preamble, nil
}

// append encrypts as many complete 16-byte blocks of buffered+p as
// possible, returning the ciphertext produced. Any trailing remainder
// shorter than one block is buffered for the next call or flush.
func (e *aesEncryptor) append(p []byte) []byte {
	e.pending = append(e.pending, p...)
	nBlocks := len(e.pending) / aesBlockSize
	out := make([]byte, 0, nBlocks*aesBlockSize)
	for i := 0; i < nBlocks; i++ {
		block := e.pending[i*aesBlockSize : (i+1)*aesBlockSize]
		keystream := aesKeystreamBlock(e.block, e.counter)
		cipherBlock := make([]byte, aesBlockSize)
		for j := range cipherBlock {
			cipherBlock[j] = block[j] ^ keystream[j]
		}
		out = append(out, cipherBlock...)
		incrementAESCounter(&e.counter)
	}
	e.mac.write(out)
	e.pending = append([]byte(nil), e.pending[nBlocks*aesBlockSize:]...)
	return out
}

// flush encrypts any buffered partial block and returns the final
// ciphertext bytes followed by the 10-byte truncated HMAC-SHA1 tag.
func (e *aesEncryptor) flush() []byte {
	var out []byte
	if len(e.pending) > 0 {
		keystream := aesKeystreamBlock(e.block, e.counter)
		final := make([]byte, len(e.pending))
		for j := range final {
			final[j] = e.pending[j] ^ keystream[j]
		}
		e.mac.write(final)
		out = final
		e.pending = nil
	}
	tag := e.mac.sum()[:aesTagLen]
	return append(out, tag...)
}

// aesDecryptor implements the read-side half of WinZip-AES.
type aesDecryptor struct {
	block   cipher.Block
	mac     *hmacState
	counter [aesBlockSize]byte
	// tail buffers ciphertext bytes not yet known to precede the final
	// tag; once at least aesTagLen bytes have been seen it always holds
	// at least aesTagLen bytes, since those trailing bytes might turn
	// out to be the tag rather than ciphertext.
	tail []byte
}

// newAESDecryptor creates a decryptor for password given the 18-byte
// preamble read from the stream. It returns ErrInvalidPassword if the
// derived verifier does not match the preamble's verifier.
func newAESDecryptor(password string, preamble []byte) (*aesDecryptor, error) {
	if len(preamble) != aesPreambleLen {
		return nil, fmt.Errorf("%w: aes preamble must be %d bytes", ErrBadFormat, aesPreambleLen)
	}
	salt := preamble[:aesSaltLen]
	wantVerifier := preamble[aesSaltLen:]
	aesKey, hmacKey, verifier := deriveAESKeyMaterial(password, salt)
	if !hmac.Equal(verifier, wantVerifier) {
		return nil, ErrInvalidPassword
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("zipflow: creating aes cipher: %w", err)
	}
	d := &aesDecryptor{
		block: block,
		mac:   &hmacState{h: hmac.New(sha1.New, hmacKey)},
	}
	d.counter[0] = 1
	return d, nil
}

// append accepts the next chunk of ciphertext (following the
// preamble), decrypts as many complete blocks as can be safely
// released while still holding back the final aesTagLen bytes, and
// returns the plaintext produced.
func (d *aesDecryptor) append(p []byte) []byte {
	d.tail = append(d.tail, p...)
	if len(d.tail) <= aesTagLen {
		return nil
	}
	available := len(d.tail) - aesTagLen
	nBlocks := available / aesBlockSize
	processable := nBlocks * aesBlockSize
	if processable == 0 {
		return nil
	}
	ciphertext := d.tail[:processable]
	out := make([]byte, processable)
	for i := 0; i < nBlocks; i++ {
		block := ciphertext[i*aesBlockSize : (i+1)*aesBlockSize]
		keystream := aesKeystreamBlock(d.block, d.counter)
		for j := 0; j < aesBlockSize; j++ {
			out[i*aesBlockSize+j] = block[j] ^ keystream[j]
		}
		incrementAESCounter(&d.counter)
	}
	d.mac.write(ciphertext)
	d.tail = append([]byte(nil), d.tail[processable:]...)
	return out
}

// flush decrypts the remaining buffered block (0-15 ciphertext bytes)
// and verifies the 10-byte tag. Returns ErrInvalidSignature on
// mismatch.
func (d *aesDecryptor) flush() ([]byte, error) {
	if len(d.tail) < aesTagLen {
		return nil, fmt.Errorf("%w: truncated aes tag", ErrBadFormat)
	}
	tag := d.tail[len(d.tail)-aesTagLen:]
	partial := d.tail[:len(d.tail)-aesTagLen]
	d.mac.write(partial)
	computed := d.mac.sum()[:aesTagLen]
	if !hmac.Equal(computed, tag) {
		return nil, ErrInvalidSignature
	}
	if len(partial) == 0 {
		return nil, nil
	}
	keystream := aesKeystreamBlock(d.block, d.counter)
	out := make([]byte, len(partial))
	for j := range out {
		out[j] = partial[j] ^ keystream[j]
	}
	return out, nil
}
