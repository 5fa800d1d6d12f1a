package zipflow

import "hash/crc32"

// crc32State is a rolling CRC-32/IEEE-802.3 accumulator that the codec
// pipeline feeds chunk by chunk as payload bytes flow through it,
// rather than requiring the whole entry in memory at once.
type crc32State struct {
	h hash32
}

// hash32 is the subset of hash.Hash32 this package relies on.
type hash32 interface {
	Write(p []byte) (int, error)
	Sum32() uint32
}

func newCRC32() *crc32State {
	return &crc32State{h: crc32.NewIEEE()}
}

func (c *crc32State) Append(p []byte) {
	c.h.Write(p)
}

func (c *crc32State) Sum() uint32 {
	return c.h.Sum32()
}
