// Package compress provides the payload codecs the RPC client can apply to
// frame payloads. Each codec is identified by a one-byte ID carried in the
// frame header, so either side of a connection can decode whatever the
// other chose to send.
package compress

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
)

// ID identifies a codec on the wire. Zero is always "no compression".
type ID uint8

const (
	None   ID = 0
	Gzip   ID = 1
	Snappy ID = 2
	Zstd   ID = 3
)

// String implements fmt.Stringer.
func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compress.ID(%d)", uint8(id))
	}
}

// Codec compresses and decompresses frame payloads.
type Codec interface {
	// ID returns the wire identifier for this codec.
	ID() ID
	// Encode returns the compressed form of src.
	Encode(src []byte) ([]byte, error)
	// Decode returns the original form of compressed src.
	Decode(src []byte) ([]byte, error)
}

var (
	mu     sync.RWMutex
	codecs = map[ID]Codec{}
)

// Register adds or replaces the codec for its ID. Thread-safe; custom
// codecs can be registered alongside the built-ins.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[c.ID()] = c
}

// Lookup returns the codec for id, or nil if none is registered.
func Lookup(id ID) Codec {
	mu.RLock()
	defer mu.RUnlock()
	return codecs[id]
}

// Encode compresses src with the codec for id. None and empty payloads
// pass through untouched.
func Encode(id ID, src []byte) ([]byte, error) {
	if id == None || len(src) == 0 {
		return src, nil
	}
	c := Lookup(id)
	if c == nil {
		return nil, fmt.Errorf("compress: no codec registered for %v", id)
	}
	return c.Encode(src)
}

// Decode decompresses src with the codec for id. None and empty payloads
// pass through untouched.
func Decode(id ID, src []byte) ([]byte, error) {
	if id == None || len(src) == 0 {
		return src, nil
	}
	c := Lookup(id)
	if c == nil {
		return nil, fmt.Errorf("compress: no codec registered for %v", id)
	}
	return c.Decode(src)
}

func init() {
	Register(gzipCodec{})
	Register(snappyCodec{})
	Register(zstdCodec{})
}
