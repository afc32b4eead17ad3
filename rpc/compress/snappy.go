package compress

import (
	"github.com/golang/snappy"
)

// snappyCodec trades compression ratio for speed; it is the right default
// for latency-sensitive RPC payloads.
type snappyCodec struct{}

func (snappyCodec) ID() ID { return Snappy }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}
