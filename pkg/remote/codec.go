package remote

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype carrying CBOR messages.
const CodecName = "cbor"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("remote: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	encoding.RegisterCodec(cborCodec{})
}

// cborCodec implements encoding.Codec with canonical CBOR.
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("remote: unmarshal: %w", err)
	}
	return nil
}

func (cborCodec) Name() string {
	return CodecName
}
