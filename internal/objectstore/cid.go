package objectstore

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/minio/sha256-simd"

	"github.com/medvault/custody/internal/custodyerr"
)

// computeCID derives the CIDv1 for data locally, the same way a remote
// gateway would, so a caller can compare the gateway's reported hash
// against the locally computed one instead of trusting it blindly.
func computeCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", custodyerr.Wrap(custodyerr.StorageError, "CID_COMPUTE_FAILED", "compute multihash", err)
	}
	c := cid.NewCidV1(cid.Raw, sum)
	return c.String(), nil
}

// contentHash computes the hex SHA-256 digest of plaintext using the
// accelerated implementation, matching the put algorithm's content_hash.
func contentHash(plaintext []byte) string {
	h := sha256.Sum256(plaintext)
	return hexEncode(h[:])
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
