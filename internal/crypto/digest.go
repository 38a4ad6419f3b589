package crypto

import (
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/and161185/provenance/internal/model"
)

// Digest returns the Keccak-256 digest of data. It is the opaque producer
// behind every attestation and certification hash the service derives itself.
func Digest(data []byte) model.Digest {
	var d model.Digest
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	h.Sum(d[:0])
	return d
}

// DigestString is Digest over the UTF-8 bytes of s.
func DigestString(s string) model.Digest { return Digest([]byte(s)) }

// DigestReader streams r into a Keccak-256 digest.
func DigestReader(r io.Reader) (model.Digest, error) {
	var d model.Digest
	h := sha3.NewLegacyKeccak256()
	if _, err := io.Copy(h, r); err != nil {
		return d, err
	}
	h.Sum(d[:0])
	return d, nil
}
