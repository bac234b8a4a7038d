// Package digest provides the block and whole-file checksums sent along with block uploads.
package digest

import (
	"crypto/md5"
	_ "crypto/sha256" // registers the hash used by the go-digest SHA256 digester
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm names a supported checksum.
type Algorithm string

const (
	// MD5 is the checksum the storage service validates through Content-MD5.
	MD5 Algorithm = "md5"
	// SHA256 can be requested for the whole-file digest.
	SHA256 Algorithm = "sha256"
)

// Digest is a finalized checksum.
type Digest []byte

// Base64 returns the standard base64 encoding used in request headers.
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d)
}

// Hex returns the lowercase hex encoding.
func (d Digest) Hex() string {
	return hex.EncodeToString(d)
}

// Hasher accumulates a digest over appended chunks. Chunk order matters.
type Hasher struct {
	algorithm Algorithm
	h         hash.Hash
	// digester is set for the algorithms go-digest knows about.
	digester godigest.Digester
}

// New returns a Hasher for the given algorithm.
func New(algorithm Algorithm) (*Hasher, error) {
	switch algorithm {
	case MD5, "":
		return &Hasher{algorithm: MD5, h: md5.New()}, nil
	case SHA256:
		if !godigest.SHA256.Available() {
			return nil, fmt.Errorf("digest algorithm not available: %s", algorithm)
		}
		d := godigest.SHA256.Digester()
		return &Hasher{algorithm: SHA256, h: d.Hash(), digester: d}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}

// Append feeds p into the digest and returns the Hasher for chaining.
func (h *Hasher) Append(p []byte) *Hasher {
	// hash.Hash.Write never returns an error
	_, _ = h.h.Write(p)
	return h
}

// Finalize returns the digest of everything appended so far.
func (h *Hasher) Finalize() Digest {
	return h.h.Sum(nil)
}

// ContentDigest returns the digest in "algorithm:hex" form, e.g. "sha256:9f86d0...".
func (h *Hasher) ContentDigest() godigest.Digest {
	if h.digester != nil {
		return h.digester.Digest()
	}
	return godigest.NewDigestFromEncoded(godigest.Algorithm(h.algorithm), h.Finalize().Hex())
}

// Algorithm returns the algorithm of the Hasher.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// BlockMD5 returns the one-shot MD5 of a single block.
func BlockMD5(data []byte) Digest {
	sum := md5.Sum(data)
	return sum[:]
}

// Sum returns the one-shot digest of data.
func Sum(algorithm Algorithm, data []byte) (Digest, error) {
	h, err := New(algorithm)
	if err != nil {
		return nil, err
	}
	return h.Append(data).Finalize(), nil
}
