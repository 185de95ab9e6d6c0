// Package identity computes content identities for captured artifacts: a full
// streaming digest, and a fixed-cost fingerprint that samples large files at
// evenly spaced offsets.
package identity

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Algorithm names a digest algorithm.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA256  Algorithm = "sha256"
	Blake2b Algorithm = "blake2b"
	Blake3  Algorithm = "blake3"
)

const (
	// DefaultAlgorithm is used for full-content hashes. The ledger stores it
	// in the file_md5 column.
	DefaultAlgorithm = MD5

	// DefaultSampleBytes is the total number of bytes a fingerprint reads
	// from a large file.
	DefaultSampleBytes = 64 * 1024
	// DefaultChunks is the number of evenly spaced samples.
	DefaultChunks = 4

	readChunk = 4 * 1024
)

// ParseAlgorithm returns the algorithm named s. The empty string selects
// DefaultAlgorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return DefaultAlgorithm, nil
	case MD5, SHA256, Blake2b, Blake3:
		return a, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q: %w", s, errors.ErrInvalidArgument)
	}
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case Blake2b:
		return blake2b.New256(nil)
	case Blake3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q: %w", string(a), errors.ErrInvalidArgument)
	}
}

// HashReader streams r through the algorithm in fixed-size chunks and returns
// the hex digest.
func HashReader(r io.Reader, alg Algorithm) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	buf := make([]byte, readChunk)
	if _, err := io.CopyBuffer(onlyWriter{h}, onlyReader{r}, buf); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex digest of b.
func HashBytes(b []byte, alg Algorithm) (string, error) {
	return HashReader(bytes.NewReader(b), alg)
}

// HashFile returns the full hex digest of the file at path.
func HashFile(fs afero.Fs, path string, alg Algorithm) (string, error) {
	f, err := open(fs, path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f, alg)
}

// FingerprintOptions configures Fingerprint. SampleBytes and Chunks are used
// as given; start from DefaultFingerprintOptions for the usual parameters.
// An empty Algorithm selects Blake3.
type FingerprintOptions struct {
	SampleBytes int64
	Chunks      int
	Algorithm   Algorithm
}

// DefaultFingerprintOptions samples 64 KiB in 4 chunks with BLAKE3.
func DefaultFingerprintOptions() FingerprintOptions {
	return FingerprintOptions{SampleBytes: DefaultSampleBytes, Chunks: DefaultChunks, Algorithm: Blake3}
}

// Fingerprint returns a fixed-cost identity for the file at path.
//
// Files no larger than SampleBytes are hashed whole. Larger files are read at
// Chunks evenly spaced offsets, SampleBytes/Chunks bytes each, with the first
// sample at offset 0 and the last ending at EOF.
func Fingerprint(fs afero.Fs, path string, opts FingerprintOptions) (string, error) {
	if opts.Chunks < 1 {
		return "", fmt.Errorf("chunks must be at least 1, got %d: %w", opts.Chunks, errors.ErrInvalidArgument)
	}
	if opts.SampleBytes < int64(opts.Chunks) {
		return "", fmt.Errorf("sample bytes %d smaller than chunks %d: %w",
			opts.SampleBytes, opts.Chunks, errors.ErrInvalidArgument)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = Blake3
	}
	h, err := opts.Algorithm.New()
	if err != nil {
		return "", err
	}

	f, err := open(fs, path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", errors.WithContext(err, "stat")
	}
	size := fi.Size()

	if size <= opts.SampleBytes {
		buf := make([]byte, readChunk)
		if _, err := io.CopyBuffer(onlyWriter{h}, onlyReader{f}, buf); err != nil {
			return "", errors.WithContext(err, "read")
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	piece := opts.SampleBytes / int64(opts.Chunks)
	step := 0.0
	if opts.Chunks > 1 {
		step = float64(size-piece) / float64(opts.Chunks-1)
	}
	buf := make([]byte, piece)
	for i := 0; i < opts.Chunks; i++ {
		offset := int64(float64(i) * step)
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return "", errors.WithContext(err, fmt.Sprintf("read sample at %d", offset))
		}
		h.Write(buf[:n])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func open(fs afero.Fs, path string) (afero.File, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "open")
	}
	return f, nil
}

// onlyReader and onlyWriter hide ReaderFrom/WriterTo so CopyBuffer always
// reads in readChunk pieces.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }
