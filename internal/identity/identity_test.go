package identity

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// countingFs counts the reads made on files it opens.
type countingFs struct {
	afero.Fs
	reads   *int
	readAts *int
}

func (c countingFs) Open(name string) (afero.File, error) {
	f, err := c.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return countingFile{File: f, fs: c}, nil
}

type countingFile struct {
	afero.File
	fs countingFs
}

func (c countingFile) Read(p []byte) (int, error) {
	*c.fs.reads++
	return c.File.Read(p)
}

func (c countingFile) ReadAt(p []byte, off int64) (int, error) {
	*c.fs.readAts++
	return c.File.ReadAt(p, off)
}

func newCountingFs() countingFs {
	return countingFs{Fs: afero.NewMemMapFs(), reads: new(int), readAts: new(int)}
}

func writeFile(t *testing.T, fs afero.Fs, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	require.NoError(t, afero.WriteFile(fs, path, data, 0644))
	return data
}

func TestHashBytes(t *testing.T) {
	sum := md5.Sum([]byte("hello"))
	got, err := HashBytes([]byte("hello"), MD5)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	for _, alg := range []Algorithm{SHA256, Blake2b, Blake3} {
		a, err := HashBytes([]byte("hello"), alg)
		require.NoError(t, err)
		b, err := HashBytes([]byte("hellp"), alg)
		require.NoError(t, err)
		assert.NotEqual(t, a, b, string(alg))
		assert.Len(t, a, 64, string(alg))
	}
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, MD5, a)

	a, err = ParseAlgorithm(" BLAKE3 ")
	require.NoError(t, err)
	assert.Equal(t, Blake3, a)

	_, err = ParseAlgorithm("crc32")
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeFile(t, fs, "/a.bin", 10_000)

	fromFile, err := HashFile(fs, "/a.bin", SHA256)
	require.NoError(t, err)
	fromBytes, err := HashBytes(data, SHA256)
	require.NoError(t, err)
	assert.Equal(t, fromBytes, fromFile)

	_, err = HashFile(fs, "/missing", SHA256)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestFingerprintDeterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/big.bin", 1<<20)
	info, err := fs.Stat("/big.bin")
	require.NoError(t, err)

	first, err := Fingerprint(fs, "/big.bin", DefaultFingerprintOptions())
	require.NoError(t, err)
	second, err := Fingerprint(fs, "/big.bin", DefaultFingerprintOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := fs.Stat("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestFingerprintBoundary(t *testing.T) {
	const sample = 1024
	opts := FingerprintOptions{SampleBytes: sample, Chunks: 4, Algorithm: MD5}

	fs := newCountingFs()
	data := writeFile(t, fs, "/exact.bin", sample)
	got, err := Fingerprint(fs, "/exact.bin", opts)
	require.NoError(t, err)
	full, err := HashBytes(data, MD5)
	require.NoError(t, err)
	assert.Equal(t, full, got, "a file of exactly SampleBytes is hashed whole")
	assert.Zero(t, *fs.readAts)

	fs = newCountingFs()
	writeFile(t, fs, "/over.bin", sample+1)
	_, err = Fingerprint(fs, "/over.bin", opts)
	require.NoError(t, err)
	assert.Equal(t, 4, *fs.readAts)
	assert.Zero(t, *fs.reads)
}

func TestFingerprintReadsAreSizeIndependent(t *testing.T) {
	for _, size := range []int{64*1024 + 1, 1 << 20, 5 << 20} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			fs := newCountingFs()
			writeFile(t, fs, "/f.bin", size)
			opts := DefaultFingerprintOptions()
			opts.Chunks = 8
			_, err := Fingerprint(fs, "/f.bin", opts)
			require.NoError(t, err)
			assert.Equal(t, 8, *fs.readAts)
		})
	}
}

func TestFingerprintSamplesEvenlySpacedOffsets(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeFile(t, fs, "/f.bin", 1000)
	opts := FingerprintOptions{SampleBytes: 100, Chunks: 4, Algorithm: MD5}

	// piece = 25, step = (1000-25)/3 = 325 -> offsets 0, 325, 650, 975.
	var expected bytes.Buffer
	for _, off := range []int{0, 325, 650, 975} {
		expected.Write(data[off : off+25])
	}
	want, err := HashBytes(expected.Bytes(), MD5)
	require.NoError(t, err)

	got, err := Fingerprint(fs, "/f.bin", opts)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFingerprintDetectsDrift(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeFile(t, fs, "/f.bin", 200_000)
	before, err := Fingerprint(fs, "/f.bin", DefaultFingerprintOptions())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/f.bin", data[:150_000], 0644))
	truncated, err := Fingerprint(fs, "/f.bin", DefaultFingerprintOptions())
	require.NoError(t, err)
	assert.NotEqual(t, before, truncated)
}

func TestFingerprintErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 10)

	_, err := Fingerprint(fs, "/missing.bin", DefaultFingerprintOptions())
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	tests := []struct {
		name string
		opts FingerprintOptions
	}{
		{"negative chunks", FingerprintOptions{SampleBytes: 64, Chunks: -1}},
		{"zero chunks", FingerprintOptions{SampleBytes: 64, Chunks: 0}},
		{"zero sample bytes", FingerprintOptions{SampleBytes: 0, Chunks: 4}},
		{"fewer sample bytes than chunks", FingerprintOptions{SampleBytes: 3, Chunks: 4}},
		{"unknown algorithm", FingerprintOptions{SampleBytes: 64, Chunks: 4, Algorithm: "crc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fingerprint(fs, "/f.bin", tt.opts)
			assert.True(t, errors.Is(err, errors.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestFingerprintEmptyAlgorithmIsBlake3(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeFile(t, fs, "/f.bin", 10)

	got, err := Fingerprint(fs, "/f.bin", FingerprintOptions{SampleBytes: 64, Chunks: 4})
	require.NoError(t, err)
	want, err := HashBytes(data, Blake3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
