package storage

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

func newTestStore(t *testing.T, chunkSize int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), chunkSize, NewMemoryCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestIngestSplitsIntoFixedWindows(t *testing.T) {
	s := newTestStore(t, mib)
	path, data := writeRandomFile(t, "song.wav", 5*mib/2)

	rec, err := s.Ingest(path)
	require.NoError(t, err)

	assert.Equal(t, "song.wav", rec.Filename)
	assert.Equal(t, int64(len(data)), rec.Size)
	require.Equal(t, 3, rec.ChunkCount())
	assert.Equal(t, sha(data), rec.ContentHash)

	var joined []byte
	for i, want := range []int{mib, mib, mib / 2} {
		chunk, err := s.GetChunk(rec.ContentHash, i)
		require.NoError(t, err)
		assert.Len(t, chunk, want)
		assert.Equal(t, rec.ChunkHashes[i], sha(chunk))
		joined = append(joined, chunk...)
	}
	assert.Equal(t, rec.ContentHash, sha(joined))
}

func TestIngestIsIdempotent(t *testing.T) {
	s := newTestStore(t, 1024)
	path, _ := writeRandomFile(t, "a.bin", 4000)

	first, err := s.Ingest(path)
	require.NoError(t, err)
	second, err := s.Ingest(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, s.List(), 1)
}

func TestIngestMissingFile(t *testing.T) {
	s := newTestStore(t, 1024)
	_, err := s.Ingest(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestIngestEmptyFile(t *testing.T) {
	s := newTestStore(t, 1024)
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	rec, err := s.Ingest(path)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ChunkCount())
	assert.Equal(t, sha(nil), rec.ContentHash)

	_, err = s.GetChunk(rec.ContentHash, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetChunkNotFound(t *testing.T) {
	s := newTestStore(t, 1024)
	_, err := s.GetChunk("deadbeef", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	path, _ := writeRandomFile(t, "a.bin", 1500)
	rec, err := s.Ingest(path)
	require.NoError(t, err)
	_, err = s.GetChunk(rec.ContentHash, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetChunk(rec.ContentHash, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconstructRoundTrip(t *testing.T) {
	src := newTestStore(t, 1000)
	path, data := writeRandomFile(t, "track.flac", 3500)
	rec, err := src.Ingest(path)
	require.NoError(t, err)

	chunks := make([][]byte, rec.ChunkCount())
	for i := range chunks {
		chunks[i], err = src.GetChunk(rec.ContentHash, i)
		require.NoError(t, err)
	}

	dst := newTestStore(t, 1000)
	meta, err := RecordFromFileInfo(rec.ContentHash, rec.FileInfo())
	require.NoError(t, err)
	got, err := dst.Reconstruct(meta, chunks)
	require.NoError(t, err)

	assert.Equal(t, rec.ContentHash, got.ContentHash)
	onDisk, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, onDisk))
	assert.True(t, dst.Has(rec.ContentHash))

	// The reconstructed node can serve the chunks it assembled.
	c1, err := dst.GetChunk(rec.ContentHash, 1)
	require.NoError(t, err)
	assert.Equal(t, chunks[1], c1)
}

func TestReconstructIntegrityMismatch(t *testing.T) {
	s := newTestStore(t, 4)
	chunks := [][]byte{[]byte("abcd"), []byte("ef")}
	meta := &FileRecord{
		ContentHash: sha([]byte("abcdeX")),
		Filename:    "x.txt",
		Size:        6,
		ChunkSize:   4,
		ChunkHashes: []string{sha(chunks[0]), sha(chunks[1])},
	}

	_, err := s.Reconstruct(meta, chunks)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.False(t, s.Has(meta.ContentHash))

	entries, err := os.ReadDir(filepath.Join(s.root, downloadsDir))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial output must be removed")
}

func TestReconstructSanitizesFilename(t *testing.T) {
	s := newTestStore(t, 4)
	data := []byte("evil")
	meta := &FileRecord{
		ContentHash: sha(data),
		Filename:    "../../etc/passwd",
		Size:        4,
		ChunkSize:   4,
		ChunkHashes: []string{sha(data)},
	}
	rec, err := s.Reconstruct(meta, [][]byte{data})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.root, downloadsDir, sha(data)[:12]+"-passwd"), rec.Path)
}

func TestReconstructSameFilenameKeepsBoth(t *testing.T) {
	s := newTestStore(t, 1000)

	var records []*FileRecord
	for _, fill := range []string{"A", "B"} {
		data := bytes.Repeat([]byte(fill), 3000)
		chunks := [][]byte{data[:1000], data[1000:2000], data[2000:]}
		meta := &FileRecord{
			ContentHash: sha(data),
			Filename:    "song.wav",
			Size:        3000,
			ChunkSize:   1000,
			ChunkHashes: []string{sha(chunks[0]), sha(chunks[1]), sha(chunks[2])},
		}
		rec, err := s.Reconstruct(meta, chunks)
		require.NoError(t, err)
		records = append(records, rec)
	}

	assert.NotEqual(t, records[0].Path, records[1].Path)
	for _, rec := range records {
		assert.Equal(t, "song.wav", rec.Filename)
		onDisk, err := os.ReadFile(rec.Path)
		require.NoError(t, err)
		assert.Equal(t, rec.ContentHash, sha(onDisk), "installed file must match its record")
	}
}

func TestVerifyChunk(t *testing.T) {
	assert.NoError(t, VerifyChunk(sha([]byte("x")), []byte("x")))
	assert.ErrorIs(t, VerifyChunk(sha([]byte("x")), []byte("y")), ErrChunkHashMismatch)
}

func TestRecordFromFileInfoRejectsInconsistentMetadata(t *testing.T) {
	rec := &FileRecord{ContentHash: "h", Filename: "f", Size: 10, ChunkSize: 4, ChunkHashes: []string{"a", "b", "c"}}
	_, err := RecordFromFileInfo("h", rec.FileInfo())
	require.NoError(t, err)

	bad := rec.FileInfo()
	bad.NumChunks = 2
	_, err = RecordFromFileInfo("h", bad)
	assert.Error(t, err)

	bad = rec.FileInfo()
	bad.ChunkHashes = bad.ChunkHashes[:2]
	bad.NumChunks = 2
	_, err = RecordFromFileInfo("h", bad)
	assert.Error(t, err)

	bad = rec.FileInfo()
	bad.ChunkSize = 0
	_, err = RecordFromFileInfo("h", bad)
	assert.Error(t, err)
}

func TestCatalogSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	catalogPath := filepath.Join(root, "catalog")

	cat, err := OpenLevelDBCatalog(catalogPath)
	require.NoError(t, err)
	s, err := Open(root, 1024, cat)
	require.NoError(t, err)

	path, _ := writeRandomFile(t, "keep.bin", 3000)
	rec, err := s.Ingest(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cat, err = OpenLevelDBCatalog(catalogPath)
	require.NoError(t, err)
	reopened, err := Open(root, 1024, cat)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Has(rec.ContentHash))
	chunk, err := reopened.GetChunk(rec.ContentHash, 2)
	require.NoError(t, err)
	assert.Equal(t, rec.ChunkHashes[2], sha(chunk))
}

func TestExpectedChunkLen(t *testing.T) {
	assert.Equal(t, int64(4), ExpectedChunkLen(10, 4, 0))
	assert.Equal(t, int64(2), ExpectedChunkLen(10, 4, 2))
	assert.Equal(t, 0, ExpectedChunkCount(0, 4))
	assert.Equal(t, 3, ExpectedChunkCount(10, 4))
}
