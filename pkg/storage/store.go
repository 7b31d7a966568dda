package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/protocol"
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrNotFound          = errors.New("content not found")
	ErrChunkHashMismatch = errors.New("chunk hash mismatch")
	ErrIntegrityMismatch = errors.New("content hash mismatch")
)

const (
	chunksDir    = "chunks"
	downloadsDir = "downloads"

	installPrefixLen = 12
)

// FileRecord describes one file held by this node, either ingested from a
// local path or assembled from a verified download.
type FileRecord struct {
	ContentHash string   `json:"content_hash"`
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	ChunkSize   int64    `json:"chunk_size"`
	ChunkHashes []string `json:"chunk_hashes"`
	Path        string   `json:"path,omitempty"`
}

func (r *FileRecord) ChunkCount() int {
	return len(r.ChunkHashes)
}

// FileInfo is the wire form of the record's metadata.
func (r *FileRecord) FileInfo() protocol.FileInfo {
	return protocol.FileInfo{
		Filename:    r.Filename,
		Size:        r.Size,
		ChunkSize:   r.ChunkSize,
		NumChunks:   r.ChunkCount(),
		ChunkHashes: append([]string{}, r.ChunkHashes...),
	}
}

// RecordFromFileInfo builds the expected record for a download and checks
// that the advertised metadata is self-consistent.
func RecordFromFileInfo(hash string, info protocol.FileInfo) (*FileRecord, error) {
	if info.Size < 0 || info.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid sizes: size=%d chunk_size=%d", info.Size, info.ChunkSize)
	}
	if info.NumChunks != len(info.ChunkHashes) {
		return nil, fmt.Errorf("num_chunks %d does not match %d chunk hashes", info.NumChunks, len(info.ChunkHashes))
	}
	if want := ExpectedChunkCount(info.Size, info.ChunkSize); info.NumChunks != want {
		return nil, fmt.Errorf("num_chunks %d, want %d for size %d", info.NumChunks, want, info.Size)
	}
	return &FileRecord{
		ContentHash: hash,
		Filename:    info.Filename,
		Size:        info.Size,
		ChunkSize:   info.ChunkSize,
		ChunkHashes: append([]string(nil), info.ChunkHashes...),
	}, nil
}

// ExpectedChunkCount is ceil(size / chunkSize), and 0 for an empty file.
func ExpectedChunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ExpectedChunkLen is the length chunk index must have.
func ExpectedChunkLen(size, chunkSize int64, index int) int64 {
	start := int64(index) * chunkSize
	if rem := size - start; rem < chunkSize {
		return rem
	}
	return chunkSize
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store keeps chunk bytes on disk under <root>/chunks/<hash>/ and the
// records describing them in a Catalog.
type Store struct {
	root      string
	chunkSize int64
	catalog   *Catalog

	mu      sync.RWMutex
	records map[string]*FileRecord
}

// Open prepares root and loads every record already in the catalog.
func Open(root string, chunkSize int64, catalog *Catalog) (*Store, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	for _, dir := range []string{filepath.Join(root, chunksDir), filepath.Join(root, downloadsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	s := &Store{
		root:      root,
		chunkSize: chunkSize,
		catalog:   catalog,
		records:   make(map[string]*FileRecord),
	}

	records, err := catalog.All(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	for _, rec := range records {
		s.records[rec.ContentHash] = rec
	}
	if len(records) > 0 {
		logger.Sugar.Infof("[Storage] Loaded catalog: root=%s files=%d", root, len(records))
	}
	return s, nil
}

func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

func (s *Store) chunkDir(hash string) string {
	return filepath.Join(s.root, chunksDir, hash)
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%d.chunk", index)
}

// Ingest splits the file at path into fixed windows, hashing each window and
// the whole stream in one pass. Ingesting the same bytes twice returns the
// same record.
func (s *Store) Ingest(path string) (*FileRecord, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	tmpDir, err := os.MkdirTemp(filepath.Join(s.root, chunksDir), ".ingest-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	whole := sha256.New()
	buf := make([]byte, s.chunkSize)
	var (
		hashes []string
		size   int64
	)
	for index := 0; ; index++ {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			chunk := buf[:n]
			whole.Write(chunk)
			hashes = append(hashes, HashBytes(chunk))
			size += int64(n)
			if werr := os.WriteFile(filepath.Join(tmpDir, chunkName(index)), chunk, 0o644); werr != nil {
				return nil, fmt.Errorf("failed to write chunk %d: %w", index, werr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	rec := &FileRecord{
		ContentHash: hex.EncodeToString(whole.Sum(nil)),
		Filename:    filepath.Base(path),
		Size:        size,
		ChunkSize:   s.chunkSize,
		ChunkHashes: hashes,
		Path:        absPath,
	}

	if existing, err := s.Info(rec.ContentHash); err == nil {
		return existing, nil
	}
	if err := s.installChunkDir(tmpDir, rec.ContentHash); err != nil {
		return nil, err
	}
	if err := s.save(rec); err != nil {
		return nil, err
	}

	logger.Sugar.Infof("[Storage] Ingested file: name=%s hash=%s size=%d chunks=%d", rec.Filename, rec.ContentHash, rec.Size, rec.ChunkCount())
	return s.Info(rec.ContentHash)
}

// installChunkDir moves a fully written temp directory into place. If
// another writer won the race the temp copy is discarded.
func (s *Store) installChunkDir(tmpDir, hash string) error {
	target := s.chunkDir(hash)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.Rename(tmpDir, target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		}
		return fmt.Errorf("failed to install chunks for %s: %w", hash, err)
	}
	return nil
}

func (s *Store) save(rec *FileRecord) error {
	if err := s.catalog.Put(context.Background(), rec); err != nil {
		return fmt.Errorf("failed to record %s: %w", rec.ContentHash, err)
	}
	s.mu.Lock()
	s.records[rec.ContentHash] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) GetChunk(hash string, index int) ([]byte, error) {
	rec, err := s.Info(hash)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= rec.ChunkCount() {
		return nil, fmt.Errorf("%w: chunk %d of %s", ErrNotFound, index, hash)
	}
	data, err := os.ReadFile(filepath.Join(s.chunkDir(hash), chunkName(index)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: chunk %d of %s missing on disk", ErrNotFound, index, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", index, hash, err)
	}
	return data, nil
}

// VerifyChunk checks data against the expected chunk hash.
func VerifyChunk(expectedHash string, data []byte) error {
	if got := HashBytes(data); got != expectedHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrChunkHashMismatch, expectedHash, got)
	}
	return nil
}

// Reconstruct assembles chunks in order into
// <root>/downloads/<hash prefix>-<filename>.
// The file is only installed when the recomputed whole-file hash matches
// meta.ContentHash; otherwise the partial output is removed.
func (s *Store) Reconstruct(meta *FileRecord, chunks [][]byte) (*FileRecord, error) {
	if existing, err := s.Info(meta.ContentHash); err == nil {
		return existing, nil
	}
	if len(chunks) != meta.ChunkCount() {
		return nil, fmt.Errorf("have %d chunks, want %d", len(chunks), meta.ChunkCount())
	}

	dlDir := filepath.Join(s.root, downloadsDir)
	tmp, err := os.CreateTemp(dlDir, ".partial-")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	installed := false
	defer func() {
		if !installed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	whole := sha256.New()
	w := io.MultiWriter(tmp, whole)
	var size int64
	for i, chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			return nil, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
		size += int64(len(chunk))
	}
	if got := hex.EncodeToString(whole.Sum(nil)); got != meta.ContentHash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIntegrityMismatch, meta.ContentHash, got)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	chunkTmp, err := os.MkdirTemp(filepath.Join(s.root, chunksDir), ".download-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(chunkTmp)
	for i, chunk := range chunks {
		if err := os.WriteFile(filepath.Join(chunkTmp, chunkName(i)), chunk, 0o644); err != nil {
			return nil, fmt.Errorf("failed to persist chunk %d: %w", i, err)
		}
	}
	if err := s.installChunkDir(chunkTmp, meta.ContentHash); err != nil {
		return nil, err
	}

	finalPath := filepath.Join(dlDir, installName(meta.Filename, meta.ContentHash))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to install %s: %w", finalPath, err)
	}
	installed = true

	rec := &FileRecord{
		ContentHash: meta.ContentHash,
		Filename:    meta.Filename,
		Size:        size,
		ChunkSize:   meta.ChunkSize,
		ChunkHashes: append([]string(nil), meta.ChunkHashes...),
		Path:        finalPath,
	}
	if err := s.save(rec); err != nil {
		return nil, err
	}
	logger.Sugar.Infof("[Storage] Reconstructed file: name=%s hash=%s path=%s", rec.Filename, rec.ContentHash, finalPath)
	return s.Info(rec.ContentHash)
}

// installName keeps only the base name of a remote-supplied filename and
// prefixes it with the content hash, so different content never shares a
// path.
func installName(name, hash string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return hash
	}
	prefix := hash
	if len(prefix) > installPrefixLen {
		prefix = prefix[:installPrefixLen]
	}
	return prefix + "-" + base
}

func (s *Store) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[hash]
	return ok
}

// Info returns a copy of the record for hash.
func (s *Store) Info(hash string) (*FileRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	cp := *rec
	cp.ChunkHashes = append([]string(nil), rec.ChunkHashes...)
	return &cp, nil
}

// List returns every held record sorted by content hash.
func (s *Store) List() []FileRecord {
	s.mu.RLock()
	out := make([]FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		cp.ChunkHashes = append([]string(nil), rec.ChunkHashes...)
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

func (s *Store) Close() error {
	return s.catalog.Close()
}
