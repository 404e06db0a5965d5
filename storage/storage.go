// Package storage implements the sparse, hash-validated piece-addressed
// file backing: one flat file per torrent, named by its content-addressed
// info-hash, holding every piece at its natural offset.
package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goleech/bitfield"
	"goleech/internal/bterrors"
	"goleech/metainfo"
)

// Backing is the content-addressed file backing for one torrent's data.
type Backing struct {
	mu       sync.Mutex
	file     *os.File
	manifest *metainfo.Manifest
	bits     *bitfield.Bitfield
	path     string
	log      *zap.SugaredLogger

	validated atomic.Int64
}

// Path returns the backing file's path: the hex-encoded info-hash with a
// ".tmp" suffix.
func Path(dir string, ih metainfo.InfoHash) string {
	return filepath.Join(dir, ih.String()+".tmp")
}

// Open opens (or creates) the backing file for manifest under dir, ensures
// its length equals manifest.Length, and runs a full validation pass.
func Open(dir string, manifest *metainfo.Manifest, log *zap.SugaredLogger) (*Backing, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	path := Path(dir, manifest.InfoHash)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := ensureLength(f, int64(manifest.Length)); err != nil {
		f.Close()
		return nil, err
	}

	b := &Backing{
		file:     f,
		manifest: manifest,
		bits:     bitfield.New(len(manifest.Hashes)),
		path:     path,
		log:      log,
	}

	all := make([]int, len(manifest.Hashes))
	for i := range all {
		all[i] = i
	}
	if _, err := b.Validate(all); err != nil {
		f.Close()
		return nil, err
	}

	log.Infow("opened backing file",
		"path", path,
		"digest", manifest.InfoHash.Digest(),
		"have", b.bits.Count(),
		"total", len(manifest.Hashes),
	)

	return b, nil
}

func ensureLength(f *os.File, total int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == total {
		return nil
	}
	// os.Truncate both zero-fills a shortfall and trims any excess down to
	// total; it never discards bytes within [0, total).
	return f.Truncate(total)
}

// Close releases the backing file handle.
func (b *Backing) Close() error {
	return b.file.Close()
}

// Digest returns the content-addressed digest ("sha1:<hex>") identifying
// this backing file's torrent, as used in log output.
func (b *Backing) Digest() digest.Digest {
	return b.manifest.InfoHash.Digest()
}

// PieceSize returns the size of piece i.
func (b *Backing) PieceSize(index int) int {
	return b.manifest.PieceSize(index)
}

// Bitfield returns a snapshot of the current possession bitmap.
func (b *Backing) Bitfield() *bitfield.Bitfield {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits.Clone()
}

// Read reads size bytes at begin within piece index.
func (b *Backing) Read(index, begin, size int) ([]byte, error) {
	pieceSize := b.PieceSize(index)
	if begin < 0 || begin+size > pieceSize {
		return nil, bterrors.Wrapf(bterrors.ErrOutOfRange, "read piece %d [%d:%d) exceeds piece size %d", index, begin, begin+size, pieceSize)
	}
	buf := make([]byte, size)
	b.mu.Lock()
	_, err := b.file.ReadAt(buf, b.offset(index, begin))
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadPiece reads the full content of piece index.
func (b *Backing) ReadPiece(index int) ([]byte, error) {
	return b.Read(index, 0, b.PieceSize(index))
}

// Write writes data at begin within piece index. It does not validate the
// hash; the caller requests validation once a piece's blocks have all
// arrived.
func (b *Backing) Write(index, begin int, data []byte) error {
	pieceSize := b.PieceSize(index)
	if begin < 0 || begin+len(data) > pieceSize {
		return bterrors.Wrapf(bterrors.ErrOutOfRange, "write piece %d [%d:%d) exceeds piece size %d", index, begin, begin+len(data), pieceSize)
	}
	b.mu.Lock()
	_, err := b.file.WriteAt(data, b.offset(index, begin))
	b.mu.Unlock()
	return err
}

func (b *Backing) offset(index, begin int) int64 {
	return int64(index)*int64(b.manifest.PieceLength) + int64(begin)
}

// Validate re-reads and re-hashes the listed piece indices, updating the
// bitmap, and returns the count that hashed correctly. It is idempotent:
// calling it again with no intervening write reproduces the same bitmap.
func (b *Backing) Validate(indices []int) (int, error) {
	validCount := 0
	for _, index := range indices {
		data, err := b.ReadPiece(index)
		if err != nil {
			return validCount, err
		}
		sum := sha1.Sum(data)
		ok := sum == b.manifest.Hashes[index]

		b.mu.Lock()
		if ok {
			b.bits.Set(index)
		} else {
			b.bits.Clear(index)
		}
		b.mu.Unlock()

		if ok {
			validCount++
			b.validated.Inc()
		} else {
			b.log.Debugw("piece failed validation", "index", index)
		}
	}
	return validCount, nil
}

// Complete reports whether every piece has validated successfully.
func (b *Backing) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits.All()
}

// ValidatedCount returns the running total of successful piece validations
// performed by this Backing, for metrics.
func (b *Backing) ValidatedCount() int64 {
	return b.validated.Load()
}
