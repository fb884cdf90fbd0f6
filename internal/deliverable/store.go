// Package deliverable implements the Deliverable & Message Log's file
// side (C8): moving a payload-produced file into the node's
// content-addressed store and recording a Deliverable row in the same
// logical commit (spec.md §4.8's addDeliverable). Atomicity across
// filesystems is resolved per SPEC_FULL.md §9: os.Rename first, falling
// back to copy+fsync+remove on EXDEV.
package deliverable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ridgeline-systems/jqm/internal/data/repos"
	"github.com/ridgeline-systems/jqm/internal/domain"
	"github.com/ridgeline-systems/jqm/internal/platform/apperr"
	"github.com/ridgeline-systems/jqm/internal/platform/dbctx"
	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

type Store struct {
	gw      repos.Gateway
	baseDir string
	log     *logger.Logger

	// mu serializes writes into baseDir's content-addressed layout; reads
	// (downloadDeliverable) never take it.
	mu sync.Mutex
}

func New(gw repos.Gateway, baseDir string, baseLog *logger.Logger) *Store {
	return &Store{gw: gw, baseDir: baseDir, log: baseLog.With("component", "DeliverableStore")}
}

// Commit moves srcPath into the content-addressed store under baseDir
// and inserts the Deliverable row. If the move fails, no row is
// inserted and the error is returned to the payload as an I/O failure
// (spec.md §4.8).
func (s *Store) Commit(ctx context.Context, instanceID int64, srcPath, label string) (*domain.Deliverable, error) {
	hash, size, err := hashFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("%w: hash deliverable: %v", apperr.ErrPayloadError, err)
	}

	destPath := filepath.Join(s.baseDir, hash[:2], hash)
	s.mu.Lock()
	err = moveInto(srcPath, destPath)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: move deliverable: %v", apperr.ErrPayloadError, err)
	}

	d := &domain.Deliverable{
		InstanceID: instanceID,
		FilePath:   destPath,
		Label:      label,
		FileHash:   hash,
		Size:       size,
	}
	created, err := s.gw.RecordDeliverable(dbctx.Context{Ctx: ctx}, d)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// moveInto places src at dst, creating dst's parent directory if
// needed. A dst that already exists (same content hash already stored)
// is treated as success and src is discarded.
func moveInto(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return os.Remove(src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}
	return copyThenRemove(src, dst)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	return errors.Is(linkErr.Err, syscall.EXDEV)
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
