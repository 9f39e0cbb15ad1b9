// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filescan is the File-Scan Service: stateless logic turning a
// folder-scan request into a sequence of write operations dispatched to a
// Writer Actor. It holds no write connection of its own; the sole side
// effect it reaches for directly is a read-only lookup of existing file
// rows for the post-scan pruning phase.
package filescan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/writer"
	"github.com/panoptikon/gateway/pkg/hashutil"
	"github.com/panoptikon/gateway/pkg/stringutils"
)

// mimeByExt caches extension-to-mime lookups: a scan of a large library
// re-resolves the same handful of extensions for every file, and the
// interned result lets repeated candidates share memory.
var mimeByExt = stringutils.NewNormalizer(time.Hour, func(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return stringutils.Intern(t)
	}
	return "application/octet-stream"
})

// WriteSubmitter is the subset of *writer.Actor this service depends on,
// narrowed to an interface so tests can substitute a fake actor.
type WriteSubmitter interface {
	Submit(ctx context.Context, op writer.Op) (any, error)
}

// ExistingFile is one previously indexed file under a scanned root, as
// needed by the pruning phase.
type ExistingFile struct {
	FileID int64
	Path   string
	Size   int64
	Mtime  time.Time
}

// FileReader resolves already-indexed files under a root path. Supplied by
// the caller (backed by a RoleReadOnly connection); a nil FileReader
// disables pruning entirely.
type FileReader interface {
	FilesUnderRoot(ctx context.Context, root string) ([]ExistingFile, error)
}

// Request describes one scan run.
type Request struct {
	Root        string // real root path, or the "<continuous>" sentinel
	Filter      filterlang.CompiledFilter
	PruneFilter filterlang.CompiledFilter // zero-value CompiledFilter matches every file; pruning runs only when Reader is set
	Reader      FileReader
}

// Summary reports what one Scan run did, mirroring the file_scans row's
// counters.
type Summary struct {
	ScanID   int64
	Inserted int64
	Deleted  int64
	Errors   int64
	Filtered int64
}

// Service has no state of its own; every call is self-contained against
// the WriteSubmitter and FileReader it's given.
type Service struct{}

// New builds a stateless File-Scan Service.
func New() *Service {
	return &Service{}
}

// Scan walks req.Root, running Stage 1 (metadata) and Stage 2 (content
// hash) filtering, dispatching inserts through w, then runs the post-scan
// pruning phase if req.Reader is set. It checks for cancellation at every
// file boundary so a caller's ctx cancellation stops the walk promptly
// without leaving the scan row open.
func (s *Service) Scan(ctx context.Context, w WriteSubmitter, req Request) (Summary, error) {
	openOut, err := w.Submit(ctx, writer.Op{
		Kind:     writer.KindOpenScan,
		OpenScan: &writer.OpenScanParams{Path: req.Root},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("filescan: open scan row: %w", err)
	}
	scanID := openOut.(writer.OpenScanOutput).ScanID

	sum := Summary{ScanID: scanID}
	touched := make(map[string]struct{})

	walkErr := filepath.WalkDir(req.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsPermission(walkErr) {
				sum.Errors++
				return nil
			}
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		matched, err := s.processFile(ctx, w, scanID, path, d, req.Filter, &sum)
		if err != nil {
			sum.Errors++
			log.Warn().Err(err).Str("path", path).Msg("filescan: file processing failed")
			return nil
		}
		if matched {
			touched[path] = struct{}{}
		}
		return nil
	})

	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		// Detach from ctx for this cleanup submit: w.Submit races ctx.Done()
		// against both its mailbox-send and reply-wait selects, so a ctx
		// that is already cancelled (or races cancellation concurrently
		// with this call) can silently drop the CloseScan message and
		// leave the file_scans row open forever.
		w.Submit(context.WithoutCancel(ctx), writer.Op{
			Kind:      writer.KindCloseScan,
			CloseScan: &writer.CloseScanParams{ScanID: scanID, Inserted: sum.Inserted, Deleted: sum.Deleted, Errors: sum.Errors},
		})
		return sum, fmt.Errorf("filescan: walk %s: %w", req.Root, walkErr)
	}

	if req.Reader != nil && walkErr == nil {
		if err := s.prune(ctx, w, req, touched, &sum); err != nil {
			log.Warn().Err(err).Str("root", req.Root).Msg("filescan: pruning phase failed")
		}
	}

	if _, err := w.Submit(context.WithoutCancel(ctx), writer.Op{
		Kind:      writer.KindCloseScan,
		CloseScan: &writer.CloseScanParams{ScanID: scanID, Inserted: sum.Inserted, Deleted: sum.Deleted, Errors: sum.Errors},
	}); err != nil {
		return sum, fmt.Errorf("filescan: close scan row: %w", err)
	}

	if errors.Is(walkErr, context.Canceled) {
		return sum, walkErr
	}
	return sum, nil
}

// processFile runs both filter stages for one file and, if it survives
// both, dispatches an InsertFile op. It returns whether the file was kept.
func (s *Service) processFile(ctx context.Context, w WriteSubmitter, scanID int64, path string, d fs.DirEntry, filter filterlang.CompiledFilter, sum *Summary) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, err
	}

	candidate := filterlang.Candidate{
		Path:  path,
		Size:  info.Size(),
		Mtime: info.ModTime(),
		Mime:  guessMime(path),
	}

	matched, err := filter.Matches(filterlang.StageMetadata, candidate)
	if err != nil {
		return false, err
	}
	if !matched {
		sum.Filtered++
		return false, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return false, err
	}
	candidate.Hash = hash

	matched, err = filter.Matches(filterlang.StageContent, candidate)
	if err != nil {
		return false, err
	}
	if !matched {
		sum.Filtered++
		return false, nil
	}

	out, err := w.Submit(ctx, writer.Op{
		Kind: writer.KindInsertFile,
		InsertFile: &writer.InsertFileParams{
			ContentHash: hash,
			Path:        path,
			Size:        info.Size(),
			Mtime:       info.ModTime(),
			ScanID:      scanID,
		},
	})
	if err != nil {
		return false, err
	}
	_ = out
	sum.Inserted++
	return true, nil
}

// prune deletes file rows under req.Root that were not touched by this
// scan and that match PruneFilter, i.e. files that disappeared or were
// filtered out of the index.
func (s *Service) prune(ctx context.Context, w WriteSubmitter, req Request, touched map[string]struct{}, sum *Summary) error {
	existing, err := req.Reader.FilesUnderRoot(ctx, req.Root)
	if err != nil {
		return fmt.Errorf("list existing files: %w", err)
	}

	for _, ef := range existing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := touched[ef.Path]; ok {
			continue
		}

		candidate := filterlang.Candidate{Path: ef.Path, Size: ef.Size, Mtime: ef.Mtime}
		matched, err := req.PruneFilter.Matches(filterlang.StageMetadata, candidate)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}

		if _, err := w.Submit(ctx, writer.Op{
			Kind:       writer.KindDeleteFile,
			DeleteFile: &writer.DeleteFileParams{FileID: ef.FileID},
		}); err != nil {
			sum.Errors++
			log.Warn().Err(err).Int64("file_id", ef.FileID).Msg("filescan: prune delete failed")
			continue
		}
		sum.Deleted++
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashutil.HashReader(f)
}

func guessMime(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return mimeByExt.Normalize(ext)
}
