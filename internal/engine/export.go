package engine

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/BadgerOps/afrec/internal/custody"
	"github.com/BadgerOps/afrec/internal/hashing"
	"github.com/BadgerOps/afrec/internal/safety"
	"github.com/BadgerOps/afrec/internal/store"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Archive compression formats.
const (
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionXZ   = "xz"
	CompressionNone = "none"
)

// archiveExt returns the file extension for an archive compressed with
// compression. An empty compression means zstd.
func archiveExt(compression string) (string, error) {
	switch compression {
	case "", CompressionZstd:
		return ".tar.zst", nil
	case CompressionGzip:
		return ".tar.gz", nil
	case CompressionXZ:
		return ".tar.xz", nil
	case CompressionNone:
		return ".tar", nil
	default:
		return "", fmt.Errorf("unsupported compression %q (want zstd, gzip, xz or none)", compression)
	}
}

func newCompressor(w io.Writer, compression string) (io.WriteCloser, error) {
	switch compression {
	case "", CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionXZ:
		return xz.NewWriter(w)
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ExportOptions configures an export operation.
type ExportOptions struct {
	CaseDir     string
	OutputDir   string
	Actor       string
	Compression string // zstd (default), gzip, xz or none
}

// ExportReport summarizes a completed export.
type ExportReport struct {
	ArchivePath  string
	SHA256       string
	Size         int64
	TotalFiles   int
	TotalSize    int64
	ManifestPath string
	Duration     time.Duration
}

// Export packs a case directory into a compressed tar (<case>.tar.zst by
// default) with a .sha256 sidecar and a manifest listing every file's sha256
// and size.
func (m *Manager) Export(ctx context.Context, opts ExportOptions) (*ExportReport, error) {
	startTime := time.Now()

	ext, err := archiveExt(opts.Compression)
	if err != nil {
		return nil, err
	}
	c, err := OpenCase(opts.CaseDir)
	if err != nil {
		return nil, err
	}
	if _, err := safety.EnsureUnderRoot(c.Dir, opts.OutputDir); err == nil {
		return nil, fmt.Errorf("output directory %s is inside the case directory", opts.OutputDir)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	files, err := caseFiles(c)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to export in %s", c.Dir)
	}

	name := c.ID + ext
	archivePath := filepath.Join(opts.OutputDir, name)

	exp := &store.Export{CaseID: c.ID, ArchivePath: archivePath, StartTime: startTime.UTC()}
	if m.store != nil {
		if err := m.store.CreateExport(exp); err != nil {
			m.logger.Warn("failed to record export in store", "error", err)
		}
	}
	fail := func(err error) (*ExportReport, error) {
		_ = os.Remove(archivePath)
		if m.store != nil && exp.ID != 0 {
			exp.Status = store.StatusFailed
			exp.ErrorMessage = err.Error()
			exp.EndTime = time.Now().UTC()
			if uerr := m.store.UpdateExport(exp); uerr != nil {
				m.logger.Warn("failed to update export in store", "error", uerr)
			}
		}
		return nil, err
	}

	inventory, err := writeArchive(ctx, archivePath, opts.Compression, c, files)
	if err != nil {
		return fail(err)
	}

	// Compute SHA256 of the archive
	hash, size, err := hashFile(archivePath)
	if err != nil {
		return fail(fmt.Errorf("hashing archive: %w", err))
	}
	if err := writeSidecar(archivePath, hash); err != nil {
		return fail(err)
	}

	hostname, _ := os.Hostname()
	var totalSize int64
	for _, f := range inventory {
		totalSize += f.Size
	}
	manifest := &ExportManifest{
		Version:       "1.0",
		Created:       time.Now().UTC(),
		SourceHost:    hostname,
		Actor:         opts.Actor,
		CaseID:        c.ID,
		Archive:       ManifestFile{Path: name, Size: size, SHA256: hash},
		TotalSize:     totalSize,
		FileInventory: inventory,
	}

	manifestPath := filepath.Join(opts.OutputDir, c.ID+".manifest.json")
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("marshaling manifest: %w", err))
	}
	if err := os.WriteFile(manifestPath, manifestData, 0o644); err != nil {
		return fail(fmt.Errorf("writing manifest: %w", err))
	}
	manifestHash, _, err := hashFile(manifestPath)
	if err != nil {
		return fail(fmt.Errorf("hashing manifest: %w", err))
	}
	if err := writeSidecar(manifestPath, manifestHash); err != nil {
		return fail(err)
	}

	if err := record(c, opts.Actor, custody.ActionExport, map[string]any{
		"archive":      archivePath,
		"sha256":       hash,
		"size":         size,
		"files":        len(inventory),
		"manifest":     manifestPath,
		"compression":  compressionName(opts.Compression),
		"manifest_sha": manifestHash,
	}); err != nil {
		return fail(err)
	}

	if m.store != nil && exp.ID != 0 {
		exp.SHA256 = hash
		exp.Size = size
		exp.FileCount = len(inventory)
		exp.Status = store.StatusCompleted
		exp.EndTime = time.Now().UTC()
		if err := m.store.UpdateExport(exp); err != nil {
			m.logger.Warn("failed to update export in store", "error", err)
		}
	}

	duration := time.Since(startTime)
	m.logger.Info("export completed",
		"case", c.ID,
		"archive", archivePath,
		"files", len(inventory),
		"size", size,
		"duration", duration,
	)

	return &ExportReport{
		ArchivePath:  archivePath,
		SHA256:       hash,
		Size:         size,
		TotalFiles:   len(inventory),
		TotalSize:    totalSize,
		ManifestPath: manifestPath,
		Duration:     duration,
	}, nil
}

func compressionName(c string) string {
	if c == "" {
		return CompressionZstd
	}
	return c
}

// caseFiles lists the regular files of a case directory, sorted, skipping
// the staging directory of in-flight downloads.
func caseFiles(c *Case) ([]string, error) {
	staging := c.StagingDir()
	var files []string
	err := filepath.WalkDir(c.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p == staging {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking case directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func writeArchive(ctx context.Context, archivePath, compression string, c *Case, files []string) ([]ManifestFile, error) {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("creating archive %s: %w", filepath.Base(archivePath), err)
	}
	defer archiveFile.Close()

	cw, err := newCompressor(archiveFile, compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}
	tarWriter := tar.NewWriter(cw)

	inventory := make([]ManifestFile, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			_ = tarWriter.Close()
			_ = cw.Close()
			return nil, err
		}
		tarPath := path.Join(c.ID, c.Rel(f))
		entry, err := addFileToTar(tarWriter, f, tarPath)
		if err != nil {
			_ = cw.Close()
			return nil, fmt.Errorf("adding %s to archive: %w", tarPath, err)
		}
		inventory = append(inventory, entry)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}
	if err := archiveFile.Sync(); err != nil {
		return nil, fmt.Errorf("syncing archive: %w", err)
	}
	if err := archiveFile.Close(); err != nil {
		return nil, fmt.Errorf("closing archive file: %w", err)
	}
	return inventory, nil
}

// addFileToTar adds a single file to a tar archive, hashing it on the way.
func addFileToTar(tw *tar.Writer, srcPath, tarPath string) (ManifestFile, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return ManifestFile{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return ManifestFile{}, err
	}

	header := &tar.Header{
		Name:    tarPath,
		Size:    stat.Size(),
		Mode:    int64(stat.Mode().Perm()),
		ModTime: stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return ManifestFile{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tw, h), f)
	if err != nil {
		return ManifestFile{}, err
	}
	return ManifestFile{Path: tarPath, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func writeSidecar(target, hash string) error {
	content := fmt.Sprintf("%s  %s\n", hash, filepath.Base(target))
	if err := os.WriteFile(target+".sha256", []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing sha256 sidecar: %w", err)
	}
	return nil
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	sum, err := hashing.ConventionalDigest(f, hashing.SHA256)
	if err != nil {
		return "", 0, err
	}
	return sum, info.Size(), nil
}
