package dispatcher

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/interfaces"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// ArchiveLimits bounds the attack archive the same way BuildLimits bounds a
// defense's ZIP source.
type ArchiveLimits struct {
	MaxUncompressedSizeBytes int64
	MaxFileCount             int
}

// AttackValidator discovers the files of an attack submission's archive:
// unpacks it, guards against path traversal and oversized archives, and
// populates the attack_files table with the discovered entries.
type AttackValidator struct {
	Jobs   interfaces.JobStore
	Blobs  interfaces.BlobStore
	Limits ArchiveLimits
	Logger *common.Logger
}

// Validate downloads the attack submission's archive, applies the same
// path-traversal/size/file-count guards as a defense ZIP source, discovers
// its files, and writes them to the job store before marking the
// submission ready. Files under a top-level "benign/" directory are
// recorded as IsMalware=false; everything else defaults to true, since an
// attack submission is itself a set of adversarial malware variants.
func (v *AttackValidator) Validate(ctx context.Context, attackSubmissionID string) error {
	sub, err := v.Jobs.GetSubmission(ctx, attackSubmissionID)
	if err != nil {
		return fmt.Errorf("dispatcher: validate attack: %w", err)
	}
	if sub.Kind != models.SubmissionKindAttack {
		return fmt.Errorf("dispatcher: validate attack: submission %s is not an attack", attackSubmissionID)
	}

	raw, err := v.Blobs.Get(ctx, sub.Source.ObjectKey)
	if err != nil {
		return fmt.Errorf("dispatcher: download attack archive %s: %w", sub.Source.ObjectKey, err)
	}

	discovered, err := discoverAttackFiles(raw, v.Limits)
	if err != nil {
		_ = v.Jobs.SetAttackStatus(ctx, attackSubmissionID, models.SubmissionStatusFailed)
		return fmt.Errorf("dispatcher: %w", err)
	}
	if len(discovered) == 0 {
		_ = v.Jobs.SetAttackStatus(ctx, attackSubmissionID, models.SubmissionStatusFailed)
		return fmt.Errorf("dispatcher: attack archive %s contains no files", sub.Source.ObjectKey)
	}

	files := make([]*models.AttackFile, 0, len(discovered))
	for _, d := range discovered {
		d.file.AttackSubmissionID = attackSubmissionID
		storedKey := fmt.Sprintf("attacks/%s/%s", attackSubmissionID, d.file.SHA256)
		if err := v.Blobs.Put(ctx, storedKey, d.contents); err != nil {
			return fmt.Errorf("dispatcher: store attack file %s: %w", d.file.Filename, err)
		}
		d.file.ObjectKey = storedKey
		files = append(files, d.file)
	}
	if err := v.Jobs.PopulateAttackFiles(ctx, attackSubmissionID, files); err != nil {
		return fmt.Errorf("dispatcher: populate attack files: %w", err)
	}
	return v.Jobs.SetAttackStatus(ctx, attackSubmissionID, models.SubmissionStatusReady)
}

// discoveredFile pairs a not-yet-stored AttackFile with its raw bytes,
// which still need an object-store key before the row can be written.
type discoveredFile struct {
	file     *models.AttackFile
	contents []byte
}

// discoverAttackFiles applies the normalize-then-check path-traversal and
// size guards while reading entries directly from the in-memory archive
// rather than extracting to disk: an attack file's content lives in the
// database as a hash and an object key, not as files on a filesystem.
func discoverAttackFiles(raw []byte, limits ArchiveLimits) ([]*discoveredFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid attack archive: %w", err)
	}

	if limits.MaxFileCount > 0 && len(zr.File) > limits.MaxFileCount {
		return nil, fmt.Errorf("attack archive contains too many files: %d (max %d)", len(zr.File), limits.MaxFileCount)
	}

	var totalSize int64
	for _, f := range zr.File {
		normalized := filepath.Clean(f.Name)
		if strings.HasPrefix(normalized, "..") || filepath.IsAbs(normalized) {
			return nil, fmt.Errorf("malicious path in attack archive: %q (path traversal detected)", f.Name)
		}
		totalSize += int64(f.UncompressedSize64)
	}
	if limits.MaxUncompressedSizeBytes > 0 && totalSize > limits.MaxUncompressedSizeBytes {
		return nil, fmt.Errorf("attack archive uncompressed size too large: %d bytes (max %d)", totalSize, limits.MaxUncompressedSizeBytes)
	}

	var out []*discoveredFile
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		normalized := filepath.ToSlash(filepath.Clean(f.Name))

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open attack archive entry %s: %w", f.Name, err)
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read attack archive entry %s: %w", f.Name, err)
		}
		sum := sha256.Sum256(contents)

		out = append(out, &discoveredFile{
			file: &models.AttackFile{
				Filename:  filepath.Base(normalized),
				SHA256:    hex.EncodeToString(sum[:]),
				IsMalware: !strings.HasPrefix(normalized, "benign/"),
			},
			contents: contents,
		})
	}
	return out, nil
}
