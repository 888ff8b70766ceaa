// Package archive builds and uploads evidence archives for finished
// runs. An archive is a zstd-compressed tar holding the final report
// plus the captured output of every probe, addressed by its blake2b
// digest so a stored verdict can be checked against the bytes behind it.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"boundary/internal/common/storage"
	"boundary/internal/result"
	appErr "boundary/pkg/errors"
)

const (
	reportFileName = "report.json"
	objectPrefix   = "evidence/"
	contentType    = "application/zstd"
)

// Entry is one file inside an evidence archive.
type Entry struct {
	Name string
	Data []byte
}

// ProbeEntries builds archive entries from captured probe output.
// Probes that produced nothing on a stream get no file for it.
func ProbeEntries(results []result.RunResult) []Entry {
	entries := make([]Entry, 0, len(results)*2)
	for _, res := range results {
		if res.Probe == "" {
			continue
		}
		if res.Stdout != "" {
			entries = append(entries, Entry{Name: "probes/" + res.Probe + "/stdout.txt", Data: []byte(res.Stdout)})
		}
		if res.Stderr != "" {
			entries = append(entries, Entry{Name: "probes/" + res.Probe + "/stderr.txt", Data: []byte(res.Stderr)})
		}
	}
	return entries
}

// Builder packs evidence archives and uploads them to object storage.
type Builder struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewBuilder creates an evidence archive builder.
func NewBuilder(storageClient storage.ObjectStorage, bucket string) *Builder {
	return &Builder{storage: storageClient, bucket: bucket}
}

// Build packs the report and entries for a run, uploads the archive,
// and returns the object key plus the lowercase blake2b-256 digest of
// the archive bytes.
func (b *Builder) Build(ctx context.Context, runID string, report []byte, entries []Entry) (string, string, error) {
	if b == nil || b.storage == nil {
		return "", "", appErr.New(appErr.StorageError).WithMessage("storage client is not initialized")
	}
	if runID == "" {
		return "", "", appErr.ValidationError("run_id", "required")
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", "", appErr.Wrapf(err, appErr.ReportArchiveFailed, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	now := time.Now()
	writeEntry := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return appErr.Wrapf(err, appErr.ReportArchiveFailed, "write tar header failed")
		}
		if _, err := tw.Write(data); err != nil {
			return appErr.Wrapf(err, appErr.ReportArchiveFailed, "write tar entry failed")
		}
		return nil
	}

	if err := writeEntry(reportFileName, report); err != nil {
		return "", "", err
	}
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		if err := writeEntry(entry.Name, entry.Data); err != nil {
			return "", "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", "", appErr.Wrapf(err, appErr.ReportArchiveFailed, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return "", "", appErr.Wrapf(err, appErr.ReportArchiveFailed, "close zstd writer failed")
	}

	digest := blake2b.Sum256(buf.Bytes())
	key := objectPrefix + runID + ".tar.zst"

	err = b.storage.PutObject(ctx, b.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), contentType)
	if err != nil {
		return "", "", appErr.Wrapf(err, appErr.ObjectUploadFailed, "upload evidence failed")
	}
	return key, hex.EncodeToString(digest[:]), nil
}
