// Package evidence manages the per-lab artifact directory: the command
// transcript and any files the student saved during the rehearsal. At
// teardown the directory is finalized and, when configured, archived to S3.
package evidence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
)

// Files every lab evidence dir starts with.
const (
	CommandsLog  = "commands.log"
	CommandsTime = "commands.time"
	ArtifactsDir = "artifacts"
)

// Uploader is the S3 surface the manager needs; satisfied by *s3.Client.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Manager owns evidence directories under a common root.
type Manager struct {
	root     string
	bucket   string
	uploader Uploader
}

// NewManager builds a manager. Bucket empty means archival is off.
func NewManager(ctx context.Context, root, bucket, region string) (*Manager, error) {
	if root == "" {
		root = "/var/lib/octolab/evidence"
	}
	m := &Manager{root: root, bucket: bucket}
	if bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		m.uploader = s3.NewFromConfig(cfg)
	}
	return m, nil
}

// NewManagerWithUploader injects the S3 client; tests use it.
func NewManagerWithUploader(root, bucket string, uploader Uploader) *Manager {
	return &Manager{root: root, bucket: bucket, uploader: uploader}
}

// Dir returns a lab's evidence directory path. The layout mirrors the
// microVM state dir, so with a shared root the backend and the manager
// write into the same per-lab tree.
func (m *Manager) Dir(labID string) string {
	return filepath.Join(m.root, "lab-"+labID, "evidence")
}

// Init creates the evidence directory skeleton for a lab.
func (m *Manager) Init(labID string) error {
	dir := m.Dir(labID)
	if err := os.MkdirAll(filepath.Join(dir, ArtifactsDir), 0o700); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	for _, name := range []string{CommandsLog, CommandsTime} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0o600); err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
		}
	}
	return nil
}

// Finalize decides the evidence state at teardown, uploads the archive
// when configured, and returns the resulting state. Missing directory
// means unavailable; a directory without the transcript is partial. The
// upload failing degrades ready to partial rather than failing teardown.
func (m *Manager) Finalize(ctx context.Context, labID string) domain.EvidenceState {
	dir := m.Dir(labID)
	if _, err := os.Stat(dir); err != nil {
		return domain.EvidenceUnavailable
	}

	state := domain.EvidenceReady
	if fi, err := os.Stat(filepath.Join(dir, CommandsLog)); err != nil || fi.Size() == 0 {
		state = domain.EvidencePartial
	}

	if m.bucket != "" && m.uploader != nil {
		if err := m.archive(ctx, labID, dir); err != nil {
			logging.Op().Warn("evidence archive upload failed",
				"lab_id", labID, "error", err)
			if state == domain.EvidenceReady {
				state = domain.EvidencePartial
			}
		}
	}
	return state
}

// Remove deletes a lab's per-lab tree after finalization. By this point
// the backend has already cleared everything except the evidence dir.
func (m *Manager) Remove(labID string) error {
	return os.RemoveAll(filepath.Join(m.root, "lab-"+labID))
}

func (m *Manager) archive(ctx context.Context, labID, dir string) error {
	archive, err := tarGzDir(dir)
	if err != nil {
		return fmt.Errorf("pack evidence: %w", err)
	}
	key := fmt.Sprintf("labs/%s/evidence-%s.tar.gz", labID, time.Now().UTC().Format("20060102T150405Z"))
	_, err = m.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   bytes.NewReader(archive),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}
	logging.Op().Info("evidence archived", "lab_id", labID, "key", key, "bytes", len(archive))
	return nil
}

func tarGzDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
