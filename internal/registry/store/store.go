// Package store persists the agent catalog as a single JSON document with
// an atomic-replace write path and a sibling backup file. One process owns
// the file; multi-process writers are not supported.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/registry/model"
)

// SchemaVersion is the on-disk document schema version. Loads fail closed
// when the major component differs.
const SchemaVersion = "1.0.0"

// Document is the on-disk registry representation. Local agents carry only
// their constructor reference; live instances are never serialized.
type Document struct {
	SchemaVersion string                         `json:"schema_version"`
	LastUpdated   time.Time                      `json:"last_updated"`
	Agents        map[string]*model.AgentRecord `json:"agents"`
}

// NewDocument returns an empty registry document.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Agents:        make(map[string]*model.AgentRecord),
	}
}

// FileStore owns the registry file and its backup. Writes are serialized by
// a process-local mutex; readers of a loaded Document hold an independent
// copy and are unaffected by later saves.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStore creates a FileStore for the document at path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Path returns the live document path.
func (s *FileStore) Path() string { return s.path }

// BackupPath returns the sibling backup path.
func (s *FileStore) BackupPath() string { return s.path + ".backup" }

// Load reads and validates the live document. On a malformed or
// version-incompatible live file it promotes the backup; when both are
// unusable it returns an empty document together with ErrStoreCorrupt so
// the caller can decide whether starting empty is acceptable.
func (s *FileStore) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadFile(s.path)
	if err == nil {
		return doc, nil
	}
	if os.IsNotExist(err) {
		return NewDocument(), nil
	}

	s.logger.Warn("registry file unreadable, trying backup",
		zap.String("path", s.path),
		zap.Error(err),
	)

	doc, backupErr := s.loadFile(s.BackupPath())
	if backupErr == nil {
		// Promote the backup over the corrupt live file.
		if promoteErr := copyFile(s.BackupPath(), s.path); promoteErr != nil {
			s.logger.Error("backup promotion failed", zap.Error(promoteErr))
		}
		return doc, nil
	}

	return NewDocument(), fmt.Errorf("%w: live: %v; backup: %v", model.ErrStoreCorrupt, err, backupErr)
}

// Save atomically replaces the live document. The current live file is first
// copied to the backup path, then the new document is written to a sibling
// temp file, fsynced, and renamed over the live file. A crash at any point
// leaves at least one of {live, backup} intact and parseable.
func (s *FileStore) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.SchemaVersion = SchemaVersion
	doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	// Preserve the previous generation before the replace.
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.BackupPath()); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// RestoreFromBackup copies the backup over the live file and returns the
// restored document.
func (s *FileStore) RestoreFromBackup() (*Document, error) {
	s.mu.Lock()
	doc, err := s.loadFile(s.BackupPath())
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("load backup: %w", err)
	}
	if err := copyFile(s.BackupPath(), s.path); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	s.mu.Unlock()
	return doc, nil
}

// loadFile reads, parses, and schema-checks one file.
func (s *FileStore) loadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry document: %w", err)
	}
	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]*model.AgentRecord)
	}
	// The map key is authoritative; keep embedded names consistent with it.
	for name, rec := range doc.Agents {
		if rec == nil {
			return nil, errors.New("parse registry document: nil agent record")
		}
		rec.Name = name
	}
	return &doc, nil
}

// checkSchemaVersion fails closed on a different major version.
func checkSchemaVersion(v string) error {
	if v == "" {
		return errors.New("registry document missing schema_version")
	}
	want := majorOf(SchemaVersion)
	if majorOf(v) != want {
		return fmt.Errorf("incompatible registry schema version %q (supported major: %s)", v, want)
	}
	return nil
}

func majorOf(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}

// copyFile copies src over dst, fsyncing the destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
