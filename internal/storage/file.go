package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "kworkbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>                        (watermark state, plain JSON)
//   - <prefix>.deliveries.jsonl     (append-only JSON Lines)
//
// The state file is human-editable. Deleting it forces first-run behavior.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath   string
	journalFile *os.File
}

// stateRecord is the on-disk watermark layout.
// LastSeenID is a pointer so an explicit null reads back as "unset".
type stateRecord struct {
	LastSeenID  *int64 `json:"last_seen_project_id"`
	Destination string `json:"destination,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		statePath:   path,
		journalFile: jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadWatermark(ctx context.Context, key string) (int64, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		s.log.Warn("watermark unreadable; treating as unset", logx.String("path", s.statePath), logx.Err(err))
		return 0, false, nil
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return 0, false, nil
	}

	var rec stateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn("watermark malformed; treating as unset", logx.String("path", s.statePath), logx.Err(err))
		return 0, false, nil
	}
	if rec.LastSeenID == nil {
		return 0, false, nil
	}
	if rec.Destination != "" && key != "" && rec.Destination != key {
		s.log.Info("watermark belongs to another destination; treating as unset",
			logx.String("stored", rec.Destination), logx.String("key", key))
		return 0, false, nil
	}
	return *rec.LastSeenID, true, nil
}

func (s *fileStore) SaveWatermark(ctx context.Context, key string, id int64) error {
	_ = ctx
	b, err := json.MarshalIndent(stateRecord{LastSeenID: &id, Destination: key}, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.statePath, b)
}

func (s *fileStore) ResetWatermark(ctx context.Context, key string) error {
	_ = ctx
	_ = key
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("delivery journal closed")
	}
	return json.NewEncoder(s.journalFile).Encode(e)
}

// writeFileAtomic replaces path with data so that a crash leaves either the
// old or the new content on disk.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}

	// Best-effort: persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
