package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"runsched/internal/domain"
	logx "runsched/pkg/logx"
)

// fileStore is the memory store made durable with two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only, one record per write)
//
// The journal is folded into the snapshot every compactEvery writes.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	compactPending bool
}

// journalRecord is one write. CreateRun carries both the run and the task
// whose counter it bumped.
type journalRecord struct {
	Task *domain.Task `json:"task,omitempty"`
	Run  *domain.Run  `json:"run,omitempty"`
}

type fileSnapshot struct {
	Tasks []domain.Task `json:"tasks"`
	Runs  []domain.Run  `json:"runs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	mem.onChange = s.append
	log.Info("file store opened", logx.String("path", prefix), logx.Int("tasks", len(mem.tasks)), logx.Int("runs", len(mem.runs)), logx.Int("replayed", replayed))
	return s, nil
}

// append runs under memStore.mu, before the record is applied. A pending
// compaction therefore snapshots exactly the state the journal described.
func (s *fileStore) append(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if s.compactPending {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		} else {
			s.compactPending = false
		}
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		s.compactPending = true
	}
	return nil
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.memStore.mu.Lock()
	defer s.memStore.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Tasks: make([]domain.Task, 0, len(s.memStore.tasks)),
		Runs:  make([]domain.Run, 0, len(s.memStore.runs)),
	}
	for _, t := range s.memStore.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, r := range s.memStore.runs {
		snap.Runs = append(snap.Runs, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Tasks {
		mem.apply(journalRecord{Task: &snap.Tasks[i]})
	}
	for i := range snap.Runs {
		mem.apply(journalRecord{Run: &snap.Runs[i]})
	}
	return nil
}

func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Torn tail write; everything before it is intact.
			continue
		}
		mem.apply(rec)
		n++
	}
	return n, sc.Err()
}
