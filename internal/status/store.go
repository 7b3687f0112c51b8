// Package status keeps the current pipeline state of every job by nonce.
package status

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/k11v/appbuild/internal/build"
)

var (
	ErrNotFound   = errors.New("status: not found")
	ErrRegression = errors.New("status: state regression")
	ErrTerminal   = errors.New("status: state is terminal")
)

const defaultShards = 32

// Store is a concurrency-safe map from nonce to build.StatusRecord.
// Writes to one nonce are serialized by its shard lock and never regress.
// Entries are never removed.
type Store struct {
	shards []*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*build.StatusRecord
}

// NewStore returns a store with the given number of shards.
// Non-positive values select the default of 32.
func NewStore(shards int) *Store {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Store{shards: make([]*shard, shards), now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*build.StatusRecord)}
	}
	return s
}

func (s *Store) shard(nonce string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nonce))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Create inserts a Received record for nonce.
// If nonce is already known it returns the existing record and false.
func (s *Store) Create(nonce, task string, round int) (build.StatusRecord, bool) {
	sh := s.shard(nonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[nonce]; ok {
		return *rec, false
	}

	rec := &build.StatusRecord{
		Nonce:     nonce,
		Task:      task,
		Round:     round,
		State:     build.StateReceived,
		UpdatedAt: s.now().UTC(),
	}
	sh.records[nonce] = rec
	return *rec, true
}

// Update describes a change to a record.
// Empty fields keep the current value.
type Update struct {
	State         build.State // required
	RepositoryURL string
	PagesURL      string
	CommitSHA     string
	Error         *build.ErrorDetail
	Warning       string
}

// Set applies u to the record of nonce.
// It fails if the record is terminal or u.State ranks before the current state.
func (s *Store) Set(nonce string, u Update) (build.StatusRecord, error) {
	if u.State.Rank() < 0 {
		return build.StatusRecord{}, fmt.Errorf("status: unknown state %q", u.State)
	}

	sh := s.shard(nonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[nonce]
	if !ok {
		return build.StatusRecord{}, ErrNotFound
	}
	if rec.State.IsTerminal() {
		return *rec, fmt.Errorf("%w: %s to %s", ErrTerminal, rec.State, u.State)
	}
	if u.State.Rank() < rec.State.Rank() {
		return *rec, fmt.Errorf("%w: %s to %s", ErrRegression, rec.State, u.State)
	}

	next := *rec
	next.State = u.State
	next.UpdatedAt = s.now().UTC()
	if u.RepositoryURL != "" {
		next.RepositoryURL = u.RepositoryURL
	}
	if u.PagesURL != "" {
		next.PagesURL = u.PagesURL
	}
	if u.CommitSHA != "" {
		next.CommitSHA = u.CommitSHA
	}
	if u.Error != nil {
		e := *u.Error
		next.Error = &e
	}
	if u.Warning != "" {
		next.Warning = u.Warning
	}
	sh.records[nonce] = &next

	return next, nil
}

// Get returns a copy of the record of nonce.
func (s *Store) Get(nonce string) (build.StatusRecord, error) {
	sh := s.shard(nonce)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[nonce]
	if !ok {
		return build.StatusRecord{}, ErrNotFound
	}
	return *rec, nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}
