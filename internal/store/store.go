package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Store owns the account set. All reads return clones; all mutations go
// through the store so every persisted-field change schedules exactly one
// coalesced write-through to accounts.json.
type Store struct {
	path string

	mu       sync.RWMutex
	accounts map[string]*Account

	// Persistence is single-writer: dirty wakes the loop, and at most one
	// file write is in flight. A mutation during a write re-arms the loop.
	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// selfWrites lets the fsnotify watcher ignore the store's own renames.
	selfWrites atomic.Int64

	watcher *watcher
}

// Open loads accounts.json (if present) and starts the persistence loop and
// the file watcher.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		accounts: make(map[string]*Account),
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.persistLoop()

	w, err := newWatcher(s)
	if err != nil {
		log.Warn().Err(err).Msg("accounts file watcher unavailable")
	} else {
		s.watcher = w
	}

	log.Info().Int("accounts", len(s.accounts)).Str("path", path).Msg("account store loaded")
	return s, nil
}

// load replaces the in-memory set from disk. Usage counters of surviving
// accounts are preserved by the caller (reload path); initial load starts
// from zero.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read accounts file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var list []*Account
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*Account, len(list))
	for _, a := range list {
		if a.OrganizationUUID == "" {
			continue
		}
		if a.Version == 0 {
			a.Version = schemaVersion
		}
		s.accounts[a.OrganizationUUID] = a
	}
	return nil
}

// reload applies an external file edit, keeping in-memory-only state for
// accounts whose identity persists.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var list []*Account
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*Account, len(list))
	for _, a := range list {
		if a.OrganizationUUID == "" {
			continue
		}
		if a.Version == 0 {
			a.Version = schemaVersion
		}
		if prev, ok := s.accounts[a.OrganizationUUID]; ok {
			a.Usage = prev.Usage
			a.LastUsed = prev.LastUsed
		}
		next[a.OrganizationUUID] = a
	}
	s.accounts = next
	log.Info().Int("accounts", len(next)).Msg("accounts reloaded from external edit")
	return nil
}

// List returns clones of all accounts in stable (id) order.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrganizationUUID < out[j].OrganizationUUID
	})
	return out
}

// Get returns a clone of one account or nil.
func (s *Store) Get(id string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		return a.Clone()
	}
	return nil
}

// Len returns the account count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Create inserts a new account. Fails if the organization id exists.
func (s *Store) Create(a *Account) error {
	if a.OrganizationUUID == "" {
		return fmt.Errorf("organization_uuid is required")
	}

	s.mu.Lock()
	if _, exists := s.accounts[a.OrganizationUUID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("account %s already exists", a.OrganizationUUID)
	}
	now := time.Now().UTC()
	a.Version = schemaVersion
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.PreferredAuth == "" {
		a.PreferredAuth = AuthAuto
	}
	s.accounts[a.OrganizationUUID] = a.Clone()
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// Update applies a partial mutation under the write lock and schedules
// persistence. The closure sees the live account; returning an error
// abandons the change.
func (s *Store) Update(id string, fn func(*Account) error) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("account %s not found", id)
	}
	if err := fn(a); err != nil {
		s.mu.Unlock()
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// Delete removes an account and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.accounts[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("account %s not found", id)
	}
	delete(s.accounts, id)
	s.mu.Unlock()

	s.markDirty()
	return nil
}

// MarkCooldown records that upstream rate-limited (account, model) until
// the given instant. Cooldowns only ever extend; a shorter observation
// never rolls an existing one back.
func (s *Store) MarkCooldown(id, model string, until time.Time) error {
	return s.Update(id, func(a *Account) error {
		if a.Cooldowns == nil {
			a.Cooldowns = make(map[string]time.Time)
		}
		if cur, ok := a.Cooldowns[model]; !ok || until.After(cur) {
			a.Cooldowns[model] = until.UTC()
		}
		return nil
	})
}

// IncrementUsage bumps the in-memory load-balancing counter. Not persisted,
// so no write is scheduled.
func (s *Store) IncrementUsage(id string) {
	s.mu.Lock()
	if a, ok := s.accounts[id]; ok {
		a.Usage++
		a.LastUsed = time.Now()
	}
	s.mu.Unlock()
}

// SetOAuth replaces the token bundle.
func (s *Store) SetOAuth(id string, bundle *OAuthBundle) error {
	return s.Update(id, func(a *Account) error {
		a.OAuth = bundle
		return nil
	})
}

// MarkOAuthInvalid flags a bundle whose refresh failed; the selector then
// demotes the account to the web transport.
func (s *Store) MarkOAuthInvalid(id string) error {
	return s.Update(id, func(a *Account) error {
		if a.OAuth != nil {
			a.OAuth.Invalid = true
		}
		return nil
	})
}

// markDirty arms the persistence loop; multiple mutations coalesce into one
// pending write.
func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dirty:
			if err := s.Persist(); err != nil {
				log.Error().Err(err).Msg("persist accounts failed")
			}
		case <-s.done:
			return
		}
	}
}

// Persist writes the full account list atomically (temp file + rename).
func (s *Store) Persist() error {
	list := s.List()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	s.selfWrites.Add(1)
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename accounts file: %w", err)
	}

	log.Debug().Int("accounts", len(list)).Msg("accounts persisted")
	return nil
}

// Close flushes a final write and stops the loops.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.stop()
		}
		close(s.done)
		s.wg.Wait()
		err = s.Persist()
	})
	return err
}
