// Package memrepository is an in-process Repository for tests and local
// dry runs. Scripts are the source of truth; users and strategy sets are
// reassembled from them on every read.
package memrepository

import (
	"context"
	"sort"
	"sync"
	"time"

	"swingalgo/internal/models"
	"swingalgo/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	users    map[uint64]models.User
	sets     map[uint64]models.StrategySet
	scripts  map[uint64]models.Script
	archives []models.ScriptArchive
	saves    int
	nextID   uint64
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		users:   map[uint64]models.User{},
		sets:    map[uint64]models.StrategySet{},
		scripts: map[uint64]models.Script{},
	}
}

// Seed stores user together with its strategy sets and scripts. Missing ids
// are assigned and foreign keys are filled in.
func (s *Store) Seed(user models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		user.ID = s.id()
	}
	for i := range user.Strategies {
		set := &user.Strategies[i]
		if set.ID == 0 {
			set.ID = s.id()
		}
		set.UserID = user.ID
		for j := range set.Scripts {
			sc := &set.Scripts[j]
			if sc.ID == 0 {
				sc.ID = s.id()
			}
			sc.StrategySetID = set.ID
			sc.UserID = user.ID
			if sc.Status == "" {
				sc.Status = models.StatusWaiting
			}
			s.scripts[sc.ID] = *sc
		}
		stored := *set
		stored.Scripts = nil
		s.sets[set.ID] = stored
	}
	stored := user
	stored.Strategies = nil
	s.users[user.ID] = stored
	return s.assemble(user.ID)
}

func (s *Store) id() uint64 {
	s.nextID += 1000
	return s.nextID
}

func (s *Store) assemble(userID uint64) models.User {
	user := s.users[userID]
	var sets []models.StrategySet
	for _, set := range s.sets {
		if set.UserID == userID && set.Active {
			sets = append(sets, set)
		}
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].ID < sets[j].ID })
	for i := range sets {
		var scripts []models.Script
		for _, sc := range s.scripts {
			if sc.StrategySetID == sets[i].ID {
				scripts = append(scripts, sc)
			}
		}
		sort.Slice(scripts, func(a, b int) bool { return scripts[a].ID < scripts[b].ID })
		sets[i].Scripts = scripts
	}
	user.Strategies = sets
	return user
}

func (s *Store) ListEligibleUsers(ctx context.Context, partition repository.Partition) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.users))
	for id, u := range s.users {
		if u.HasCredentials() && partition.Owns(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.assemble(id))
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return nil, nil
	}
	u := s.assemble(id)
	return &u, nil
}

func (s *Store) GetScript(ctx context.Context, id uint64) (*models.Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *Store) SaveScript(ctx context.Context, script *models.Script) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if script == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if script.ID == 0 {
		script.ID = s.id()
	}
	s.scripts[script.ID] = *script
	s.saves++
	return nil
}

// Saves counts SaveScript calls.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *Store) ListPendingOrderScripts(ctx context.Context, limit int) ([]models.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Script
	for _, sc := range s.scripts {
		if sc.PendingOrderID != "" {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ArchiveSoldOut(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sc := range s.scripts {
		if sc.Status != models.StatusSoldOut || sc.LastTradeDate == nil || !sc.LastTradeDate.Before(cutoff) {
			continue
		}
		s.archives = append(s.archives, models.ScriptArchive{
			OriginalID:    sc.ID,
			StrategySetID: sc.StrategySetID,
			Symbol:        sc.Symbol,
			ArchivedAt:    now.UTC(),
		})
		sc.Status = models.StatusArchived
		s.scripts[id] = sc
		n++
	}
	return n, nil
}

func (s *Store) Archives() []models.ScriptArchive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ScriptArchive(nil), s.archives...)
}
