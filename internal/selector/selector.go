// Package selector picks backend servers for a user out of the legacy
// fleet: tier-gated, channel-scoped, location-aware, and weighted against
// each server's live key count.
package selector

import (
	"fmt"
	"math/rand"
	"sort"

	"keygate/internal/logger"
	"keygate/internal/model"

	"gorm.io/gorm"
)

type Selector struct {
	db  *gorm.DB
	rnd *rand.Rand
}

// New builds a selector. The random source is injected so tests can pin
// the weighted draw.
func New(db *gorm.DB, rnd *rand.Rand) *Selector {
	return &Selector{db: db, rnd: rnd}
}

// Candidate is a server annotated with its live user count.
type Candidate struct {
	Server    model.Server
	UserCount int64
}

// Pool returns the eligible servers for one relaxation step, busiest
// first.
//
// limited restricts to exactly the user's level; otherwise only strictly
// higher levels are considered (the exact-level pass always runs first).
// exclude drops servers the user has held a key on before.
func (s *Selector) Pool(user *model.User, level int, limited, exclude bool, distModel model.DistModel, locationID *uint) ([]Candidate, error) {
	q := s.db.Model(&model.Server{}).
		Where("type = ?", model.TypeLegacy).
		Where("active = ?", true).
		Where("is_distributing = ?", true).
		Where("dist_model = ?", distModel).
		Where("channel = ?", user.Channel)

	if limited {
		q = q.Where("level = ?", level)
	} else {
		q = q.Where("level > ?", level)
	}
	if locationID != nil {
		q = q.Where("location_id = ?", *locationID)
	}
	if exclude {
		previous := s.db.Model(&model.Key{}).
			Select("server_id").
			Where("user_id = ?", user.ID)
		q = q.Where("id NOT IN (?)", previous)
	}

	var servers []model.Server
	if err := q.Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("querying server pool: %w", err)
	}
	if len(servers) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(servers))
	for i, srv := range servers {
		ids[i] = srv.ID
	}

	type countRow struct {
		ServerID uint
		Count    int64
	}
	var counts []countRow
	err := s.db.Model(&model.Key{}).
		Select("server_id, COUNT(DISTINCT id) AS count").
		Where("server_id IN ?", ids).
		Where("active = ? AND removed = ?", true, false).
		Group("server_id").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("counting live keys: %w", err)
	}

	byServer := make(map[uint]int64, len(counts))
	for _, row := range counts {
		byServer[row.ServerID] = row.Count
	}

	candidates := make([]Candidate, len(servers))
	for i, srv := range servers {
		candidates[i] = Candidate{Server: srv, UserCount: byServer[srv.ID]}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UserCount > candidates[j].UserCount
	})

	return candidates, nil
}

// Pick chooses one candidate, inverse-load weighted.
//
// An idle server (zero live keys) wins outright so fresh capacity gets
// traffic immediately. Otherwise each candidate gets weight 1/usercount,
// normalized, and a uniform draw in [0,100] walks the list. Busier servers
// are proportionally less likely but never excluded.
func (s *Selector) Pick(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return &candidates[0]
	}

	inverseTotal := 0.0
	for i := range candidates {
		if candidates[i].UserCount == 0 {
			return &candidates[i]
		}
		inverseTotal += 1 / float64(candidates[i].UserCount)
	}

	prob := float64(s.rnd.Intn(101))
	for i := range candidates {
		prob -= (1 / float64(candidates[i].UserCount)) * (1 / inverseTotal) * 100
		if prob <= 0 {
			return &candidates[i]
		}
	}
	// Float underflow on the last step; the walk exhausts to the tail.
	return &candidates[len(candidates)-1]
}

// Select resolves the server set for an allocation: one server for basic,
// one per active location for locationed.
//
// Per location, relaxation order is (exclude previous servers, exact
// level) → (exclude, higher level) → (no exclusion, exact) → (no
// exclusion, higher). A location with no pool at any step is skipped with
// an error log; it is the caller's problem when the result comes back
// empty.
func (s *Selector) Select(user *model.User, level int, distModel model.DistModel, locationID *uint) ([]model.Server, error) {
	locations := []*uint{locationID}
	if distModel == model.DistLocationed {
		var active []model.Location
		if err := s.db.Where("active = ?", true).Find(&active).Error; err != nil {
			return nil, fmt.Errorf("querying active locations: %w", err)
		}
		locations = locations[:0]
		for i := range active {
			locations = append(locations, &active[i].ID)
		}
	}

	var servers []model.Server
	for _, loc := range locations {
		var chosen *Candidate
		for _, exclude := range []bool{true, false} {
			for _, limited := range []bool{true, false} {
				pool, err := s.Pool(user, level, limited, exclude, distModel, loc)
				if err != nil {
					return nil, err
				}
				chosen = s.Pick(pool)
				if chosen != nil {
					break
				}
			}
			if chosen != nil {
				break
			}
		}
		if chosen == nil {
			logger.Log.Errorf("Unable to find a server for user %d level %d", user.ID, level)
			continue
		}
		servers = append(servers, chosen.Server)
	}

	return servers, nil
}
