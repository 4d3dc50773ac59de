// Package sweeper holds the maintenance passes that keep the database and
// the backend fleet in agreement: activity reconciliation, inactivity
// teardown, backlog flushing, duplicate collapsing, orphan cleanup and
// scheduled account purges.
package sweeper

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"keygate/internal/config"
	"keygate/internal/coordinator"
	"keygate/internal/logger"
	"keygate/internal/model"

	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

type Sweeper struct {
	db  *gorm.DB
	cfg *config.Config
	co  *coordinator.Coordinator
}

func New(db *gorm.DB, cfg *config.Config, co *coordinator.Coordinator) *Sweeper {
	return &Sweeper{db: db, cfg: cfg, co: co}
}

// ReconcileActivity ingests a usage report (CSV of server name, backend
// key id, last-seen RFC3339 timestamp) and flips the inactivity marks.
//
// Active legacy keys absent from the report, or last seen before the
// inactivity window, get a deletion date one grace period out. Keys seen
// again before that date are unmarked.
func (s *Sweeper) ReconcileActivity(reportPath string) (marked, unmarked int, err error) {
	f, err := os.Open(reportPath)
	if err != nil {
		return 0, 0, fmt.Errorf("opening activity report: %w", err)
	}
	defer f.Close()

	lastSeen, err := parseActivityReport(f)
	if err != nil {
		return 0, 0, err
	}

	var keys []model.Key
	err = s.db.Preload("Server").
		Where("request_type = ? AND active = ? AND removed = ?", model.TypeLegacy, true, false).
		Find(&keys).Error
	if err != nil {
		return 0, 0, fmt.Errorf("listing active keys: %w", err)
	}

	window := time.Duration(s.cfg.Lifecycle.InactivityWindowDays) * 24 * time.Hour
	grace := time.Duration(s.cfg.Lifecycle.GraceDays) * 24 * time.Hour
	cutoff := time.Now().Add(-window)

	for i := range keys {
		key := &keys[i]
		seen, ok := lastSeen[activityRef{key.Server.Name, key.BackendKeyID}]
		active := ok && seen.After(cutoff)

		switch {
		case !active && key.DeleteDate == nil:
			// Fresh keys get the full window before they can be marked.
			if key.CreatedAt.After(cutoff) {
				continue
			}
			when := time.Now().Add(grace)
			err := s.db.Model(key).Updates(map[string]interface{}{
				"delete_date":    &when,
				"deletion_cause": model.CauseInactive,
			}).Error
			if err != nil {
				logger.Log.Errorf("Unable to mark key %d inactive: %v", key.ID, err)
				continue
			}
			marked++
		case active && key.DeleteDate != nil && key.DeletionCause == model.CauseInactive:
			err := s.db.Model(key).Updates(map[string]interface{}{
				"delete_date":    nil,
				"deletion_cause": model.CauseNA,
			}).Error
			if err != nil {
				logger.Log.Errorf("Unable to unmark key %d: %v", key.ID, err)
				continue
			}
			unmarked++
		}
	}

	logger.Log.Infof("Activity reconciled: %d marked, %d unmarked", marked, unmarked)
	return marked, unmarked, nil
}

type activityRef struct {
	server string
	keyID  int
}

func parseActivityReport(r io.Reader) (map[activityRef]time.Time, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3

	out := make(map[activityRef]time.Time)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading activity report: %w", err)
		}
		keyID, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("activity report line %d: bad key id %q", line, record[1])
		}
		seen, err := time.Parse(time.RFC3339, record[2])
		if err != nil {
			return nil, fmt.Errorf("activity report line %d: bad timestamp %q", line, record[2])
		}
		ref := activityRef{record[0], keyID}
		if existing, ok := out[ref]; !ok || seen.After(existing) {
			out[ref] = seen
		}
	}
	return out, nil
}

// DeactivateInactive retires keys whose inactivity grace period has run
// out: the backend key is revoked and the row soft-removed with cause
// INACTIVE.
func (s *Sweeper) DeactivateInactive(ctx context.Context) (int, error) {
	var keys []model.Key
	err := s.db.Preload("Server").
		Where("active = ? AND removed = ?", true, false).
		Where("deletion_cause = ? AND delete_date IS NOT NULL AND delete_date <= ?",
			model.CauseInactive, time.Now()).
		Find(&keys).Error
	if err != nil {
		return 0, fmt.Errorf("listing expired keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	failed := s.co.RemoveKeys(ctx, keys)
	failedSet := make(map[uint]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	count := 0
	for i := range keys {
		key := &keys[i]
		err := s.db.Model(key).Updates(map[string]interface{}{
			"active":           false,
			"removed":          true,
			"exists_on_server": failedSet[key.ID],
			"deletion_cause":   model.CauseInactive,
		}).Error
		if err != nil {
			logger.Log.Errorf("Unable to retire key %d: %v", key.ID, err)
			continue
		}
		count++
	}
	logger.Log.Infof("Retired %d inactive keys (%d pending backend removal)", count, len(failed))
	return count, nil
}

// FlushBacklog retries backend removal for keys that are soft-removed in
// the database but still live on their server. Deletes are rate limited
// so a large backlog cannot hammer the fleet.
func (s *Sweeper) FlushBacklog(ctx context.Context) (int, error) {
	var keys []model.Key
	q := s.db.Preload("Server").
		Where("removed = ? AND exists_on_server = ?", true, true).
		Order("updated_at ASC")
	if s.cfg.Backends.BacklogLimit > 0 {
		q = q.Limit(s.cfg.Backends.BacklogLimit)
	}
	if err := q.Find(&keys).Error; err != nil {
		return 0, fmt.Errorf("listing backlog: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	interval := time.Duration(0)
	if s.cfg.Backends.RevokeRate > 0 {
		interval = time.Second / time.Duration(s.cfg.Backends.RevokeRate)
	}

	bar := progressbar.Default(int64(len(keys)), "flushing backlog")
	cleared := 0
	for i := range keys {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		failed := s.co.RemoveKeys(ctx, keys[i:i+1])
		if len(failed) == 0 {
			cleared++
		}
		_ = bar.Add(1)
		if interval > 0 && i < len(keys)-1 {
			time.Sleep(interval)
		}
	}

	logger.Log.Infof("Backlog flush: %d/%d keys cleared", cleared, len(keys))
	return cleared, nil
}

// DedupeActive collapses users holding more than one live basic legacy
// key down to their newest one. Locationed groups are left alone; their
// multiplicity is intentional.
func (s *Sweeper) DedupeActive(ctx context.Context) (int, error) {
	var dupes []uint
	err := s.db.Model(&model.Key{}).
		Select("user_id").
		Where("request_type = ? AND active = ? AND removed = ? AND group_id IS NULL", model.TypeLegacy, true, false).
		Where("user_id IS NOT NULL").
		Group("user_id").
		Having("COUNT(id) > 1").
		Pluck("user_id", &dupes).Error
	if err != nil {
		return 0, fmt.Errorf("finding duplicate holders: %w", err)
	}

	retired := 0
	for _, userID := range dupes {
		var keys []model.Key
		err := s.db.Preload("Server").
			Where("user_id = ? AND request_type = ? AND active = ? AND removed = ? AND group_id IS NULL",
				userID, model.TypeLegacy, true, false).
			Order("created_at DESC").
			Find(&keys).Error
		if err != nil {
			logger.Log.Errorf("Unable to list keys for user %d: %v", userID, err)
			continue
		}
		if len(keys) < 2 {
			continue
		}

		extras := keys[1:]
		failed := s.co.RemoveKeys(ctx, extras)
		failedSet := make(map[uint]bool, len(failed))
		for _, id := range failed {
			failedSet[id] = true
		}
		for i := range extras {
			key := &extras[i]
			err := s.db.Model(key).Updates(map[string]interface{}{
				"active":           false,
				"removed":          true,
				"exists_on_server": failedSet[key.ID],
			}).Error
			if err != nil {
				logger.Log.Errorf("Unable to retire duplicate key %d: %v", key.ID, err)
				continue
			}
			retired++
		}
	}

	logger.Log.Infof("Dedupe: retired %d surplus keys across %d users", retired, len(dupes))
	return retired, nil
}

// PurgeOrphans removes keys whose owning user row is gone and connect
// files whose key is gone.
func (s *Sweeper) PurgeOrphans(ctx context.Context) (int, error) {
	var keys []model.Key
	err := s.db.Preload("Server").
		Where("user_id IS NULL OR user_id NOT IN (?)",
			s.db.Model(&model.User{}).Select("id")).
		Find(&keys).Error
	if err != nil {
		return 0, fmt.Errorf("listing orphan keys: %w", err)
	}

	purged := 0
	if len(keys) > 0 {
		failed := s.co.RemoveKeys(ctx, keys)
		failedSet := make(map[uint]bool, len(failed))
		for _, id := range failed {
			failedSet[id] = true
		}
		var ids []uint
		for _, key := range keys {
			if failedSet[key.ID] {
				continue
			}
			ids = append(ids, key.ID)
		}
		if len(ids) > 0 {
			s.co.DropConfigs(ctx, ids)
			if err := s.db.Delete(&model.Key{}, ids).Error; err != nil {
				return purged, fmt.Errorf("deleting orphan keys: %w", err)
			}
			purged += len(ids)
		}
	}

	// Connect files pointing at nothing.
	var stale []model.OnlineConfig
	err = s.db.
		Where("key_id IS NULL OR key_id NOT IN (?)",
			s.db.Model(&model.Key{}).Select("id")).
		Find(&stale).Error
	if err != nil {
		return purged, fmt.Errorf("listing stale configs: %w", err)
	}
	for _, oc := range stale {
		if err := s.co.DropConfigFile(ctx, oc.FileName); err != nil {
			logger.Log.Errorf("Unable to delete config file %s: %v", oc.FileName, err)
			continue
		}
		if err := s.db.Delete(&model.OnlineConfig{}, oc.ID).Error; err != nil {
			logger.Log.Errorf("Unable to delete stale config %d: %v", oc.ID, err)
			continue
		}
		purged++
	}

	logger.Log.Infof("Orphan purge: %d rows removed", purged)
	return purged, nil
}

// ResetReputations knocks every user above the ceiling back to zero.
// Run after a tier-map rework so nobody keeps a level the new table no
// longer hands out.
func (s *Sweeper) ResetReputations(ceiling int) (int, error) {
	res := s.db.Model(&model.User{}).
		Where("reputation > ?", ceiling).
		Update("reputation", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("resetting reputations: %w", res.Error)
	}
	logger.Log.Infof("Reputation reset: %d users above %d zeroed", res.RowsAffected, ceiling)
	return int(res.RowsAffected), nil
}

// PurgeUsers hard-deletes accounts whose scheduled deletion date has
// passed: backend keys revoked, connect files dropped, key rows and the
// user row deleted.
func (s *Sweeper) PurgeUsers(ctx context.Context) (int, error) {
	var expired []model.User
	err := s.db.Preload("Keys.Server").
		Where("delete_date IS NOT NULL AND delete_date <= ?", time.Now()).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("listing expired accounts: %w", err)
	}

	purged := 0
	for i := range expired {
		user := &expired[i]

		failed := s.co.RemoveKeys(ctx, user.Keys)
		if len(failed) > 0 {
			logger.Log.Errorf("User %d purge deferred: %d keys still on their backends", user.ID, len(failed))
			continue
		}

		var ids []uint
		for _, key := range user.Keys {
			ids = append(ids, key.ID)
		}
		s.co.DropConfigs(ctx, ids)

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if len(ids) > 0 {
				if err := tx.Delete(&model.Key{}, ids).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(user).Association("Regions").Clear(); err != nil {
				return err
			}
			return tx.Delete(&model.User{}, user.ID).Error
		})
		if err != nil {
			logger.Log.Errorf("Unable to purge user %d: %v", user.ID, err)
			continue
		}
		purged++
	}

	logger.Log.Infof("Account purge: %d users deleted", purged)
	return purged, nil
}
