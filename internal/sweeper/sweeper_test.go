package sweeper

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "keygate/internal/backend/sim"
	"keygate/internal/config"
	"keygate/internal/coordinator"
	"keygate/internal/db"
	"keygate/internal/model"
	"keygate/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testSweeper(t *testing.T) (*Sweeper, *gorm.DB, *config.Config) {
	t.Helper()
	database, err := db.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database))
	t.Cleanup(func() { db.Close(database) })

	cfg := config.Default()
	cfg.Backends.RevokeRate = 0 // no sleeping in tests
	co := coordinator.New(database, cfg, nil, rand.New(rand.NewSource(3)))
	return New(database, cfg, co), database, cfg
}

func seedServer(t *testing.T, database *gorm.DB, name string) *model.Server {
	t.Helper()
	srv := &model.Server{
		Name:           name,
		Channel:        model.ChannelUnknown,
		Active:         true,
		IsDistributing: true,
		Type:           model.TypeLegacy,
	}
	require.NoError(t, database.Create(srv).Error)
	return srv
}

func seedUser(t *testing.T, database *gorm.DB, rawID string) *model.User {
	t.Helper()
	user := &model.User{Username: users.HashUserID(rawID), Channel: model.ChannelUnknown}
	require.NoError(t, database.Create(user).Error)
	return user
}

func TestFlushBacklog(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, database.Create(&model.Key{
			UserID:         &user.ID,
			ServerID:       srv.ID,
			BackendKeyID:   i + 1,
			Removed:        true,
			ExistsOnServer: true,
			RequestType:    model.TypeLegacy,
		}).Error)
	}
	// Already reconciled; must not be touched.
	require.NoError(t, database.Create(&model.Key{
		UserID:       &user.ID,
		ServerID:     srv.ID,
		BackendKeyID: 99,
		Removed:      true,
		RequestType:  model.TypeLegacy,
	}).Error)

	cleared, err := sw.FlushBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	var remaining int64
	require.NoError(t, database.Model(&model.Key{}).
		Where("removed = ? AND exists_on_server = ?", true, true).
		Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestFlushBacklogHonorsLimit(t *testing.T) {
	sw, database, cfg := testSweeper(t)
	cfg.Backends.BacklogLimit = 2
	srv := seedServer(t, database, "srv")

	for i := 0; i < 5; i++ {
		require.NoError(t, database.Create(&model.Key{
			ServerID:       srv.ID,
			BackendKeyID:   i + 1,
			Removed:        true,
			ExistsOnServer: true,
			RequestType:    model.TypeLegacy,
		}).Error)
	}

	cleared, err := sw.FlushBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
}

func TestDedupeActiveKeepsNewest(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	base := time.Now().Add(-72 * time.Hour)
	var keyIDs []uint
	for i := 0; i < 3; i++ {
		key := model.Key{
			UserID:         &user.ID,
			ServerID:       srv.ID,
			BackendKeyID:   i + 1,
			Active:         true,
			ExistsOnServer: true,
			RequestType:    model.TypeLegacy,
		}
		require.NoError(t, database.Create(&key).Error)
		require.NoError(t, database.Model(&key).
			Update("created_at", base.Add(time.Duration(i)*time.Hour)).Error)
		keyIDs = append(keyIDs, key.ID)
	}

	retired, err := sw.DedupeActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, retired)

	var newest model.Key
	require.NoError(t, database.First(&newest, keyIDs[2]).Error)
	assert.True(t, newest.Active)
	assert.False(t, newest.Removed)

	var live int64
	require.NoError(t, database.Model(&model.Key{}).
		Where("user_id = ? AND active = ? AND removed = ?", user.ID, true, false).
		Count(&live).Error)
	assert.Equal(t, int64(1), live)
}

func TestDedupeLeavesGroupsAlone(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	group := int64(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, database.Create(&model.Key{
			UserID:         &user.ID,
			ServerID:       srv.ID,
			BackendKeyID:   i + 1,
			Active:         true,
			ExistsOnServer: true,
			GroupID:        &group,
			RequestType:    model.TypeLegacy,
		}).Error)
	}

	retired, err := sw.DedupeActive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, retired, "locationed siblings are intentional multiplicity")
}

func TestDeactivateInactive(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	expired := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)

	due := model.Key{
		UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 1,
		Active: true, ExistsOnServer: true,
		DeleteDate: &expired, DeletionCause: model.CauseInactive,
		RequestType: model.TypeLegacy,
	}
	notYet := model.Key{
		UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 2,
		Active: true, ExistsOnServer: true,
		DeleteDate: &future, DeletionCause: model.CauseInactive,
		RequestType: model.TypeLegacy,
	}
	require.NoError(t, database.Create(&due).Error)
	require.NoError(t, database.Create(&notYet).Error)

	count, err := sw.DeactivateInactive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var got model.Key
	require.NoError(t, database.First(&got, due.ID).Error)
	assert.True(t, got.Removed)
	assert.False(t, got.Active)
	assert.False(t, got.ExistsOnServer)
	assert.Equal(t, model.CauseInactive, got.DeletionCause)

	got = model.Key{}
	require.NoError(t, database.First(&got, notYet.ID).Error)
	assert.True(t, got.Active)
}

func TestReconcileActivity(t *testing.T) {
	sw, database, cfg := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	old := time.Now().Add(-time.Duration(cfg.Lifecycle.InactivityWindowDays+10) * 24 * time.Hour)

	idle := model.Key{
		UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 1,
		Active: true, ExistsOnServer: true, RequestType: model.TypeLegacy,
	}
	busy := model.Key{
		UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 2,
		Active: true, ExistsOnServer: true, RequestType: model.TypeLegacy,
	}
	wasMarked := model.Key{
		UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 3,
		Active: true, ExistsOnServer: true, RequestType: model.TypeLegacy,
		DeleteDate: &old, DeletionCause: model.CauseInactive,
	}
	for _, key := range []*model.Key{&idle, &busy, &wasMarked} {
		require.NoError(t, database.Create(key).Error)
		require.NoError(t, database.Model(key).Update("created_at", old).Error)
	}

	recent := time.Now().Add(-time.Hour).Format(time.RFC3339)
	report := filepath.Join(t.TempDir(), "activity.csv")
	lines := fmt.Sprintf("srv,2,%s\nsrv,3,%s\nsrv,1,%s\n",
		recent, recent, old.Format(time.RFC3339))
	require.NoError(t, os.WriteFile(report, []byte(lines), 0644))

	marked, unmarked, err := sw.ReconcileActivity(report)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 1, unmarked)

	var got model.Key
	require.NoError(t, database.First(&got, idle.ID).Error)
	require.NotNil(t, got.DeleteDate, "stale key gets a deletion date")
	assert.Equal(t, model.CauseInactive, got.DeletionCause)

	got = model.Key{}
	require.NoError(t, database.First(&got, busy.ID).Error)
	assert.Nil(t, got.DeleteDate)

	got = model.Key{}
	require.NoError(t, database.First(&got, wasMarked.ID).Error)
	assert.Nil(t, got.DeleteDate, "activity clears the inactivity mark")
	assert.Equal(t, model.CauseNA, got.DeletionCause)
}

func TestPurgeOrphans(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")
	user := seedUser(t, database, "alice")

	orphan := model.Key{ServerID: srv.ID, BackendKeyID: 1, ExistsOnServer: true, RequestType: model.TypeLegacy}
	owned := model.Key{UserID: &user.ID, ServerID: srv.ID, BackendKeyID: 2, Active: true, RequestType: model.TypeLegacy}
	require.NoError(t, database.Create(&orphan).Error)
	require.NoError(t, database.Create(&owned).Error)
	require.NoError(t, database.Create(&model.OnlineConfig{
		FileName:       "stalefile",
		StorageService: "fs",
	}).Error)

	purged, err := sw.PurgeOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	var count int64
	require.NoError(t, database.Model(&model.Key{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, database.Model(&model.OnlineConfig{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestResetReputations(t *testing.T) {
	sw, database, _ := testSweeper(t)

	for i, rep := range []int{0, 2, 5, 9} {
		user := seedUser(t, database, fmt.Sprintf("user-%d", i))
		require.NoError(t, database.Model(user).Update("reputation", rep).Error)
	}

	reset, err := sw.ResetReputations(4)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	var above int64
	require.NoError(t, database.Model(&model.User{}).
		Where("reputation > ?", 4).Count(&above).Error)
	assert.Zero(t, above)

	// Users at or below the ceiling keep what they earned.
	var kept model.User
	require.NoError(t, database.Where("username = ?", users.HashUserID("user-1")).
		First(&kept).Error)
	assert.Equal(t, 2, kept.Reputation)
}

func TestPurgeUsers(t *testing.T) {
	sw, database, _ := testSweeper(t)
	srv := seedServer(t, database, "srv")

	expired := seedUser(t, database, "leaving")
	due := time.Now().Add(-time.Hour)
	require.NoError(t, database.Model(expired).Updates(map[string]interface{}{
		"banned": true, "banned_reason": model.BanDeleted, "delete_date": &due,
	}).Error)
	require.NoError(t, database.Create(&model.Key{
		UserID: &expired.ID, ServerID: srv.ID, BackendKeyID: 1,
		Active: true, ExistsOnServer: true, RequestType: model.TypeLegacy,
	}).Error)

	staying := seedUser(t, database, "staying")
	require.NoError(t, database.Create(&model.Key{
		UserID: &staying.ID, ServerID: srv.ID, BackendKeyID: 2,
		Active: true, ExistsOnServer: true, RequestType: model.TypeLegacy,
	}).Error)

	purged, err := sw.PurgeUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	var userCount, keyCount int64
	require.NoError(t, database.Model(&model.User{}).Count(&userCount).Error)
	assert.Equal(t, int64(1), userCount)
	require.NoError(t, database.Model(&model.Key{}).Count(&keyCount).Error)
	assert.Equal(t, int64(1), keyCount)

	var left model.User
	require.NoError(t, database.First(&left).Error)
	assert.Equal(t, staying.ID, left.ID)
}
