package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"keygate/internal/backend"
	_ "keygate/internal/backend/sim"
	"keygate/internal/config"
	"keygate/internal/db"
	"keygate/internal/model"
	"keygate/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testCoordinator(t *testing.T) (*Coordinator, *gorm.DB) {
	t.Helper()
	database, err := db.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database))
	t.Cleanup(func() { db.Close(database) })

	cfg := config.Default()
	return New(database, cfg, nil, rand.New(rand.NewSource(7))), database
}

func seedUser(t *testing.T, database *gorm.DB, rawID string) *model.User {
	t.Helper()
	user := &model.User{
		Username: users.HashUserID(rawID),
		Channel:  model.ChannelUnknown,
	}
	require.NoError(t, database.Create(user).Error)
	return user
}

func seedLegacyServer(t *testing.T, database *gorm.DB, name string, level int) *model.Server {
	t.Helper()
	srv := &model.Server{
		Name:           name,
		Channel:        model.ChannelUnknown,
		Level:          level,
		DistModel:      model.DistBasic,
		Active:         true,
		IsDistributing: true,
		Type:           model.TypeLegacy,
	}
	require.NoError(t, database.Create(srv).Error)
	return srv
}

func TestCreateUnknownUser(t *testing.T) {
	co, _ := testCoordinator(t)
	_, err := co.Create(context.Background(), CreateRequest{UserID: "ghost"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateBannedUser(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	require.NoError(t, database.Model(user).
		Updates(map[string]interface{}{"banned": true, "banned_reason": model.BanTorrent}).Error)

	_, err := co.Create(context.Background(), CreateRequest{UserID: "alice"})
	assert.ErrorIs(t, err, ErrUserBanned)
}

func TestCreateDuplicateNonLegacy(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	srv := seedLegacyServer(t, database, "srv", 0)
	require.NoError(t, database.Create(&model.Key{
		UserID:      &user.ID,
		ServerID:    srv.ID,
		RequestType: model.TypeCentral,
	}).Error)

	_, err := co.Create(context.Background(), CreateRequest{UserID: "alice"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCreateNoServers(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	_, err := co.Create(context.Background(), CreateRequest{UserID: "alice"})
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestCreateBasicFirstKey(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	srv := seedLegacyServer(t, database, "srv0", 0)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)
	require.Len(t, alloc.CreatedKeys, 1)
	assert.Equal(t, srv.ID, alloc.CreatedKeys[0].ServerID)
	assert.Equal(t, 0, alloc.Reputation, "first key is never rewarded")

	var key model.Key
	require.NoError(t, database.First(&key, alloc.Key.ID).Error)
	assert.True(t, key.Active)
	assert.False(t, key.Removed)
	assert.True(t, key.ExistsOnServer)
	assert.Equal(t, model.TypeLegacy, key.RequestType)
	assert.Nil(t, key.GroupID)
	assert.Contains(t, key.AccessURL, "ss://")

	require.NoError(t, database.First(user, user.ID).Error)
	assert.Equal(t, 0, user.Reputation)
}

func TestCreateSecondKeyClimbsTier(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	seedLegacyServer(t, database, "srv0", 0)
	srv1 := seedLegacyServer(t, database, "srv1", 1)

	first, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)

	second, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Reputation)
	assert.Equal(t, srv1.ID, second.Key.ServerID, "a rewarded user moves up a tier")

	require.NoError(t, database.First(user, user.ID).Error)
	assert.Equal(t, 1, user.Reputation)

	// The superseded key is retired.
	var old model.Key
	require.NoError(t, database.First(&old, first.Key.ID).Error)
	assert.True(t, old.Removed)
	assert.False(t, old.ExistsOnServer)
}

func TestCreateLocationedGroup(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	for _, name := range []string{"loc-a", "loc-b"} {
		loc := model.Location{Name: name, Active: true}
		require.NoError(t, database.Create(&loc).Error)
		srv := &model.Server{
			Name:           "srv-" + name,
			Channel:        model.ChannelUnknown,
			DistModel:      model.DistLocationed,
			LocationID:     &loc.ID,
			Active:         true,
			IsDistributing: true,
			Type:           model.TypeLegacy,
		}
		require.NoError(t, database.Create(srv).Error)
	}

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
		DistModel:   model.DistLocationed,
	})
	require.NoError(t, err)
	require.Len(t, alloc.CreatedKeys, 2)

	var keys []model.Key
	require.NoError(t, database.Where("removed = ?", false).Find(&keys).Error)
	require.Len(t, keys, 2)
	for _, key := range keys {
		require.NotNil(t, key.GroupID)
		assert.Equal(t, int64(1), *key.GroupID)
	}
}

type flakyProvisioner struct {
	inner    backend.Provisioner
	failFrom int
	calls    int
	removed  int
}

func (f *flakyProvisioner) CreateKey(ctx context.Context, server *model.Server) (*backend.KeyInfo, error) {
	f.calls++
	if f.calls >= f.failFrom {
		return nil, errors.New("backend exploded")
	}
	return f.inner.CreateKey(ctx, server)
}

func (f *flakyProvisioner) RemoveKey(ctx context.Context, server *model.Server, keyID int) error {
	f.removed++
	return nil
}

func TestCreateLocationedRollsBackOnPartialFailure(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	for _, name := range []string{"loc-a", "loc-b"} {
		loc := model.Location{Name: name, Active: true}
		require.NoError(t, database.Create(&loc).Error)
		srv := &model.Server{
			Name:           "srv-" + name,
			Channel:        model.ChannelUnknown,
			DistModel:      model.DistLocationed,
			LocationID:     &loc.ID,
			Active:         true,
			IsDistributing: true,
			Type:           model.TypeLegacy,
		}
		require.NoError(t, database.Create(srv).Error)
	}

	sim, err := backend.Get("sim", backend.Options{Rand: rand.New(rand.NewSource(7))})
	require.NoError(t, err)
	flaky := &flakyProvisioner{inner: sim, failFrom: 2}
	co.Resolve = func(string) (backend.Provisioner, error) { return flaky, nil }

	_, err = co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
		DistModel:   model.DistLocationed,
	})
	require.ErrorIs(t, err, ErrAllocation)

	var count int64
	require.NoError(t, database.Model(&model.Key{}).Count(&count).Error)
	assert.Zero(t, count, "a failed group allocation must persist nothing")
}

func TestCreateCentralRewritesHost(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	srv := &model.Server{
		Name:           "central-1",
		Channel:        model.ChannelUnknown,
		Active:         true,
		IsDistributing: true,
		Type:           model.TypeCentral,
	}
	require.NoError(t, database.Create(srv).Error)
	require.NoError(t, database.Create(&model.LoadBalancer{
		HostName:   "front.example.org",
		ServerID:   &srv.ID,
		IsActive:   true,
		ReplacesIP: true,
	}).Error)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeCentral,
	})
	require.NoError(t, err)
	assert.Contains(t, alloc.Key.AccessURL, "@front.example.org:")
	assert.Equal(t, model.TypeCentral, alloc.Key.RequestType)
}

func TestCreateCentralWithoutBalancerFails(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	srv := &model.Server{
		Name:           "central-1",
		Channel:        model.ChannelUnknown,
		Active:         true,
		IsDistributing: true,
		Type:           model.TypeCentral,
	}
	require.NoError(t, database.Create(srv).Error)

	_, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeCentral,
	})
	require.ErrorIs(t, err, ErrAllocation)

	var count int64
	require.NoError(t, database.Model(&model.Key{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateGTFKeepsOriginalHost(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")

	srv := &model.Server{
		Name:           "gtf-1",
		Channel:        model.ChannelUnknown,
		Active:         true,
		IsDistributing: true,
		Type:           model.TypeGTF,
	}
	require.NoError(t, database.Create(srv).Error)
	require.NoError(t, database.Create(&model.LoadBalancer{
		HostName:   "front.example.org",
		ServerID:   &srv.ID,
		IsActive:   true,
		ReplacesIP: true,
	}).Error)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeGTF,
	})
	require.NoError(t, err)
	assert.NotContains(t, alloc.Key.AccessURL, "front.example.org",
		"gtf urls are never host-rewritten")
	assert.Equal(t, model.TypeGTF, alloc.Key.RequestType)
}

func TestCreateAppliesPrefixPort(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")
	seedLegacyServer(t, database, "srv0", 0)

	port := 443
	require.NoError(t, database.Create(&model.Prefix{
		Name:      "tls",
		Port:      &port,
		PrefixStr: "\x16\x03\x01",
		IsActive:  true,
	}).Error)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)
	assert.Contains(t, alloc.Key.AccessURL, ":443/")
}

func TestLockedRandMatchesPlainSequence(t *testing.T) {
	locked := NewLockedRand(99)
	plain := rand.New(rand.NewSource(99))
	for i := 0; i < 20; i++ {
		assert.Equal(t, plain.Intn(1000), locked.Intn(1000))
	}
}

func TestConcurrentCreatesDistinctUsers(t *testing.T) {
	database, err := db.Connect(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database))
	t.Cleanup(func() { db.Close(database) })

	// One pooled connection, or each conn would see its own memory db.
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := config.Default()
	co := New(database, cfg, nil, NewLockedRand(11))

	const n = 6
	for i := 0; i < n; i++ {
		seedUser(t, database, fmt.Sprintf("user-%d", i))
	}
	seedLegacyServer(t, database, "srv-a", 0)
	seedLegacyServer(t, database, "srv-b", 0)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = co.Create(context.Background(), CreateRequest{
				UserID:      fmt.Sprintf("user-%d", i),
				RequestType: model.TypeLegacy,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "allocation %d", i)
	}

	var live int64
	require.NoError(t, database.Model(&model.Key{}).
		Where("active = ? AND removed = ?", true, false).
		Count(&live).Error)
	assert.Equal(t, int64(n), live)
}

func TestCreateWithoutPrefixKeepsURL(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")
	seedLegacyServer(t, database, "srv0", 0)

	inactive := model.Prefix{Name: "off", PrefixStr: "x", IsActive: false}
	require.NoError(t, database.Create(&inactive).Error)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^ss://.+@localserver\d+:\d+/\?outline=1$`, alloc.Key.AccessURL,
		"port stays as provisioned when no prefix rule is active")
}

func TestDeactivateAndReactivate(t *testing.T) {
	co, database := testCoordinator(t)
	seedUser(t, database, "alice")
	seedLegacyServer(t, database, "srv0", 0)

	alloc, err := co.Create(context.Background(), CreateRequest{
		UserID:      "alice",
		RequestType: model.TypeLegacy,
	})
	require.NoError(t, err)

	issueID := uint(3)
	transfer := 12.5
	require.NoError(t, co.Deactivate(context.Background(), alloc.Key.ID, &issueID, &transfer))

	var key model.Key
	require.NoError(t, database.First(&key, alloc.Key.ID).Error)
	assert.True(t, key.Removed)
	assert.False(t, key.Active)
	assert.False(t, key.ExistsOnServer)
	require.NotNil(t, key.UserIssueID)
	assert.Equal(t, issueID, *key.UserIssueID)

	require.NoError(t, co.Reactivate(context.Background(), alloc.Key.ID))
	require.NoError(t, database.First(&key, alloc.Key.ID).Error)
	assert.True(t, key.Active)
	assert.False(t, key.Removed)
	assert.True(t, key.ExistsOnServer)
}

func TestDeactivateRejectsNonLegacy(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	srv := seedLegacyServer(t, database, "srv0", 0)

	key := model.Key{
		UserID:      &user.ID,
		ServerID:    srv.ID,
		Active:      true,
		RequestType: model.TypeCentral,
	}
	require.NoError(t, database.Create(&key).Error)

	err := co.Deactivate(context.Background(), key.ID, nil, nil)
	assert.ErrorIs(t, err, ErrNotLegacy)
	assert.ErrorIs(t, co.Reactivate(context.Background(), key.ID), ErrNotLegacy)

	// The refusal must leave the row untouched.
	var got model.Key
	require.NoError(t, database.First(&got, key.ID).Error)
	assert.True(t, got.Active)
	assert.False(t, got.Removed)
}

func TestRemoveKeysSimulatedMarksGone(t *testing.T) {
	co, database := testCoordinator(t)
	user := seedUser(t, database, "alice")
	srv := seedLegacyServer(t, database, "srv0", 0)

	key := model.Key{
		UserID:         &user.ID,
		ServerID:       srv.ID,
		Active:         true,
		ExistsOnServer: true,
		RequestType:    model.TypeLegacy,
	}
	require.NoError(t, database.Create(&key).Error)

	failed := co.RemoveKeys(context.Background(), []model.Key{key})
	assert.Empty(t, failed)

	var got model.Key
	require.NoError(t, database.First(&got, key.ID).Error)
	assert.False(t, got.ExistsOnServer)
}
