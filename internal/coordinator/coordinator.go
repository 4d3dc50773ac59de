// Package coordinator owns the key allocation state machine: validate the
// request, pick a backend, provision remotely, persist, retire superseded
// keys, and undo remote side effects when anything in between fails.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"keygate/internal/backend"
	"keygate/internal/config"
	"keygate/internal/configstore"
	"keygate/internal/logger"
	"keygate/internal/model"
	"keygate/internal/reputation"
	"keygate/internal/rewrite"
	"keygate/internal/selector"
	"keygate/internal/users"

	"gorm.io/gorm"
)

// Closed failure set callers branch on. Everything unexpected is wrapped
// in ErrAllocation; it is the only one worth paging anyone over.
var (
	ErrUserNotFound = errors.New("user does not exist")
	ErrDuplicateKey = errors.New("user already has a key")
	ErrUserBanned   = errors.New("user is banned")
	ErrNoServer     = errors.New("no server available")
	ErrAllocation   = errors.New("key allocation failed")
)

const lockShards = 64

type Coordinator struct {
	db    *gorm.DB
	cfg   *config.Config
	sel   *selector.Selector
	store configstore.Store
	rnd   *rand.Rand

	// Per-user serialization: the duplicate-key check is check-then-insert
	// and would race with itself for the same identity otherwise.
	locks [lockShards]sync.Mutex

	// Resolve is swappable so tests can plant failing provisioners.
	Resolve func(serverType string) (backend.Provisioner, error)
}

func New(db *gorm.DB, cfg *config.Config, store configstore.Store, rnd *rand.Rand) *Coordinator {
	c := &Coordinator{
		db:    db,
		cfg:   cfg,
		sel:   selector.New(db, rnd),
		store: store,
		rnd:   rnd,
	}
	c.Resolve = func(serverType string) (backend.Provisioner, error) {
		opts := backend.Options{Timeout: cfg.Backends.Timeout, Rand: rnd}
		if !cfg.Backends.RealServers {
			return backend.Get("sim", opts)
		}
		return backend.Get(serverType, opts)
	}
	return c
}

// CreateRequest is what the outer CRUD layer hands in.
type CreateRequest struct {
	// UserID is the raw caller-side identifier; it is hashed before any
	// lookup.
	UserID string

	// RequestType picks the backend family; empty means weighted random
	// among whatever is active.
	RequestType string

	// DistModel applies to legacy allocations only.
	DistModel model.DistModel

	// IssueID, when set, is stamped on the superseded keys.
	IssueID *uint
}

// CreatedKey describes one remotely provisioned key of the attempt.
type CreatedKey struct {
	ServerID     uint
	BackendKeyID int
	AccessURL    string
}

// Allocation is the successful outcome of Create.
type Allocation struct {
	Key         *model.Key
	CreatedKeys []CreatedKey
	Reputation  int
	SSConfLink  string

	prefixStr string
}

// Create allocates a fresh key (or key group) for the user.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Allocation, error) {
	hashed := users.HashUserID(req.UserID)

	lock := &c.locks[shard(hashed)]
	lock.Lock()
	defer lock.Unlock()

	var user model.User
	err := c.db.Preload("Keys.Server").Where("username = ?", hashed).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	var nonLegacy int64
	err = c.db.Model(&model.Key{}).
		Where("user_id = ?", user.ID).
		Where("request_type <> ?", model.TypeLegacy).
		Count(&nonLegacy).Error
	if err != nil {
		return nil, fmt.Errorf("checking existing keys: %w", err)
	}
	if nonLegacy > 0 {
		return nil, ErrDuplicateKey
	}

	if user.Banned {
		logger.Log.Infof("User %d is banned", user.ID)
		return nil, ErrUserBanned
	}

	requestType := req.RequestType
	if requestType == "" {
		requestType, err = c.randomRequestType()
		if err != nil {
			return nil, err
		}
	}

	// Captured before the branch mutates state: these are the keys the
	// new allocation supersedes.
	var previous []model.Key
	err = c.db.Preload("Server").
		Where("user_id = ? AND request_type = ? AND removed = ?", user.ID, model.TypeLegacy, false).
		Find(&previous).Error
	if err != nil {
		return nil, fmt.Errorf("fetching previous keys: %w", err)
	}

	var alloc *Allocation
	switch requestType {
	case model.TypeLegacy:
		alloc, err = c.createLegacy(ctx, &user, req.DistModel)
	case model.TypeCentral:
		alloc, err = c.createPooled(ctx, &user, model.TypeCentral)
	case model.TypeGTF:
		alloc, err = c.createPooled(ctx, &user, model.TypeGTF)
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrAllocation, requestType)
	}
	if err != nil {
		return nil, err
	}

	// Publishing the connect file and retiring old keys are both best
	// effort: the new key is already live and must be returned.
	if c.cfg.Backends.RealServers {
		link, cfgErr := c.publishConfig(ctx, alloc.Key, alloc.prefixStr)
		if cfgErr != nil {
			logger.Log.Errorf("Unable to publish connect config for key %d: %v", alloc.Key.ID, cfgErr)
		} else {
			alloc.SSConfLink = link
		}
	}

	if len(previous) > 0 {
		failed := c.RemoveKeys(ctx, previous)
		if len(failed) > 0 {
			logger.Log.Errorf("Failed to revoke %d superseded keys for user %d", len(failed), user.ID)
		}
		c.deactivateKeys(previous, req.IssueID)
	}

	return alloc, nil
}

// randomRequestType mirrors the production rollout policy: a configured
// gtf/central split when exactly those two families are live, otherwise a
// uniform pick among whatever is.
func (c *Coordinator) randomRequestType() (string, error) {
	var types []string
	err := c.db.Model(&model.Server{}).
		Where("active = ? AND is_distributing = ?", true, true).
		Distinct().
		Pluck("type", &types).Error
	if err != nil {
		return "", fmt.Errorf("listing active backend types: %w", err)
	}
	if len(types) == 0 {
		return "", ErrNoServer
	}

	onlyPooled := len(types) == 2
	for _, t := range types {
		if t != model.TypeGTF && t != model.TypeCentral {
			onlyPooled = false
		}
	}
	if onlyPooled {
		weight := c.cfg.Backends.GTFWeight
		if !c.cfg.Backends.RealServers {
			weight = 50
		}
		if c.rnd.Intn(100) < weight {
			return model.TypeGTF, nil
		}
		return model.TypeCentral, nil
	}

	return types[c.rnd.Intn(len(types))], nil
}

// createLegacy runs the tiered selection path: one server for basic, one
// per active location for locationed, all rows sharing a fresh group id.
func (c *Coordinator) createLegacy(ctx context.Context, user *model.User, distModel model.DistModel) (*Allocation, error) {
	var groupID *int64
	if distModel == model.DistLocationed {
		next, err := c.nextGroupID()
		if err != nil {
			return nil, err
		}
		groupID = &next
	}

	newRep := user.Reputation
	if reputation.ShouldIncrease(user, distModel) {
		newRep = reputation.AfterNewKey(user.Reputation)
	}
	level := reputation.ServerLevel(newRep, c.cfg.Reputation.Map)

	servers, err := c.sel.Select(user, level, distModel, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w for user %d", ErrNoServer, user.ID)
	}

	alloc := &Allocation{Reputation: newRep}
	var rows []model.Key
	for i := range servers {
		server := &servers[i]

		info, err := c.provision(ctx, server)
		if err != nil {
			logger.Log.Errorf("Key creation error on server %d (%v)", server.ID, err)
			c.rollback(ctx, rows)
			return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
		}

		accessURL, prefixStr := c.applyPrefix(info.AccessURL)
		alloc.prefixStr = prefixStr

		row := model.Key{
			UserID:         &user.ID,
			ServerID:       server.ID,
			Server:         *server,
			BackendKeyID:   info.ID,
			AccessURL:      accessURL,
			Reputation:     newRep,
			Active:         true,
			ExistsOnServer: true,
			GroupID:        groupID,
			DeletionCause:  model.CauseNA,
			RequestType:    model.TypeLegacy,
		}
		rows = append(rows, row)
		alloc.CreatedKeys = append(alloc.CreatedKeys, CreatedKey{
			ServerID:     server.ID,
			BackendKeyID: info.ID,
			AccessURL:    accessURL,
		})
	}

	// Remote side is fully provisioned; persist the batch in one
	// transaction and reverse the remote keys if the commit fails.
	if err := c.persist(rows); err != nil {
		c.rollback(ctx, rows)
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	if newRep != user.Reputation {
		user.Reputation = newRep
		if err := c.db.Model(user).Update("reputation", newRep).Error; err != nil {
			logger.Log.Errorf("Unable to update reputation for user %d: %v", user.ID, err)
		}
	}

	last := rows[len(rows)-1]
	alloc.Key = &last
	logger.Log.Infof("Successfully created key for user %d with key_id %d", user.ID, last.BackendKeyID)
	return alloc, nil
}

// createPooled covers central and gtf: one random active server from the
// pool, no tiering.
func (c *Coordinator) createPooled(ctx context.Context, user *model.User, serverType string) (*Allocation, error) {
	var pool []model.Server
	err := c.db.
		Where("type = ? AND active = ? AND is_distributing = ?", serverType, true, true).
		Find(&pool).Error
	if err != nil {
		return nil, fmt.Errorf("querying %s servers: %w", serverType, err)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no %s server for user %d", ErrNoServer, serverType, user.ID)
	}
	server := &pool[c.rnd.Intn(len(pool))]

	info, err := c.provision(ctx, server)
	if err != nil {
		logger.Log.Errorf("Key creation error on server %d (%v)", server.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	row := model.Key{
		UserID:         &user.ID,
		ServerID:       server.ID,
		Server:         *server,
		BackendKeyID:   info.ID,
		AccessURL:      info.AccessURL,
		Reputation:     user.Reputation,
		Active:         true,
		ExistsOnServer: true,
		DeletionCause:  model.CauseNA,
		RequestType:    serverType,
	}

	// A pool server with no active load balancer must not hand out its
	// raw address: abort and take the remote key back down.
	lb, err := c.randomLoadBalancer(server.ID)
	if err != nil {
		logger.Log.Errorf("Active load balancer for server %d not found (%v)", server.ID, err)
		c.rollback(ctx, []model.Key{row})
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if serverType != model.TypeGTF && lb.ReplacesIP {
		row.AccessURL = rewrite.Host(info.AccessURL, lb.HostName)
	}

	accessURL, prefixStr := c.applyPrefix(row.AccessURL)
	row.AccessURL = accessURL

	if err := c.persist([]model.Key{row}); err != nil {
		c.rollback(ctx, []model.Key{row})
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	logger.Log.Infof("Successfully created key for user %d with key_id %d", user.ID, row.BackendKeyID)
	return &Allocation{
		Key:        &row,
		Reputation: user.Reputation,
		CreatedKeys: []CreatedKey{{
			ServerID:     server.ID,
			BackendKeyID: row.BackendKeyID,
			AccessURL:    row.AccessURL,
		}},
		prefixStr: prefixStr,
	}, nil
}

func (c *Coordinator) provision(ctx context.Context, server *model.Server) (*backend.KeyInfo, error) {
	p, err := c.Resolve(server.Type)
	if err != nil {
		return nil, err
	}
	info, err := p.CreateKey(ctx, server)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Backends.RealServers {
		logger.Log.Infof("Skipped: key %d created on server %d", info.ID, server.ID)
	} else {
		logger.Log.Infof("Key %d created on server %d", info.ID, server.ID)
	}
	return info, nil
}

func (c *Coordinator) persist(rows []model.Key) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			// Server is attached for the caller's benefit; don't let
			// gorm upsert it.
			if err := tx.Omit("Server").Create(&rows[i]).Error; err != nil {
				return fmt.Errorf("persisting key: %w", err)
			}
		}
		return nil
	})
}

// rollback reverses remote side effects of a failed attempt. The database
// transaction cannot unwind an HTTP call, so this is explicit.
func (c *Coordinator) rollback(ctx context.Context, rows []model.Key) {
	if len(rows) == 0 {
		return
	}
	logger.Log.Warnf("Rolling back %d provisioned keys", len(rows))
	failed := c.RemoveKeys(ctx, rows)
	if len(failed) > 0 {
		logger.Log.Errorf("Rollback left %d keys on their backends; the backlog sweeper will retry", len(failed))
	}
	var ids []uint
	for _, row := range rows {
		if row.ID != 0 {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) > 0 {
		if err := c.db.Delete(&model.Key{}, ids).Error; err != nil {
			logger.Log.Errorf("Unable to delete rolled-back key rows: %v", err)
		}
	}
}

func (c *Coordinator) nextGroupID() (int64, error) {
	var max *int64
	err := c.db.Model(&model.Key{}).Select("MAX(group_id)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("computing next group id: %w", err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// applyPrefix port-rewrites the access URL through a random active prefix
// rule. No active prefix is tolerated: the original port stays.
func (c *Coordinator) applyPrefix(accessURL string) (string, string) {
	var prefixes []model.Prefix
	if err := c.db.Where("is_active = ?", true).Find(&prefixes).Error; err != nil {
		logger.Log.Errorf("Unable to query active prefixes: %v", err)
		return accessURL, ""
	}
	if len(prefixes) == 0 {
		logger.Log.Debug("No active prefix to apply")
		return accessURL, ""
	}
	prefix := prefixes[c.rnd.Intn(len(prefixes))]
	if prefix.Port != nil {
		accessURL = rewrite.Port(accessURL, *prefix.Port)
	}
	return accessURL, prefix.PrefixStr
}

func (c *Coordinator) randomLoadBalancer(serverID uint) (*model.LoadBalancer, error) {
	var lbs []model.LoadBalancer
	err := c.db.Where("server_id = ? AND is_active = ?", serverID, true).Find(&lbs).Error
	if err != nil {
		return nil, err
	}
	if len(lbs) == 0 {
		return nil, fmt.Errorf("no active load balancer for server %d", serverID)
	}
	return &lbs[c.rnd.Intn(len(lbs))], nil
}

func shard(hashed string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hashed))
	return int(h.Sum32() % lockShards)
}
