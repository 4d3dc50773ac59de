package coordinator

import (
	"context"
	"errors"

	"keygate/internal/backend"
	"keygate/internal/configstore"
	"keygate/internal/logger"
	"keygate/internal/model"

	"gorm.io/gorm"
)

// RemoveKeys takes keys down on their backends and clears exists_on_server
// for the ones that are confirmed gone (deleted or already absent).
// Returns the ids of keys whose removal has to be retried later.
func (c *Coordinator) RemoveKeys(ctx context.Context, keys []model.Key) []uint {
	var failed []uint
	for i := range keys {
		key := &keys[i]

		if !c.cfg.Backends.RealServers {
			logger.Log.Infof("Skipped: key %d removed from server %d", key.BackendKeyID, key.ServerID)
			c.markGone(key)
			continue
		}

		server := key.Server
		if server.ID == 0 {
			if err := c.db.First(&server, key.ServerID).Error; err != nil {
				logger.Log.Errorf("Server %d for key %d not found: %v", key.ServerID, key.ID, err)
				failed = append(failed, key.ID)
				continue
			}
		}

		// A retired server has no backend to talk to; its keys died with
		// it and the row just needs to catch up.
		if !server.Active {
			c.markGone(key)
			continue
		}

		p, err := c.Resolve(server.Type)
		if err != nil {
			logger.Log.Errorf("No provisioner for server type %q: %v", server.Type, err)
			failed = append(failed, key.ID)
			continue
		}

		err = p.RemoveKey(ctx, &server, key.BackendKeyID)
		switch {
		case err == nil:
			logger.Log.Infof("Key %d removed from server %d", key.BackendKeyID, server.ID)
			c.markGone(key)
		case errors.Is(err, backend.ErrNotFound):
			logger.Log.Infof("Key %d already absent from server %d", key.BackendKeyID, server.ID)
			c.markGone(key)
		case errors.Is(err, backend.ErrTimeout):
			logger.Log.Errorf("Timeout removing key %d from server %d", key.BackendKeyID, server.ID)
			failed = append(failed, key.ID)
		default:
			logger.Log.Errorf("Unable to remove key %d from server %d: %v", key.BackendKeyID, server.ID, err)
			failed = append(failed, key.ID)
		}
	}
	return failed
}

func (c *Coordinator) markGone(key *model.Key) {
	key.ExistsOnServer = false
	if key.ID == 0 {
		return
	}
	err := c.db.Model(&model.Key{}).Where("id = ?", key.ID).
		Update("exists_on_server", false).Error
	if err != nil {
		logger.Log.Errorf("Unable to mark key %d as removed from server: %v", key.ID, err)
	}
}

// deactivateKeys retires superseded rows. Removal on the backend may have
// failed; the row state flips regardless and the backlog sweeper finishes
// the job.
func (c *Coordinator) deactivateKeys(keys []model.Key, issueID *uint) {
	for i := range keys {
		key := &keys[i]
		if !key.Deactivate(issueID, nil) {
			continue
		}
		err := c.db.Model(&model.Key{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
			"active":        false,
			"removed":       true,
			"user_issue_id": key.UserIssueID,
		}).Error
		if err != nil {
			logger.Log.Errorf("Unable to deactivate key %d: %v", key.ID, err)
		}
	}
}

// Deactivate retires a single key by id. Only legacy keys participate in
// the deactivate/reactivate cycle.
func (c *Coordinator) Deactivate(ctx context.Context, keyID uint, issueID *uint, transfer *float64) error {
	var key model.Key
	err := c.db.Preload("Server").First(&key, keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	if !key.Deactivate(issueID, transfer) {
		return ErrNotLegacy
	}

	failed := c.RemoveKeys(ctx, []model.Key{key})
	if len(failed) > 0 {
		logger.Log.Errorf("Key %d could not be removed from its server; backlog will retry", key.ID)
	} else {
		key.ExistsOnServer = false
	}
	return c.db.Model(&model.Key{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
		"active":           false,
		"removed":          true,
		"exists_on_server": key.ExistsOnServer,
		"user_issue_id":    key.UserIssueID,
		"transfer":         key.Transfer,
	}).Error
}

// Reactivate puts a retired legacy key back in rotation. The backend key
// is provisioned anew since the old one is gone.
func (c *Coordinator) Reactivate(ctx context.Context, keyID uint) error {
	var key model.Key
	err := c.db.Preload("Server").First(&key, keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}
	if !key.Reactivate() {
		return ErrNotLegacy
	}

	info, err := c.provision(ctx, &key.Server)
	if err != nil {
		return errors.Join(ErrAllocation, err)
	}
	accessURL, _ := c.applyPrefix(info.AccessURL)
	return c.db.Model(&model.Key{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
		"active":           true,
		"removed":          false,
		"exists_on_server": true,
		"backend_key_id":   info.ID,
		"access_url":       accessURL,
	}).Error
}

var (
	ErrKeyNotFound = errors.New("key does not exist")
	ErrNotLegacy   = errors.New("only legacy keys support this operation")
)

// publishConfig writes (or rewrites) the connect file for a key and
// returns the client-facing link. A key keeps its file name for life so
// clients never have to re-subscribe.
func (c *Coordinator) publishConfig(ctx context.Context, key *model.Key, prefixStr string) (string, error) {
	if c.store == nil {
		return "", nil
	}

	var oc model.OnlineConfig
	err := c.db.Where("key_id = ?", key.ID).First(&oc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		name, nameErr := configstore.RandomFileName()
		if nameErr != nil {
			return "", nameErr
		}
		oc = model.OnlineConfig{
			FileName:       name,
			StorageService: c.cfg.ConfigStore.Type,
			KeyID:          &key.ID,
		}
		if err := c.db.Create(&oc).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	connect, err := configstore.ParseAccessURL(key.AccessURL)
	if err != nil {
		return "", err
	}
	connect.Prefix = prefixStr

	payload, err := connect.Marshal()
	if err != nil {
		return "", err
	}
	if err := c.store.Put(ctx, oc.FileName, payload); err != nil {
		return "", err
	}
	return c.store.Link(oc.FileName), nil
}

// RevokeUserKeys takes down every live key a user holds, all backend
// types included, and drops their connect files. Used when an account is
// deleted; the purge sweeper later removes the rows themselves.
func (c *Coordinator) RevokeUserKeys(ctx context.Context, userID uint) error {
	var keys []model.Key
	err := c.db.Preload("Server").
		Where("user_id = ? AND removed = ?", userID, false).
		Find(&keys).Error
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	failed := c.RemoveKeys(ctx, keys)
	if len(failed) > 0 {
		logger.Log.Errorf("User %d: %d keys left for the backlog sweeper", userID, len(failed))
	}

	var ids []uint
	for i := range keys {
		ids = append(ids, keys[i].ID)
	}
	c.DropConfigs(ctx, ids)

	return c.db.Model(&model.Key{}).Where("id IN ?", ids).Updates(map[string]interface{}{
		"active":  false,
		"removed": true,
	}).Error
}

// DropConfigFile deletes a single published connect file by its opaque
// name.
func (c *Coordinator) DropConfigFile(ctx context.Context, name string) error {
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, name)
}

// DropConfigs deletes the published connect files of a key set, rows
// included. Used when an account goes away.
func (c *Coordinator) DropConfigs(ctx context.Context, keyIDs []uint) {
	if c.store == nil || len(keyIDs) == 0 {
		return
	}
	var configs []model.OnlineConfig
	if err := c.db.Where("key_id IN ?", keyIDs).Find(&configs).Error; err != nil {
		logger.Log.Errorf("Unable to list online configs: %v", err)
		return
	}
	for _, oc := range configs {
		if err := c.store.Delete(ctx, oc.FileName); err != nil {
			logger.Log.Errorf("Unable to delete config %s: %v", oc.FileName, err)
			continue
		}
		if err := c.db.Delete(&model.OnlineConfig{}, oc.ID).Error; err != nil {
			logger.Log.Errorf("Unable to delete online config row %d: %v", oc.ID, err)
		}
	}
}
