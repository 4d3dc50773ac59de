// Package users manages account identity and profile state. Raw caller
// identifiers are hashed before they touch storage; every lookup goes
// through the same hash.
package users

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"keygate/internal/model"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("user does not exist")

// HashUserID derives the stored username from a raw caller identifier.
func HashUserID(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Register creates the account if it does not exist yet and returns it
// either way. Re-registering refreshes the channel and clears a pending
// deletion. chat is the optional bot chat handle, empty to leave unset.
func (s *Service) Register(userID, channel, chat string) (*model.User, error) {
	hashed := HashUserID(userID)

	var user model.User
	err := s.db.Where("username = ?", hashed).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{
			Username:           hashed,
			Channel:            channel,
			NotificationStatus: model.NotifyEnabled,
		}
		if chat != "" {
			user.UserChat = &chat
		}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		return &user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	updates := map[string]interface{}{}
	if channel != "" && channel != user.Channel {
		user.Channel = channel
		updates["channel"] = channel
	}
	if user.DeleteDate != nil {
		user.DeleteDate = nil
		user.DeleteReasonID = nil
		updates["delete_date"] = nil
		updates["delete_reason_id"] = nil
	}
	if len(updates) > 0 {
		if err := s.db.Model(&user).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("updating user: %w", err)
		}
	}
	return &user, nil
}

// Get loads an account with its keys and servers.
func (s *Service) Get(userID string) (*model.User, error) {
	var user model.User
	err := s.db.Preload("Keys.Server").Preload("Regions").
		Where("username = ?", HashUserID(userID)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetNotificationStatus records the messaging reachability of an account.
func (s *Service) SetNotificationStatus(userID, status string) error {
	res := s.db.Model(&model.User{}).
		Where("username = ?", HashUserID(userID)).
		Update("notification_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRegions replaces the account's region preferences. Unknown region
// names are created on the fly.
func (s *Service) SetRegions(userID string, names []string) error {
	var user model.User
	err := s.db.Where("username = ?", HashUserID(userID)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	regions := make([]model.Region, 0, len(names))
	for _, name := range names {
		var region model.Region
		err := s.db.Where(model.Region{Name: name}).FirstOrCreate(&region).Error
		if err != nil {
			return fmt.Errorf("resolving region %q: %w", name, err)
		}
		regions = append(regions, region)
	}
	return s.db.Model(&user).Association("Regions").Replace(regions)
}

// Delete soft-deletes an account: ban immediately so no new keys are cut,
// schedule the hard purge after the grace window. The purge sweeper does
// the actual teardown.
func (s *Service) Delete(userID string, reasonID *uint, delay time.Duration) error {
	var user model.User
	err := s.db.Where("username = ?", HashUserID(userID)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	when := time.Now().Add(delay)
	return s.db.Model(&user).Updates(map[string]interface{}{
		"banned":           true,
		"banned_reason":    model.BanDeleted,
		"delete_date":      &when,
		"delete_reason_id": reasonID,
	}).Error
}

// Ban flags an account without scheduling deletion.
func (s *Service) Ban(userID string, reason int) error {
	res := s.db.Model(&model.User{}).
		Where("username = ?", HashUserID(userID)).
		Updates(map[string]interface{}{"banned": true, "banned_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBanned toggles the ban state through the update API, stamping reason
// API_UPDATE on ban and clearing the reason on unban.
func (s *Service) SetBanned(userID string, banned bool) error {
	updates := map[string]interface{}{"banned": banned, "banned_reason": model.BanNone}
	if banned {
		updates["banned_reason"] = model.BanAPIUpdate
	}
	res := s.db.Model(&model.User{}).
		Where("username = ?", HashUserID(userID)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
