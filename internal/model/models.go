package model

import (
	"time"
)

// Channel a user reached us through.
const (
	ChannelTelegram = "TG"
	ChannelEmail    = "EM"
	ChannelSignal   = "SG"
	ChannelUnknown  = "NA"
)

// BannedReason codes. Zero means not banned.
const (
	BanNone = iota
	BanDeleted
	BanShared
	BanAdmin
	BanAPIUpdate
	BanTorrent
)

// Notification status for users that opted into bot messages.
const (
	NotifyEnabled            = "ENABLED"
	NotifyBlockedBot         = "BLOCKED_BOT"
	NotifyAccountDeactivated = "ACCOUNT_DEACTIVATED"
)

// DistModel is the allocation strategy a server participates in.
type DistModel int

const (
	DistBasic      DistModel = 0
	DistLocationed DistModel = 1
	DistFixedIP    DistModel = 2 // reserved, not implemented
)

// Backend families. The value is stored on both Server.Type and
// Key.RequestType, and keys the provisioner registry.
const (
	TypeLegacy  = "legacy"
	TypeCentral = "central"
	TypeGTF     = "gtf"
)

// Deletion cause for soft-removed keys.
const (
	CauseNA       = "NA"
	CauseInactive = "INACTIVE"
)

type User struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Username holds the one-way hash of the caller-supplied identifier.
	// Raw identifiers never reach the database.
	Username           string `gorm:"uniqueIndex;size:256"`
	Channel            string `gorm:"size:2;default:NA"`
	Reputation         int
	Banned             bool
	BannedReason       int
	UserChat           *string `gorm:"size:256"`
	NotificationStatus string  `gorm:"size:25;default:ENABLED"`

	DeleteDate     *time.Time
	DeleteReasonID *uint
	DeleteReason   *AccountDeleteReason

	Regions []Region `gorm:"many2many:user_regions;"`
	Keys    []Key    `gorm:"foreignKey:UserID"`
}

// Key is one provisioned access credential on one backend server.
type Key struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Nullable on purpose: hard-deleting a user orphans their keys until
	// the orphan sweeper catches up.
	UserID *uint
	User   *User

	ServerID uint
	Server   Server

	BackendKeyID int
	AccessURL    string `gorm:"size:512"`

	// Reputation the user held when this key was cut.
	Reputation int

	Transfer    *float64
	UserIssueID *uint
	UserIssue   *Issue

	Active         bool
	Removed        bool
	ExistsOnServer bool

	// GroupID links sibling keys issued together under the locationed
	// model. Null for basic keys.
	GroupID *int64

	DeleteDate    *time.Time
	DeletionCause string `gorm:"size:10;default:NA"`
	RequestType   string `gorm:"size:64;default:legacy"`
}

// Deactivate soft-removes a legacy key, stamping the reported issue and
// transferred bytes. Central/gtf keys are retired wholesale through the
// backend revoke path instead, so this is a no-op for them.
func (k *Key) Deactivate(issueID *uint, transfer *float64) bool {
	if k.RequestType != TypeLegacy {
		return false
	}
	k.UserIssueID = issueID
	k.Transfer = transfer
	k.Removed = true
	k.DeleteDate = nil
	k.DeletionCause = CauseNA
	return true
}

// Reactivate undoes a soft removal. Legacy keys only, same asymmetry as
// Deactivate.
func (k *Key) Reactivate() bool {
	if k.RequestType != TypeLegacy {
		return false
	}
	k.UserIssueID = nil
	k.Transfer = nil
	k.Removed = false
	k.DeleteDate = nil
	k.DeletionCause = CauseNA
	return true
}

type Server struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name string `gorm:"uniqueIndex;size:128"`
	IPv4 string
	IPv6 string

	// Channel affinity: users are only pooled onto servers matching the
	// channel they arrived through.
	Channel string `gorm:"size:2;default:NA"`

	Level     int
	DistModel DistModel

	LocationID *uint
	Location   *Location

	Active         bool
	Alert          bool
	IsBlocked      bool
	IsDistributing bool

	// Management API endpoint. Cert material applies to legacy/central
	// manager servers, label to central ones.
	APIURL  string
	APICert string
	Label   string `gorm:"size:128"`

	Type string `gorm:"size:64;default:legacy"`
}

// IsWorking reports whether the server may receive users or count toward
// reputation gain. All three flags must hold.
func (s *Server) IsWorking() bool {
	return !s.IsBlocked && s.IsDistributing && s.Active
}

// Location is a geographic placement servers can be pinned to. The
// locationed model issues one key per active location.
type Location struct {
	ID      uint `gorm:"primaryKey"`
	Name    string
	Country string `gorm:"size:2"`
	Active  bool
}

// Region is a user-side geographic preference.
type Region struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:128"`
}

// LoadBalancer is a hostname rewrite rule hiding the true backend origin.
type LoadBalancer struct {
	ID       uint   `gorm:"primaryKey"`
	HostName string `gorm:"size:128"`
	ServerID *uint
	Server   *Server
	IsActive bool

	// ReplacesIP gates the host substitution; gtf access URLs are never
	// rewritten either way.
	ReplacesIP bool
}

// Prefix is a port/protocol-mask rewrite rule, randomly applied per key.
type Prefix struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128"`
	Port      *int
	PrefixStr string `gorm:"size:256"`
	IsActive  bool
}

// OnlineConfig tracks the externally hosted JSON connect file for a key.
type OnlineConfig struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FileName       string `gorm:"uniqueIndex;size:256"`
	StorageService string `gorm:"size:64"`
	KeyID          *uint
	Key            *Key
}

// Issue is a user-reported problem attached to a deactivated key.
type Issue struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Title       string `gorm:"size:128"`
	Description string `gorm:"size:256"`
}

// AccountDeleteReason stores the stated reason for an account deletion.
type AccountDeleteReason struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	Description string
}
