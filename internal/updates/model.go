package updates

import (
	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"gorm.io/datatypes"
)

// Record is a committed update in the append-only log.
type Record struct {
	UpdateID    string         `gorm:"column:update_id;primaryKey;size:190;not null"`
	UserID      string         `gorm:"column:user_id;size:190;not null;index:idx_updates_user_time,priority:1;index:idx_updates_user_key,priority:1;uniqueIndex:idx_updates_user_fingerprint,priority:1"`
	Kind        Kind           `gorm:"column:kind;size:64;not null"`
	DedupKey    *string        `gorm:"column:dedup_key;size:190;index:idx_updates_user_key,priority:2"`
	Content     datatypes.JSON `gorm:"column:content;not null"`
	TimeMillis  int64          `gorm:"column:time_ms;not null;index:idx_updates_user_time,priority:2"`
	Updater     *string        `gorm:"column:updater;size:190"`
	Target      *string        `gorm:"column:target;size:190;index"`
	Fingerprint string         `gorm:"column:fingerprint;size:64;not null;uniqueIndex:idx_updates_user_fingerprint,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "updates"
}

// Info is a hydrated update ready for delivery to a client.
type Info struct {
	Type             Kind                      `json:"type"`
	ID               string                    `json:"id"`
	Time             int64                     `json:"time"`
	ThreadID         string                    `json:"threadID,omitempty"`
	ThreadInfo       *entities.ThreadInfo      `json:"threadInfo,omitempty"`
	Unread           *bool                     `json:"unread,omitempty"`
	RawMessageInfos  []entities.MessageInfo    `json:"rawMessageInfos,omitempty"`
	TruncationStatus entities.TruncationStatus `json:"truncationStatus,omitempty"`
	RawEntryInfos    []entities.EntryInfo      `json:"rawEntryInfos,omitempty"`
	EntryInfo        *entities.EntryInfo       `json:"entryInfo,omitempty"`
	DeletedUserID    string                    `json:"deletedUserID,omitempty"`
	UpdatedUserID    string                    `json:"updatedUserID,omitempty"`
	DeviceToken      string                    `json:"deviceToken,omitempty"`

	descriptor Descriptor
}

// Result carries the updates hydrated for the acting viewer and the user
// records they mention.
type Result struct {
	ViewerUpdates []Info                    `json:"newUpdates"`
	UserInfos     map[string]users.UserInfo `json:"userInfos"`
	CurrentAsOf   int64                     `json:"currentAsOf"`
}

// ViewerInfo identifies the viewer who should receive hydrated updates
// immediately. ThreadInfos may carry snapshots the caller already fetched.
type ViewerInfo struct {
	Viewer        viewer.Viewer
	CalendarQuery *calendar.Query
	ThreadInfos   map[string]entities.ThreadInfo
}

// Notification tells live connections of a user that new updates were committed.
type Notification struct {
	UserID         string
	TargetSession  string
	ExcludeSession string
	UpdateIDs      []string
	LatestTime     int64
}

// Publisher delivers notifications about committed updates.
type Publisher interface {
	PublishUpdates(notification Notification)
}

// IDProvider allocates update identifiers.
type IDProvider interface {
	NewID() (string, error)
}
