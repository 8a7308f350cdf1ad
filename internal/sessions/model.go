package sessions

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"gorm.io/datatypes"
)

// Session persists the last query and timestamps acknowledged through one
// connection identity so later syncs can be incremental.
type Session struct {
	SessionID       string         `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID          string         `gorm:"column:user_id;size:190;not null;index"`
	CookieID        string         `gorm:"column:cookie_id;size:190;not null;index"`
	Query           datatypes.JSON `gorm:"column:query;not null"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
	LastUpdate      int64          `gorm:"column:last_update;not null"`
	LastValidated   int64          `gorm:"column:last_validated;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "sessions"
}

// CalendarQuery decodes the persisted query.
func (s Session) CalendarQuery() (calendar.Query, error) {
	var query calendar.Query
	if err := json.Unmarshal(s.Query, &query); err != nil {
		return calendar.Query{}, fmt.Errorf("sessions: decode query for %s: %w", s.SessionID, err)
	}
	return query, nil
}

// Cookie records what the server knows about the device behind an
// authenticated cookie.
type Cookie struct {
	CookieID        string         `gorm:"column:cookie_id;primaryKey;size:190;not null"`
	UserID          string         `gorm:"column:user_id;size:190;not null;index"`
	Platform        string         `gorm:"column:platform;size:32"`
	PlatformDetails datatypes.JSON `gorm:"column:platform_details"`
	DeviceToken     *string        `gorm:"column:device_token;size:255;index"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
	LastUsedMillis  int64          `gorm:"column:last_used_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cookie) TableName() string {
	return "cookies"
}

// ApplyTo copies the device facts recorded on the cookie onto a viewer.
// Undecodable platform details are treated as unknown.
func (c Cookie) ApplyTo(current viewer.Viewer) viewer.Viewer {
	if c.Platform != "" {
		current.Platform = viewer.Platform(c.Platform)
	}
	if len(c.PlatformDetails) > 0 && string(c.PlatformDetails) != "null" {
		var details viewer.PlatformDetails
		if err := json.Unmarshal(c.PlatformDetails, &details); err == nil {
			current.PlatformDetails = &details
		}
	}
	if c.DeviceToken != nil {
		current.DeviceToken = *c.DeviceToken
	}
	return current
}

// SessionUpdate lists the session columns to overwrite. Nil fields are left
// untouched; writes are last-writer-wins.
type SessionUpdate struct {
	Query         *calendar.Query
	LastUpdate    *int64
	LastValidated *int64
}

// IsEmpty reports whether the update changes nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.Query == nil && u.LastUpdate == nil && u.LastValidated == nil
}

// Merge overlays other onto u, preferring other's fields.
func (u SessionUpdate) Merge(other SessionUpdate) SessionUpdate {
	if other.Query != nil {
		u.Query = other.Query
	}
	if other.LastUpdate != nil {
		u.LastUpdate = other.LastUpdate
	}
	if other.LastValidated != nil {
		u.LastValidated = other.LastValidated
	}
	return u
}

// IDProvider allocates session identifiers.
type IDProvider interface {
	NewID() (string, error)
}
