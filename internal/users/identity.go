package users

import (
	"context"
	"strings"
	"time"
)

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// User is the canonical user record other users see.
type User struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username        string `gorm:"column:username;size:320;not null;default:''"`
	Email           string `gorm:"column:email;size:320;not null;default:''"`
	AvatarURL       string `gorm:"column:avatar_url;size:512;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing canonical users.
func (User) TableName() string {
	return "users"
}

// UserInfo is the public projection of a user shipped to clients.
type UserInfo struct {
	ID        string `json:"id" cbor:"id"`
	Username  string `json:"username" cbor:"username"`
	AvatarURL string `json:"avatar,omitempty" cbor:"avatar,omitempty"`
}

// CurrentUserInfo is the viewer's own user record.
type CurrentUserInfo struct {
	ID        string `json:"id" cbor:"id"`
	Username  string `json:"username" cbor:"username"`
	Email     string `json:"email,omitempty" cbor:"email,omitempty"`
	AvatarURL string `json:"avatar,omitempty" cbor:"avatar,omitempty"`
}

// UserFetcher resolves user records for synchronization payloads.
type UserFetcher interface {
	FetchUserInfos(ctx context.Context, userIDs []string) (map[string]UserInfo, error)
	// FetchKnownUserInfos returns users sharing a thread with the viewer, plus
	// the viewer. A nil id list selects every known user.
	FetchKnownUserInfos(ctx context.Context, viewerID string, userIDs []string) (map[string]UserInfo, error)
	FetchCurrentUserInfo(ctx context.Context, viewerID string) (CurrentUserInfo, error)
}

func (u User) info() UserInfo {
	return UserInfo{ID: u.UserID, Username: u.Username, AvatarURL: u.AvatarURL}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
