package entities

import (
	"context"
	"sort"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
)

// TruncationStatus tells a client whether the messages it received for a
// thread are the complete history, a truncated page, or nothing new.
type TruncationStatus string

const (
	TruncationTruncated  TruncationStatus = "truncated"
	TruncationUnchanged  TruncationStatus = "unchanged"
	TruncationExhaustive TruncationStatus = "exhaustive"
)

// MemberInfo is one thread member as seen by clients.
type MemberInfo struct {
	ID   string `json:"id" cbor:"id"`
	Role string `json:"role" cbor:"role"`
}

// CurrentUserThreadInfo carries the viewer-specific part of a thread.
type CurrentUserThreadInfo struct {
	Role   string `json:"role" cbor:"role"`
	Unread bool   `json:"unread" cbor:"unread"`
}

// ThreadInfo is the client-ready snapshot of a thread.
type ThreadInfo struct {
	ID             string                `json:"id" cbor:"id"`
	Name           string                `json:"name" cbor:"name"`
	Description    string                `json:"description" cbor:"description"`
	Color          string                `json:"color" cbor:"color"`
	CreationTime   int64                 `json:"creationTime" cbor:"creationTime"`
	ParentThreadID string                `json:"parentThreadID,omitempty" cbor:"parentThreadID,omitempty"`
	CreatorID      string                `json:"creatorID" cbor:"creatorID"`
	Members        []MemberInfo          `json:"members" cbor:"members"`
	CurrentUser    CurrentUserThreadInfo `json:"currentUser" cbor:"currentUser"`
}

// MemberIDs returns the user ids of every member.
func (t ThreadInfo) MemberIDs() []string {
	ids := make([]string, 0, len(t.Members))
	for _, member := range t.Members {
		ids = append(ids, member.ID)
	}
	return ids
}

// EntryInfo is the client-ready snapshot of a calendar entry.
type EntryInfo struct {
	ID           string `json:"id" cbor:"id"`
	ThreadID     string `json:"threadID" cbor:"threadID"`
	Text         string `json:"text" cbor:"text"`
	Year         int    `json:"year" cbor:"year"`
	Month        int    `json:"month" cbor:"month"`
	Day          int    `json:"day" cbor:"day"`
	CreationTime int64  `json:"creationTime" cbor:"creationTime"`
	CreatorID    string `json:"creatorID" cbor:"creatorID"`
	Deleted      bool   `json:"deleted" cbor:"deleted"`
}

// WithinQuery reports whether the entry matches a calendar query.
func (e EntryInfo) WithinQuery(query calendar.Query) bool {
	return query.Contains(calendar.DateOf(e.Year, e.Month, e.Day), e.ThreadID, e.Deleted)
}

// MessageInfo is the client-ready form of a thread message.
type MessageInfo struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadID"`
	CreatorID string `json:"creatorID"`
	Text      string `json:"text"`
	Time      int64  `json:"time"`
}

// MessagesResult groups fetched messages with per-thread truncation statuses.
type MessagesResult struct {
	RawMessageInfos    []MessageInfo               `json:"rawMessageInfos"`
	TruncationStatuses map[string]TruncationStatus `json:"truncationStatuses"`
	CurrentAsOf        int64                       `json:"currentAsOf"`
}

// MessageCriteria selects which threads' messages to fetch.
type MessageCriteria struct {
	JoinedThreads bool
	ThreadIDs     []string
	NewerThan     int64
	PerThread     int
}

// ThreadFetcher resolves thread snapshots visible to a viewer. A nil id list
// selects every visible thread.
type ThreadFetcher interface {
	FetchThreadInfos(ctx context.Context, viewerID string, threadIDs []string) (map[string]ThreadInfo, error)
}

// EntryFetcher resolves calendar entries visible to a viewer.
type EntryFetcher interface {
	FetchEntryInfos(ctx context.Context, viewerID string, queries []calendar.Query) ([]EntryInfo, error)
	FetchEntryInfosByID(ctx context.Context, viewerID string, entryIDs []string) (map[string]EntryInfo, error)
}

// MessageFetcher resolves thread messages visible to a viewer.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, viewerID string, criteria MessageCriteria) (MessagesResult, error)
}

// SortEntryInfos orders entries by id so snapshots hash deterministically.
func SortEntryInfos(entries []EntryInfo) {
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].ID < entries[right].ID
	})
}

// Thread is the persisted thread row.
type Thread struct {
	ThreadID        string `gorm:"column:thread_id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:320;not null;default:''"`
	Description     string `gorm:"column:description;type:text;not null;default:''"`
	Color           string `gorm:"column:color;size:16;not null;default:''"`
	ParentThreadID  string `gorm:"column:parent_thread_id;size:190;not null;default:''"`
	CreatorID       string `gorm:"column:creator_id;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string {
	return "threads"
}

// Membership binds a user to a thread and tracks their unread flag.
type Membership struct {
	ThreadID       string `gorm:"column:thread_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role           string `gorm:"column:role;size:64;not null;default:'member'"`
	Unread         bool   `gorm:"column:unread;not null;default:false"`
	JoinedAtMillis int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "thread_memberships"
}

// Entry is the persisted calendar entry row.
type Entry struct {
	EntryID         string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	ThreadID        string `gorm:"column:thread_id;size:190;not null;index:idx_entries_thread_date,priority:1"`
	EntryDate       string `gorm:"column:entry_date;size:10;not null;index:idx_entries_thread_date,priority:2"`
	Text            string `gorm:"column:text;type:text;not null;default:''"`
	CreatorID       string `gorm:"column:creator_id;size:190;not null"`
	Deleted         bool   `gorm:"column:deleted;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// Message is the persisted thread message row.
type Message struct {
	MessageID  string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ThreadID   string `gorm:"column:thread_id;size:190;not null;index:idx_messages_thread_time,priority:1"`
	CreatorID  string `gorm:"column:creator_id;size:190;not null"`
	Text       string `gorm:"column:text;type:text;not null;default:''"`
	TimeMillis int64  `gorm:"column:time_ms;not null;index:idx_messages_thread_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}
