package updates

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnrecognizedKind indicates a nil descriptor or a persisted record of an unknown kind.
	ErrUnrecognizedKind = errors.New("updates: unrecognized update kind")
	// ErrInvalidDescriptor indicates a descriptor missing its recipient or entity id.
	ErrInvalidDescriptor = errors.New("updates: invalid descriptor")
	// ErrMissingFetchResult indicates hydration could not find an entity it requires.
	ErrMissingFetchResult = errors.New("updates: missing fetch result")
)

// Descriptor is a pre-commit change notification for one recipient. Only the
// variants declared in this package implement it.
type Descriptor interface {
	Kind() Kind
	Recipient() string
	Timestamp() int64

	// key is the entity half of the dedup key; empty for pass-through kinds.
	key() string
	// conflicts is the set of kinds this variant purges for its key.
	conflicts() kindSet
	// replaces is the set of kinds this variant displaces during delivery merge.
	replaces() kindSet
	// target is the session or cookie the update is restricted to, if any.
	target() string
	validate() error
	plan(*fetchPlan)
	hydrate(base Info, data *hydrationData) (Info, bool, error)
}

// UpdateThread tells a recipient a thread's snapshot changed.
type UpdateThread struct {
	UserID   string `json:"-"`
	Time     int64  `json:"-"`
	ThreadID string `json:"threadID"`
}

func (d UpdateThread) Kind() Kind         { return KindUpdateThread }
func (d UpdateThread) Recipient() string  { return d.UserID }
func (d UpdateThread) Timestamp() int64   { return d.Time }
func (d UpdateThread) key() string        { return d.ThreadID }
func (d UpdateThread) target() string     { return "" }
func (d UpdateThread) conflicts() kindSet { return kindsOf(KindUpdateThread, KindUpdateThreadReadStatus) }
func (d UpdateThread) replaces() kindSet  { return kindsOf(KindUpdateThreadReadStatus) }
func (d UpdateThread) validate() error    { return requireIDs(d.UserID, d.ThreadID) }

func (d UpdateThread) plan(p *fetchPlan) {
	p.addThread(d.ThreadID)
}

func (d UpdateThread) hydrate(base Info, data *hydrationData) (Info, bool, error) {
	base.ThreadID = d.ThreadID
	threadInfo, ok := data.threadInfos[d.ThreadID]
	if !ok {
		return Info{}, false, fmt.Errorf("%w: thread %s for %s", ErrMissingFetchResult, d.ThreadID, d.Kind())
	}
	base.ThreadInfo = &threadInfo
	data.mentionUsers(threadInfo.MemberIDs()...)
	return base, true, nil
}

// UpdateThreadReadStatus tells a recipient their unread flag on a thread changed.
type UpdateThreadReadStatus struct {
	UserID   string `json:"-"`
	Time     int64  `json:"-"`
	ThreadID string `json:"threadID"`
	Unread   bool   `json:"unread"`
}

func (d UpdateThreadReadStatus) Kind() Kind         { return KindUpdateThreadReadStatus }
func (d UpdateThreadReadStatus) Recipient() string  { return d.UserID }
func (d UpdateThreadReadStatus) Timestamp() int64   { return d.Time }
func (d UpdateThreadReadStatus) key() string        { return d.ThreadID }
func (d UpdateThreadReadStatus) target() string     { return "" }
func (d UpdateThreadReadStatus) conflicts() kindSet { return kindsOf(KindUpdateThreadReadStatus) }
func (d UpdateThreadReadStatus) replaces() kindSet  { return kindsOf(KindUpdateThreadReadStatus) }
func (d UpdateThreadReadStatus) validate() error    { return requireIDs(d.UserID, d.ThreadID) }
func (d UpdateThreadReadStatus) plan(*fetchPlan)    {}

func (d UpdateThreadReadStatus) hydrate(base Info, _ *hydrationData) (Info, bool, error) {
	unread := d.Unread
	base.ThreadID = d.ThreadID
	base.Unread = &unread
	return base, true, nil
}

// DeleteThread tells a recipient a thread is gone. It clears every earlier
// update for the thread.
type DeleteThread struct {
	UserID   string `json:"-"`
	Time     int64  `json:"-"`
	ThreadID string `json:"threadID"`
}

func (d DeleteThread) Kind() Kind         { return KindDeleteThread }
func (d DeleteThread) Recipient() string  { return d.UserID }
func (d DeleteThread) Timestamp() int64   { return d.Time }
func (d DeleteThread) key() string        { return d.ThreadID }
func (d DeleteThread) target() string     { return "" }
func (d DeleteThread) conflicts() kindSet { return allKinds() }
func (d DeleteThread) replaces() kindSet  { return allKinds() }
func (d DeleteThread) validate() error    { return requireIDs(d.UserID, d.ThreadID) }
func (d DeleteThread) plan(*fetchPlan)    {}

func (d DeleteThread) hydrate(base Info, _ *hydrationData) (Info, bool, error) {
	base.ThreadID = d.ThreadID
	return base, true, nil
}

// JoinThread tells a recipient they joined a thread. It clears every earlier
// update for the thread and ships the thread's messages and entries.
type JoinThread struct {
	UserID   string `json:"-"`
	Time     int64  `json:"-"`
	ThreadID string `json:"threadID"`
}

func (d JoinThread) Kind() Kind         { return KindJoinThread }
func (d JoinThread) Recipient() string  { return d.UserID }
func (d JoinThread) Timestamp() int64   { return d.Time }
func (d JoinThread) key() string        { return d.ThreadID }
func (d JoinThread) target() string     { return "" }
func (d JoinThread) conflicts() kindSet { return allKinds() }
func (d JoinThread) replaces() kindSet  { return allKinds() }
func (d JoinThread) validate() error    { return requireIDs(d.UserID, d.ThreadID) }

func (d JoinThread) plan(p *fetchPlan) {
	p.addThread(d.ThreadID)
	p.addDetailedThread(d.ThreadID)
}

func (d JoinThread) hydrate(base Info, data *hydrationData) (Info, bool, error) {
	base.ThreadID = d.ThreadID
	threadInfo, ok := data.threadInfos[d.ThreadID]
	if !ok {
		return Info{}, false, fmt.Errorf("%w: thread %s for %s", ErrMissingFetchResult, d.ThreadID, d.Kind())
	}
	base.ThreadInfo = &threadInfo
	base.RawMessageInfos = data.messagesByThread[d.ThreadID]
	base.TruncationStatus = data.truncationStatuses[d.ThreadID]
	base.RawEntryInfos = data.entriesByThread[d.ThreadID]
	data.mentionUsers(threadInfo.MemberIDs()...)
	for _, message := range base.RawMessageInfos {
		data.mentionUsers(message.CreatorID)
	}
	for _, entry := range base.RawEntryInfos {
		data.mentionUsers(entry.CreatorID)
	}
	return base, true, nil
}

// DeleteAccount tells a recipient another account was deleted.
type DeleteAccount struct {
	UserID        string `json:"-"`
	Time          int64  `json:"-"`
	DeletedUserID string `json:"deletedUserID"`
}

func (d DeleteAccount) Kind() Kind         { return KindDeleteAccount }
func (d DeleteAccount) Recipient() string  { return d.UserID }
func (d DeleteAccount) Timestamp() int64   { return d.Time }
func (d DeleteAccount) key() string        { return "" }
func (d DeleteAccount) target() string     { return "" }
func (d DeleteAccount) conflicts() kindSet { return noKinds() }
func (d DeleteAccount) replaces() kindSet  { return noKinds() }
func (d DeleteAccount) validate() error    { return requireIDs(d.UserID, d.DeletedUserID) }
func (d DeleteAccount) plan(*fetchPlan)    {}

func (d DeleteAccount) hydrate(base Info, _ *hydrationData) (Info, bool, error) {
	base.DeletedUserID = d.DeletedUserID
	return base, true, nil
}

// UpdateUser tells a recipient a user's identity changed.
type UpdateUser struct {
	UserID        string `json:"-"`
	Time          int64  `json:"-"`
	UpdatedUserID string `json:"updatedUserID"`
}

func (d UpdateUser) Kind() Kind         { return KindUpdateUser }
func (d UpdateUser) Recipient() string  { return d.UserID }
func (d UpdateUser) Timestamp() int64   { return d.Time }
func (d UpdateUser) key() string        { return "" }
func (d UpdateUser) target() string     { return "" }
func (d UpdateUser) conflicts() kindSet { return noKinds() }
func (d UpdateUser) replaces() kindSet  { return noKinds() }
func (d UpdateUser) validate() error    { return requireIDs(d.UserID, d.UpdatedUserID) }
func (d UpdateUser) plan(*fetchPlan)    {}

func (d UpdateUser) hydrate(base Info, data *hydrationData) (Info, bool, error) {
	base.UpdatedUserID = d.UpdatedUserID
	data.mentionUsers(d.UpdatedUserID)
	return base, true, nil
}

// BadDeviceToken tells the device behind a cookie that its push token was rejected.
type BadDeviceToken struct {
	UserID       string `json:"-"`
	Time         int64  `json:"-"`
	DeviceToken  string `json:"deviceToken"`
	TargetCookie string `json:"targetCookie"`
}

func (d BadDeviceToken) Kind() Kind         { return KindBadDeviceToken }
func (d BadDeviceToken) Recipient() string  { return d.UserID }
func (d BadDeviceToken) Timestamp() int64   { return d.Time }
func (d BadDeviceToken) key() string        { return "" }
func (d BadDeviceToken) target() string     { return d.TargetCookie }
func (d BadDeviceToken) conflicts() kindSet { return noKinds() }
func (d BadDeviceToken) replaces() kindSet  { return noKinds() }
func (d BadDeviceToken) validate() error    { return requireIDs(d.UserID, d.TargetCookie) }
func (d BadDeviceToken) plan(*fetchPlan)    {}

func (d BadDeviceToken) hydrate(base Info, _ *hydrationData) (Info, bool, error) {
	base.DeviceToken = d.DeviceToken
	return base, true, nil
}

// UpdateEntry tells a recipient a calendar entry changed. It clears every
// earlier update for the entry and may be restricted to one session.
type UpdateEntry struct {
	UserID        string `json:"-"`
	Time          int64  `json:"-"`
	EntryID       string `json:"entryID"`
	TargetSession string `json:"targetSession,omitempty"`
}

func (d UpdateEntry) Kind() Kind         { return KindUpdateEntry }
func (d UpdateEntry) Recipient() string  { return d.UserID }
func (d UpdateEntry) Timestamp() int64   { return d.Time }
func (d UpdateEntry) key() string        { return d.EntryID }
func (d UpdateEntry) target() string     { return d.TargetSession }
func (d UpdateEntry) conflicts() kindSet { return allKinds() }
func (d UpdateEntry) replaces() kindSet  { return allKinds() }
func (d UpdateEntry) validate() error    { return requireIDs(d.UserID, d.EntryID) }

func (d UpdateEntry) plan(p *fetchPlan) {
	p.addEntry(d.EntryID)
}

// hydrate drops the update when the entry is outside the viewer's calendar
// query. Entries are fetched through the viewer's thread visibility and
// deletion only flags them, so an absent entry means the viewer lost access
// to its thread; the accompanying thread update carries that change.
func (d UpdateEntry) hydrate(base Info, data *hydrationData) (Info, bool, error) {
	entryInfo, ok := data.entryInfos[d.EntryID]
	if !ok {
		return Info{}, false, nil
	}
	if !entryInfo.WithinQuery(data.calendarQuery) {
		return Info{}, false, nil
	}
	base.EntryInfo = &entryInfo
	data.mentionUsers(entryInfo.CreatorID)
	return base, true, nil
}

func requireIDs(userID string, entityID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty recipient", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(entityID) == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidDescriptor)
	}
	return nil
}

// decodeDescriptor rebuilds a descriptor from a persisted record.
func decodeDescriptor(kind Kind, userID string, timestamp int64, content []byte) (Descriptor, error) {
	var (
		descriptor Descriptor
		err        error
	)
	switch kind {
	case KindUpdateThread:
		var value UpdateThread
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindUpdateThreadReadStatus:
		var value UpdateThreadReadStatus
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindDeleteThread:
		var value DeleteThread
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindJoinThread:
		var value JoinThread
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindDeleteAccount:
		var value DeleteAccount
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindUpdateUser:
		var value UpdateUser
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindBadDeviceToken:
		var value BadDeviceToken
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	case KindUpdateEntry:
		var value UpdateEntry
		err = json.Unmarshal(content, &value)
		value.UserID, value.Time = userID, timestamp
		descriptor = value
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("updates: decode %s content: %w", kind, err)
	}
	return descriptor, nil
}
