package entities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew          = "entities.store.new"
	opFetchThreads      = "entities.fetch_threads"
	opFetchEntries      = "entities.fetch_entries"
	opFetchEntriesByID  = "entities.fetch_entries_by_id"
	opFetchMessages     = "entities.fetch_messages"
	opSetThreadUnread   = "entities.set_thread_unread"
	opCreateThread      = "entities.create_thread"
	opSaveEntry         = "entities.save_entry"
	opCreateMessage     = "entities.create_message"
	defaultPerThread    = 20
	fieldUserID         = "user_id"
	fieldThreadID       = "thread_id"
	reasonQueryFailed   = "query_failed"
	reasonMissingUserID = "missing_user_id"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	// ErrThreadNotVisible indicates the viewer is not a member of the thread.
	ErrThreadNotVisible = errors.New("entities: thread not visible")
	noOpLogger          = zap.NewNop()
)

// ServiceError wraps entity store failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the reference entity store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the gorm-backed thread, entry and message store. Visibility is
// thread membership.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// FetchThreadInfos returns snapshots of the threads the viewer belongs to,
// optionally restricted to threadIDs.
func (s *Store) FetchThreadInfos(ctx context.Context, viewerID string, threadIDs []string) (map[string]ThreadInfo, error) {
	if strings.TrimSpace(viewerID) == "" {
		return nil, newServiceError(opFetchThreads, reasonMissingUserID, errMissingUserID)
	}
	if threadIDs != nil && len(threadIDs) == 0 {
		return map[string]ThreadInfo{}, nil
	}

	var own []Membership
	query := s.db.WithContext(ctx).Where("user_id = ?", viewerID)
	if threadIDs != nil {
		query = query.Where("thread_id IN ?", threadIDs)
	}
	if err := query.Find(&own).Error; err != nil {
		s.logError(opFetchThreads, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return nil, newServiceError(opFetchThreads, reasonQueryFailed, err)
	}
	if len(own) == 0 {
		return map[string]ThreadInfo{}, nil
	}

	visibleIDs := make([]string, 0, len(own))
	ownByThread := make(map[string]Membership, len(own))
	for _, membership := range own {
		visibleIDs = append(visibleIDs, membership.ThreadID)
		ownByThread[membership.ThreadID] = membership
	}

	var threads []Thread
	if err := s.db.WithContext(ctx).Where("thread_id IN ?", visibleIDs).Find(&threads).Error; err != nil {
		s.logError(opFetchThreads, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return nil, newServiceError(opFetchThreads, reasonQueryFailed, err)
	}
	var members []Membership
	if err := s.db.WithContext(ctx).
		Where("thread_id IN ?", visibleIDs).
		Order("thread_id ASC").
		Order("user_id ASC").
		Find(&members).Error; err != nil {
		s.logError(opFetchThreads, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return nil, newServiceError(opFetchThreads, reasonQueryFailed, err)
	}
	membersByThread := make(map[string][]MemberInfo, len(visibleIDs))
	for _, member := range members {
		membersByThread[member.ThreadID] = append(membersByThread[member.ThreadID], MemberInfo{ID: member.UserID, Role: member.Role})
	}

	infos := make(map[string]ThreadInfo, len(threads))
	for _, thread := range threads {
		membership := ownByThread[thread.ThreadID]
		infos[thread.ThreadID] = ThreadInfo{
			ID:             thread.ThreadID,
			Name:           thread.Name,
			Description:    thread.Description,
			Color:          thread.Color,
			CreationTime:   thread.CreatedAtMillis,
			ParentThreadID: thread.ParentThreadID,
			CreatorID:      thread.CreatorID,
			Members:        membersByThread[thread.ThreadID],
			CurrentUser:    CurrentUserThreadInfo{Role: membership.Role, Unread: membership.Unread},
		}
	}
	return infos, nil
}

// FetchEntryInfos returns the visible entries matching any of the queries,
// deduplicated and ordered by id.
func (s *Store) FetchEntryInfos(ctx context.Context, viewerID string, queries []calendar.Query) ([]EntryInfo, error) {
	if strings.TrimSpace(viewerID) == "" {
		return nil, newServiceError(opFetchEntries, reasonMissingUserID, errMissingUserID)
	}
	seen := make(map[string]struct{})
	var infos []EntryInfo
	for _, query := range queries {
		if err := query.Validate(); err != nil {
			return nil, newServiceError(opFetchEntries, "invalid_query", err)
		}
		statement := s.db.WithContext(ctx).
			Where("thread_id IN (?)", s.visibleThreads(ctx, viewerID)).
			Where("entry_date BETWEEN ? AND ?", query.StartDate, query.EndDate)
		if query.HasFilter(calendar.FilterNotDeleted) {
			statement = statement.Where("deleted = ?", false)
		}
		if threadIDs, ok := query.ThreadIDs(); ok {
			statement = statement.Where("thread_id IN ?", sortedKeys(threadIDs))
		}
		var rows []Entry
		if err := statement.Find(&rows).Error; err != nil {
			s.logError(opFetchEntries, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
			return nil, newServiceError(opFetchEntries, reasonQueryFailed, err)
		}
		for _, row := range rows {
			if _, duplicate := seen[row.EntryID]; duplicate {
				continue
			}
			info, err := entryInfoFromRow(row)
			if err != nil {
				return nil, newServiceError(opFetchEntries, "invalid_entry_date", err)
			}
			seen[row.EntryID] = struct{}{}
			infos = append(infos, info)
		}
	}
	SortEntryInfos(infos)
	return infos, nil
}

// FetchEntryInfosByID returns the visible entries among entryIDs.
func (s *Store) FetchEntryInfosByID(ctx context.Context, viewerID string, entryIDs []string) (map[string]EntryInfo, error) {
	if strings.TrimSpace(viewerID) == "" {
		return nil, newServiceError(opFetchEntriesByID, reasonMissingUserID, errMissingUserID)
	}
	infos := make(map[string]EntryInfo, len(entryIDs))
	if len(entryIDs) == 0 {
		return infos, nil
	}
	var rows []Entry
	if err := s.db.WithContext(ctx).
		Where("entry_id IN ?", entryIDs).
		Where("thread_id IN (?)", s.visibleThreads(ctx, viewerID)).
		Find(&rows).Error; err != nil {
		s.logError(opFetchEntriesByID, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return nil, newServiceError(opFetchEntriesByID, reasonQueryFailed, err)
	}
	for _, row := range rows {
		info, err := entryInfoFromRow(row)
		if err != nil {
			return nil, newServiceError(opFetchEntriesByID, "invalid_entry_date", err)
		}
		infos[row.EntryID] = info
	}
	return infos, nil
}

// FetchMessages returns the newest messages per selected thread together with
// a truncation status for each thread.
func (s *Store) FetchMessages(ctx context.Context, viewerID string, criteria MessageCriteria) (MessagesResult, error) {
	if strings.TrimSpace(viewerID) == "" {
		return MessagesResult{}, newServiceError(opFetchMessages, reasonMissingUserID, errMissingUserID)
	}
	perThread := criteria.PerThread
	if perThread <= 0 {
		perThread = defaultPerThread
	}

	threadSet := make(map[string]struct{}, len(criteria.ThreadIDs))
	for _, threadID := range criteria.ThreadIDs {
		threadSet[threadID] = struct{}{}
	}
	var memberships []Membership
	if err := s.db.WithContext(ctx).Where("user_id = ?", viewerID).Find(&memberships).Error; err != nil {
		s.logError(opFetchMessages, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return MessagesResult{}, newServiceError(opFetchMessages, reasonQueryFailed, err)
	}
	joined := make(map[string]struct{}, len(memberships))
	for _, membership := range memberships {
		joined[membership.ThreadID] = struct{}{}
		if criteria.JoinedThreads {
			threadSet[membership.ThreadID] = struct{}{}
		}
	}

	result := MessagesResult{
		TruncationStatuses: make(map[string]TruncationStatus, len(threadSet)),
		CurrentAsOf:        criteria.NewerThan,
	}
	for _, threadID := range sortedKeys(threadSet) {
		if _, visible := joined[threadID]; !visible {
			continue
		}
		var rows []Message
		if err := s.db.WithContext(ctx).
			Where("thread_id = ? AND time_ms > ?", threadID, criteria.NewerThan).
			Order("time_ms DESC").
			Limit(perThread + 1).
			Find(&rows).Error; err != nil {
			s.logError(opFetchMessages, reasonQueryFailed, err,
				zap.String(fieldUserID, viewerID),
				zap.String(fieldThreadID, threadID))
			return MessagesResult{}, newServiceError(opFetchMessages, reasonQueryFailed, err)
		}
		switch {
		case len(rows) > perThread:
			rows = rows[:perThread]
			result.TruncationStatuses[threadID] = TruncationTruncated
		case criteria.NewerThan > 0:
			result.TruncationStatuses[threadID] = TruncationUnchanged
		default:
			result.TruncationStatuses[threadID] = TruncationExhaustive
		}
		for _, row := range rows {
			result.RawMessageInfos = append(result.RawMessageInfos, MessageInfo{
				ID:        row.MessageID,
				ThreadID:  row.ThreadID,
				CreatorID: row.CreatorID,
				Text:      row.Text,
				Time:      row.TimeMillis,
			})
			if row.TimeMillis > result.CurrentAsOf {
				result.CurrentAsOf = row.TimeMillis
			}
		}
	}
	return result, nil
}

// SetThreadUnread updates the viewer's unread flag on a thread and reports
// whether the stored value changed.
func (s *Store) SetThreadUnread(ctx context.Context, userID string, threadID string, unread bool) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, newServiceError(opSetThreadUnread, reasonMissingUserID, errMissingUserID)
	}
	result := s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("user_id = ? AND thread_id = ? AND unread <> ?", userID, threadID, unread).
		Update("unread", unread)
	if result.Error != nil {
		s.logError(opSetThreadUnread, "update_failed", result.Error,
			zap.String(fieldUserID, userID),
			zap.String(fieldThreadID, threadID))
		return false, newServiceError(opSetThreadUnread, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CreateThread inserts a thread with its members in one transaction.
func (s *Store) CreateThread(ctx context.Context, thread Thread, members []Membership) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&thread).Error; err != nil {
			s.logError(opCreateThread, "thread_insert_failed", err, zap.String(fieldThreadID, thread.ThreadID))
			return newServiceError(opCreateThread, "thread_insert_failed", err)
		}
		for index := range members {
			members[index].ThreadID = thread.ThreadID
			if members[index].JoinedAtMillis == 0 {
				members[index].JoinedAtMillis = thread.CreatedAtMillis
			}
		}
		if len(members) == 0 {
			return nil
		}
		if err := tx.Create(&members).Error; err != nil {
			s.logError(opCreateThread, "membership_insert_failed", err, zap.String(fieldThreadID, thread.ThreadID))
			return newServiceError(opCreateThread, "membership_insert_failed", err)
		}
		return nil
	})
}

// SaveEntry inserts or replaces an entry row.
func (s *Store) SaveEntry(ctx context.Context, entry Entry) error {
	if _, err := calendar.ParseDate(entry.EntryDate); err != nil {
		return newServiceError(opSaveEntry, "invalid_entry_date", err)
	}
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		s.logError(opSaveEntry, "entry_save_failed", err, zap.String(fieldThreadID, entry.ThreadID))
		return newServiceError(opSaveEntry, "entry_save_failed", err)
	}
	return nil
}

// CreateMessage appends a message to a thread.
func (s *Store) CreateMessage(ctx context.Context, message Message) error {
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opCreateMessage, "message_insert_failed", err, zap.String(fieldThreadID, message.ThreadID))
		return newServiceError(opCreateMessage, "message_insert_failed", err)
	}
	return nil
}

func (s *Store) visibleThreads(ctx context.Context, viewerID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&Membership{}).Select("thread_id").Where("user_id = ?", viewerID)
}

func entryInfoFromRow(row Entry) (EntryInfo, error) {
	day, err := calendar.ParseDate(row.EntryDate)
	if err != nil {
		return EntryInfo{}, err
	}
	return EntryInfo{
		ID:           row.EntryID,
		ThreadID:     row.ThreadID,
		Text:         row.Text,
		Year:         day.Year(),
		Month:        int(day.Month()),
		Day:          day.Day(),
		CreationTime: row.CreatedAtMillis,
		CreatorID:    row.CreatorID,
		Deleted:      row.Deleted,
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entity store error", attrs...)
}
