package updates

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingFetchers   = errors.New("entity and user fetchers are required")
	noOpLogger           = zap.NewNop()
)

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

const (
	opServiceNew         = "updates.service.new"
	opCreateUpdates      = "updates.create"
	opFetchUpdatesSince  = "updates.fetch_since"
	opDeleteTargeted     = "updates.delete_targeted"
	fieldUserID          = "user_id"
	fieldSessionID       = "session_id"
	fieldUpdateID        = "update_id"
	reasonHydrateFailed  = "hydrate_failed"
	reasonAnonymous      = "anonymous_viewer"
	defaultPerThreadPage = 20
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the update log service.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Threads           entities.ThreadFetcher
	Entries           entities.EntryFetcher
	Messages          entities.MessageFetcher
	Users             users.UserFetcher
	Publisher         Publisher
	MessagesPerThread int
}

// Service compacts, persists, hydrates and delivers updates.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	logger            *zap.Logger
	threads           entities.ThreadFetcher
	entries           entities.EntryFetcher
	messages          entities.MessageFetcher
	users             users.UserFetcher
	publisher         Publisher
	messagesPerThread int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Threads == nil || cfg.Entries == nil || cfg.Messages == nil || cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_fetchers", errMissingFetchers)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	perThread := cfg.MessagesPerThread
	if perThread <= 0 {
		perThread = defaultPerThreadPage
	}

	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		logger:            logger,
		threads:           cfg.Threads,
		entries:           cfg.Entries,
		messages:          cfg.Messages,
		users:             cfg.Users,
		publisher:         cfg.Publisher,
		messagesPerThread: perThread,
	}, nil
}

type commitEntry struct {
	descriptor Descriptor
	record     Record
	insert     bool
}

// CreateUpdates compacts the batch, persists the survivors and purges the
// records they supersede. When viewerInfo names a logged-in viewer, the
// updates addressed to that viewer come back hydrated; everything else is
// published for asynchronous delivery. Replaying a batch is a no-op.
func (s *Service) CreateUpdates(ctx context.Context, descriptors []Descriptor, viewerInfo *ViewerInfo) (Result, error) {
	if len(descriptors) == 0 {
		return Result{UserInfos: map[string]users.UserInfo{}}, nil
	}

	var activeViewer *ViewerInfo
	if viewerInfo != nil && viewerInfo.Viewer.RequireLoggedIn() == nil {
		activeViewer = viewerInfo
	}

	var session string
	if activeViewer != nil {
		session = activeViewer.Viewer.Session()
	}

	entries, err := s.commit(ctx, descriptors, session)
	if err != nil {
		return Result{}, err
	}

	if activeViewer == nil {
		return Result{UserInfos: map[string]users.UserInfo{}}, nil
	}
	var pending []pendingUpdate
	for _, entry := range entries {
		if entry.descriptor.Recipient() != activeViewer.Viewer.UserID {
			continue
		}
		if target := entry.descriptor.target(); target != "" && target != session {
			continue
		}
		pending = append(pending, pendingUpdate{id: entry.record.UpdateID, descriptor: entry.descriptor})
	}
	result, err := s.hydrate(ctx, *activeViewer, pending)
	if err != nil {
		s.logError(opCreateUpdates, reasonHydrateFailed, err, zap.String(fieldUserID, activeViewer.Viewer.UserID))
		return Result{}, newServiceError(opCreateUpdates, reasonHydrateFailed, err)
	}
	return result, nil
}

// CommitUpdates persists and publishes the batch on behalf of author without
// hydrating anything back. The author's session is recorded as the updater,
// so its own fetches skip these updates.
func (s *Service) CommitUpdates(ctx context.Context, descriptors []Descriptor, author viewer.Viewer) error {
	if len(descriptors) == 0 {
		return nil
	}
	var session string
	if author.RequireLoggedIn() == nil {
		session = author.Session()
	}
	_, err := s.commit(ctx, descriptors, session)
	return err
}

// commit compacts the batch and writes the survivors in one transaction,
// skipping those targeted at the updater session itself.
func (s *Service) commit(ctx context.Context, descriptors []Descriptor, session string) ([]commitEntry, error) {
	compacted, err := compact(descriptors)
	if err != nil {
		s.logError(opCreateUpdates, "invalid_batch", err)
		return nil, newServiceError(opCreateUpdates, "invalid_batch", err)
	}

	entries := make([]commitEntry, 0, len(compacted.committed))
	for _, descriptor := range compacted.committed {
		updateID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateUpdates, "id_generation_failed", err, zap.String(fieldUserID, descriptor.Recipient()))
			return nil, newServiceError(opCreateUpdates, "id_generation_failed", err)
		}
		record, err := newRecord(updateID, descriptor, session)
		if err != nil {
			s.logError(opCreateUpdates, "encode_failed", err, zap.String(fieldUserID, descriptor.Recipient()))
			return nil, newServiceError(opCreateUpdates, "encode_failed", err)
		}
		targetsOwnSession := session != "" && descriptor.target() != "" && descriptor.target() == session
		entries = append(entries, commitEntry{descriptor: descriptor, record: record, insert: !targetsOwnSession})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range entries {
			entry := &entries[index]
			if !entry.insert {
				continue
			}
			createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry.record)
			if createResult.Error != nil {
				s.logError(opCreateUpdates, "insert_failed", createResult.Error,
					zap.String(fieldUserID, entry.record.UserID),
					zap.String(fieldUpdateID, entry.record.UpdateID))
				return newServiceError(opCreateUpdates, "insert_failed", createResult.Error)
			}
			if createResult.RowsAffected > 0 {
				continue
			}
			var existing Record
			err := tx.Select("update_id").
				Where("user_id = ? AND fingerprint = ?", entry.record.UserID, entry.record.Fingerprint).
				Take(&existing).Error
			if err != nil {
				s.logError(opCreateUpdates, "duplicate_lookup_failed", err, zap.String(fieldUserID, entry.record.UserID))
				return newServiceError(opCreateUpdates, "duplicate_lookup_failed", err)
			}
			entry.record.UpdateID = existing.UpdateID
			entry.insert = false
		}

		for _, purge := range compacted.purges {
			statement := tx.Where("user_id = ? AND dedup_key = ? AND time_ms < ?", purge.userID, purge.key, purge.before)
			if kinds := purge.kinds.names(); kinds != nil {
				statement = statement.Where("kind IN ?", kinds)
			}
			if purge.target != "" {
				statement = statement.Where("target = ?", purge.target)
			}
			if err := statement.Delete(&Record{}).Error; err != nil {
				s.logError(opCreateUpdates, "purge_failed", err, zap.String(fieldUserID, purge.userID))
				return newServiceError(opCreateUpdates, "purge_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.publish(entries, session)
	return entries, nil
}

// FetchUpdatesSince returns the viewer's updates newer than currentAsOf,
// excluding those this session authored and those targeted elsewhere.
func (s *Service) FetchUpdatesSince(ctx context.Context, viewerInfo ViewerInfo, currentAsOf int64) (Result, error) {
	current := viewerInfo.Viewer
	if err := current.RequireLoggedIn(); err != nil {
		return Result{}, newServiceError(opFetchUpdatesSince, reasonAnonymous, err)
	}

	statement := s.db.WithContext(ctx).Where("user_id = ? AND time_ms > ?", current.UserID, currentAsOf)
	if session := current.Session(); session != "" {
		statement = statement.
			Where("(updater IS NULL OR updater <> ?)", session).
			Where("(target IS NULL OR target = ? OR target = ?)", session, current.CookieID)
	} else {
		statement = statement.Where("target IS NULL")
	}
	var records []Record
	if err := statement.Order("time_ms ASC").Order("update_id ASC").Find(&records).Error; err != nil {
		s.logError(opFetchUpdatesSince, "query_failed", err, zap.String(fieldUserID, current.UserID))
		return Result{}, newServiceError(opFetchUpdatesSince, "query_failed", err)
	}

	latest := currentAsOf
	pending := make([]pendingUpdate, 0, len(records))
	for _, record := range records {
		descriptor, err := decodeDescriptor(record.Kind, record.UserID, record.TimeMillis, record.Content)
		if err != nil {
			s.logError(opFetchUpdatesSince, "decode_failed", err,
				zap.String(fieldUserID, current.UserID),
				zap.String(fieldUpdateID, record.UpdateID))
			return Result{}, newServiceError(opFetchUpdatesSince, "decode_failed", err)
		}
		pending = append(pending, pendingUpdate{id: record.UpdateID, descriptor: descriptor})
		if record.TimeMillis > latest {
			latest = record.TimeMillis
		}
	}

	result, err := s.hydrate(ctx, viewerInfo, pending)
	if err != nil {
		s.logError(opFetchUpdatesSince, reasonHydrateFailed, err, zap.String(fieldUserID, current.UserID))
		return Result{}, newServiceError(opFetchUpdatesSince, reasonHydrateFailed, err)
	}
	result.CurrentAsOf = latest
	return result, nil
}

// DeleteUpdatesBeforeTimeTargetingSession drops session-targeted updates the
// session has already acknowledged.
func (s *Service) DeleteUpdatesBeforeTimeTargetingSession(ctx context.Context, current viewer.Viewer, before int64) (int64, error) {
	if err := current.RequireLoggedIn(); err != nil {
		return 0, newServiceError(opDeleteTargeted, reasonAnonymous, err)
	}
	session := current.Session()
	if session == "" {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND target = ? AND time_ms <= ?", current.UserID, session, before).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDeleteTargeted, "delete_failed", result.Error,
			zap.String(fieldUserID, current.UserID),
			zap.String(fieldSessionID, session))
		return 0, newServiceError(opDeleteTargeted, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) publish(entries []commitEntry, session string) {
	if s.publisher == nil {
		return
	}
	type channel struct {
		userID string
		target string
	}
	notifications := make(map[channel]*Notification)
	var order []channel
	for _, entry := range entries {
		target := entry.descriptor.target()
		if target != "" && target == session {
			continue
		}
		key := channel{userID: entry.descriptor.Recipient(), target: target}
		notification, ok := notifications[key]
		if !ok {
			notification = &Notification{UserID: key.userID, TargetSession: target}
			if target == "" {
				notification.ExcludeSession = session
			}
			notifications[key] = notification
			order = append(order, key)
		}
		notification.UpdateIDs = append(notification.UpdateIDs, entry.record.UpdateID)
		if entry.record.TimeMillis > notification.LatestTime {
			notification.LatestTime = entry.record.TimeMillis
		}
	}
	for _, key := range order {
		s.publisher.PublishUpdates(*notifications[key])
	}
}

func newRecord(updateID string, descriptor Descriptor, session string) (Record, error) {
	content, err := json.Marshal(descriptor)
	if err != nil {
		return Record{}, err
	}
	record := Record{
		UpdateID:    updateID,
		UserID:      descriptor.Recipient(),
		Kind:        descriptor.Kind(),
		Content:     content,
		TimeMillis:  descriptor.Timestamp(),
		Fingerprint: fingerprint(descriptor, content),
	}
	if key := descriptor.key(); key != "" {
		record.DedupKey = &key
	}
	if session != "" {
		updater := session
		record.Updater = &updater
	}
	if target := descriptor.target(); target != "" {
		record.Target = &target
	}
	return record, nil
}

// fingerprint identifies a descriptor independently of its assigned id.
func fingerprint(descriptor Descriptor, content []byte) string {
	hasher := blake3.New()
	for _, part := range [][]byte{
		[]byte(descriptor.Recipient()),
		[]byte(descriptor.Kind()),
		[]byte(strconv.FormatInt(descriptor.Timestamp(), 10)),
		[]byte(descriptor.target()),
		content,
	} {
		_, _ = hasher.Write(part)
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("updates service error", attrs...)
}
