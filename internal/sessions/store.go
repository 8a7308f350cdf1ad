package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSessionNotFound indicates no session record exists for the identity.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrCookieNotFound indicates no cookie record exists for the identity.
	ErrCookieNotFound  = errors.New("sessions: cookie not found")
	errMissingDatabase = errors.New("database handle is required")
	errMissingIdentity = errors.New("user and session identifiers are required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew             = "sessions.store.new"
	opFetchSession         = "sessions.fetch"
	opCreateSession        = "sessions.create"
	opCommitSessionUpdate  = "sessions.commit_update"
	opTouchCookie          = "sessions.touch_cookie"
	opFetchCookie          = "sessions.fetch_cookie"
	opSetCookiePlatform    = "sessions.set_cookie_platform"
	opSetCookieDetails     = "sessions.set_cookie_platform_details"
	opSetCookieDeviceToken = "sessions.set_cookie_device_token"
	fieldUserID            = "user_id"
	fieldSessionID         = "session_id"
	fieldCookieID          = "cookie_id"
	reasonMissingIdentity  = "missing_identity"
	reasonQueryFailed      = "query_failed"
	reasonUpdateFailed     = "update_failed"
	reasonEncodeFailed     = "encode_failed"
)

// ServiceError wraps session persistence failures with a stable code.
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

// StoreConfig describes the dependencies of the session store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists sessions and cookies.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// FetchSession loads the user's session. A missing row yields ErrSessionNotFound.
func (s *Store) FetchSession(ctx context.Context, userID string, sessionID string) (Session, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return Session{}, newServiceError(opFetchSession, reasonMissingIdentity, errMissingIdentity)
	}
	var session Session
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		s.logError(opFetchSession, reasonQueryFailed, err, zap.String(fieldUserID, userID), zap.String(fieldSessionID, sessionID))
		return Session{}, newServiceError(opFetchSession, reasonQueryFailed, err)
	}
	return session, nil
}

// CreateSession inserts a session, replacing the query and timestamps of a
// row that a concurrent request created first.
func (s *Store) CreateSession(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.UserID) == "" || strings.TrimSpace(session.SessionID) == "" {
		return newServiceError(opCreateSession, reasonMissingIdentity, errMissingIdentity)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"query", "last_update", "last_validated"}),
	}).Create(&session).Error
	if err != nil {
		s.logError(opCreateSession, "insert_failed", err, zap.String(fieldUserID, session.UserID), zap.String(fieldSessionID, session.SessionID))
		return newServiceError(opCreateSession, "insert_failed", err)
	}
	return nil
}

// CommitSessionUpdate overwrites the named columns of a session.
func (s *Store) CommitSessionUpdate(ctx context.Context, sessionID string, update SessionUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	if strings.TrimSpace(sessionID) == "" {
		return newServiceError(opCommitSessionUpdate, reasonMissingIdentity, errMissingIdentity)
	}
	columns := make(map[string]any, 3)
	if update.Query != nil {
		encoded, err := json.Marshal(update.Query)
		if err != nil {
			return newServiceError(opCommitSessionUpdate, reasonEncodeFailed, err)
		}
		columns["query"] = datatypes.JSON(encoded)
	}
	if update.LastUpdate != nil {
		columns["last_update"] = *update.LastUpdate
	}
	if update.LastValidated != nil {
		columns["last_validated"] = *update.LastValidated
	}
	result := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", sessionID).Updates(columns)
	if result.Error != nil {
		s.logError(opCommitSessionUpdate, reasonUpdateFailed, result.Error, zap.String(fieldSessionID, sessionID))
		return newServiceError(opCommitSessionUpdate, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchCookie records use of an authenticated cookie, creating its row on
// first sight, and returns the stored state.
func (s *Store) TouchCookie(ctx context.Context, cookieID string, userID string) (Cookie, error) {
	if strings.TrimSpace(cookieID) == "" || strings.TrimSpace(userID) == "" {
		return Cookie{}, newServiceError(opTouchCookie, reasonMissingIdentity, errMissingIdentity)
	}
	now := s.clock().UTC().UnixMilli()
	var cookie Cookie
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := Cookie{CookieID: cookieID, UserID: userID, CreatedAtMillis: now, LastUsedMillis: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&insert).Error; err != nil {
			return err
		}
		if err := tx.Model(&Cookie{}).Where("cookie_id = ?", cookieID).Update("last_used_ms", now).Error; err != nil {
			return err
		}
		return tx.Where("cookie_id = ?", cookieID).Take(&cookie).Error
	})
	if err != nil {
		s.logError(opTouchCookie, reasonUpdateFailed, err, zap.String(fieldCookieID, cookieID))
		return Cookie{}, newServiceError(opTouchCookie, reasonUpdateFailed, err)
	}
	return cookie, nil
}

// FetchCookie loads a cookie row.
func (s *Store) FetchCookie(ctx context.Context, cookieID string) (Cookie, error) {
	var cookie Cookie
	err := s.db.WithContext(ctx).Where("cookie_id = ?", cookieID).Take(&cookie).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cookie{}, ErrCookieNotFound
	}
	if err != nil {
		s.logError(opFetchCookie, reasonQueryFailed, err, zap.String(fieldCookieID, cookieID))
		return Cookie{}, newServiceError(opFetchCookie, reasonQueryFailed, err)
	}
	return cookie, nil
}

// SetCookiePlatform records the platform reported by the client.
func (s *Store) SetCookiePlatform(ctx context.Context, cookieID string, platform viewer.Platform) error {
	return s.updateCookie(ctx, opSetCookiePlatform, cookieID, map[string]any{"platform": string(platform)})
}

// SetCookiePlatformDetails records the platform and build reported by the client.
func (s *Store) SetCookiePlatformDetails(ctx context.Context, cookieID string, details viewer.PlatformDetails) error {
	encoded, err := json.Marshal(details)
	if err != nil {
		return newServiceError(opSetCookieDetails, reasonEncodeFailed, err)
	}
	return s.updateCookie(ctx, opSetCookieDetails, cookieID, map[string]any{
		"platform":         string(details.Platform),
		"platform_details": datatypes.JSON(encoded),
	})
}

// SetCookieDeviceToken records the push token of the device behind the cookie.
// A token moves to the newest cookie that reports it.
func (s *Store) SetCookieDeviceToken(ctx context.Context, cookieID string, deviceToken string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Cookie{}).
			Where("device_token = ? AND cookie_id <> ?", deviceToken, cookieID).
			Update("device_token", nil).Error; err != nil {
			return err
		}
		result := tx.Model(&Cookie{}).Where("cookie_id = ?", cookieID).Update("device_token", deviceToken)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCookieNotFound
		}
		return nil
	})
	if errors.Is(err, ErrCookieNotFound) {
		return err
	}
	if err != nil {
		s.logError(opSetCookieDeviceToken, reasonUpdateFailed, err, zap.String(fieldCookieID, cookieID))
		return newServiceError(opSetCookieDeviceToken, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Store) updateCookie(ctx context.Context, operation string, cookieID string, columns map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Cookie{}).Where("cookie_id = ?", cookieID).Updates(columns)
	if result.Error != nil {
		s.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldCookieID, cookieID))
		return newServiceError(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCookieNotFound
	}
	return nil
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
	s.logger.Error("session store error", attrs...)
}
