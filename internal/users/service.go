package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no canonical user exists for an id.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers, provider-specific identities,
// and the user records delivered to clients.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping and user record when the provider+subject
// pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		txErr := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&identity).Error; err != nil {
				return err
			}
			user := User{
				UserID:          identity.UserID,
				Username:        usernameFor(identity),
				Email:           identity.Email,
				AvatarURL:       identity.AvatarURL,
				CreatedAtMillis: s.now().UnixMilli(),
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error
		})
		if txErr != nil {
			s.logger.Error("identity creation failed", zap.String("provider", provider), zap.Error(txErr))
			return "", txErr
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		userUpdates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			userUpdates["email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			userUpdates["username"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			userUpdates["avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
		if len(userUpdates) > 0 {
			_ = s.db.Model(&User{}).
				Where("user_id = ?", identity.UserID).
				Updates(userUpdates).
				Error
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// FetchUserInfos returns the user records for userIDs. Unknown ids are omitted.
func (s *Service) FetchUserInfos(ctx context.Context, userIDs []string) (map[string]UserInfo, error) {
	infos := make(map[string]UserInfo, len(userIDs))
	if len(userIDs) == 0 {
		return infos, nil
	}
	var rows []User
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("users: fetch user infos: %w", err)
	}
	for _, row := range rows {
		infos[row.UserID] = row.info()
	}
	return infos, nil
}

// FetchKnownUserInfos returns the users the viewer shares a thread with.
func (s *Service) FetchKnownUserInfos(ctx context.Context, viewerID string, userIDs []string) (map[string]UserInfo, error) {
	if normalize(viewerID) == "" {
		return nil, ErrInvalidIdentity
	}
	if userIDs != nil && len(userIDs) == 0 {
		return map[string]UserInfo{}, nil
	}
	viewerThreads := s.db.WithContext(ctx).
		Model(&entities.Membership{}).
		Select("thread_id").
		Where("user_id = ?", viewerID)
	knownUsers := s.db.WithContext(ctx).
		Model(&entities.Membership{}).
		Select("user_id").
		Where("thread_id IN (?)", viewerThreads)

	statement := s.db.WithContext(ctx).Where("(user_id IN (?) OR user_id = ?)", knownUsers, viewerID)
	if userIDs != nil {
		statement = statement.Where("user_id IN ?", userIDs)
	}
	var rows []User
	if err := statement.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("users: fetch known user infos: %w", err)
	}
	infos := make(map[string]UserInfo, len(rows))
	for _, row := range rows {
		infos[row.UserID] = row.info()
	}
	return infos, nil
}

// FetchCurrentUserInfo returns the viewer's own record.
func (s *Service) FetchCurrentUserInfo(ctx context.Context, viewerID string) (CurrentUserInfo, error) {
	var row User
	err := s.db.WithContext(ctx).Where("user_id = ?", viewerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CurrentUserInfo{}, fmt.Errorf("%w: %s", ErrUserNotFound, viewerID)
	}
	if err != nil {
		return CurrentUserInfo{}, fmt.Errorf("users: fetch current user info: %w", err)
	}
	return CurrentUserInfo{
		ID:        row.UserID,
		Username:  row.Username,
		Email:     row.Email,
		AvatarURL: row.AvatarURL,
	}, nil
}

func usernameFor(identity Identity) string {
	if identity.DisplayName != "" {
		return identity.DisplayName
	}
	if identity.Email != "" {
		return identity.Email
	}
	return identity.Subject
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
