package statecheck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Slice names are the top-level client caches subject to verification.
const (
	SliceThreadInfos     = "threadInfos"
	SliceEntryInfos      = "entryInfos"
	SliceCurrentUserInfo = "currentUserInfo"
	SliceUserInfos       = "userInfos"

	innerThreadInfo = "threadInfo"
	innerEntryInfo  = "entryInfo"
	innerUserInfo   = "userInfo"

	keySeparator = "|"

	opCheckerNew = "statecheck.checker.new"
	opCheckState = "statecheck.check_state"

	// DefaultUserInfoMinCodeVersion is the first client build that verifies userInfos.
	DefaultUserInfoMinCodeVersion = 59
)

var errMissingFetchers = errors.New("thread, entry and user fetchers are required")

// ServiceError wraps checker failures with a stable code.
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

// Request is the check_state server request sent to the client.
type Request struct {
	HashesToCheck   map[string]string `json:"hashesToCheck"`
	FailUnmentioned map[string]bool   `json:"failUnmentioned,omitempty"`
	StateChanges    *StateChanges     `json:"stateChanges,omitempty"`
}

// StateChanges is the repair payload for drifted entities.
type StateChanges struct {
	RawThreadInfos    []entities.ThreadInfo  `json:"rawThreadInfos,omitempty"`
	RawEntryInfos     []entities.EntryInfo   `json:"rawEntryInfos,omitempty"`
	UserInfos         []users.UserInfo       `json:"userInfos,omitempty"`
	CurrentUserInfo   *users.CurrentUserInfo `json:"currentUserInfo,omitempty"`
	DeleteThreadIDs   []string               `json:"deleteThreadIDs,omitempty"`
	DeleteEntryIDs    []string               `json:"deleteEntryIDs,omitempty"`
	DeleteUserInfoIDs []string               `json:"deleteUserInfoIDs,omitempty"`
}

func (c *StateChanges) isEmpty() bool {
	return len(c.RawThreadInfos) == 0 && len(c.RawEntryInfos) == 0 && len(c.UserInfos) == 0 &&
		c.CurrentUserInfo == nil && len(c.DeleteThreadIDs) == 0 && len(c.DeleteEntryIDs) == 0 &&
		len(c.DeleteUserInfoIDs) == 0
}

// Result carries the request to send, if any, and the validation timestamp
// to persist on the session, if any.
type Result struct {
	Request       *Request
	LastValidated *int64
}

// CheckerConfig describes the dependencies of the Checker.
type CheckerConfig struct {
	Threads                entities.ThreadFetcher
	Entries                entities.EntryFetcher
	Users                  users.UserFetcher
	Clock                  func() time.Time
	Logger                 *zap.Logger
	UserInfoMinCodeVersion int
}

// Checker detects and repairs drift between client caches and server truth.
type Checker struct {
	threads                entities.ThreadFetcher
	entries                entities.EntryFetcher
	users                  users.UserFetcher
	clock                  func() time.Time
	logger                 *zap.Logger
	userInfoMinCodeVersion int
}

// NewChecker constructs a Checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Threads == nil || cfg.Entries == nil || cfg.Users == nil {
		return nil, newServiceError(opCheckerNew, "missing_fetchers", errMissingFetchers)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minCodeVersion := cfg.UserInfoMinCodeVersion
	if minCodeVersion <= 0 {
		minCodeVersion = DefaultUserInfoMinCodeVersion
	}
	return &Checker{
		threads:                cfg.Threads,
		entries:                cfg.Entries,
		users:                  cfg.Users,
		clock:                  clock,
		logger:                 logger,
		userInfoMinCodeVersion: minCodeVersion,
	}, nil
}

// CheckState advances the consistency check for the viewer's session.
func (c *Checker) CheckState(ctx context.Context, current viewer.Viewer, query calendar.Query, status Status) (Result, error) {
	switch status.Kind() {
	case StatusValidated:
		return Result{LastValidated: c.now()}, nil
	case StatusNeedsCheck:
		hashes, err := c.sliceHashes(ctx, current, query)
		if err != nil {
			c.logError(opCheckState, "slice_hash_failed", err, zap.String("user_id", current.UserID))
			return Result{}, err
		}
		return Result{Request: &Request{HashesToCheck: hashes}}, nil
	case StatusInvalid:
		result, err := c.resolveInvalid(ctx, current, query, status.InvalidKeys())
		if err != nil {
			c.logError(opCheckState, "resolve_failed", err, zap.String("user_id", current.UserID))
			return Result{}, err
		}
		return result, nil
	default:
		return Result{}, nil
	}
}

func (c *Checker) includesUserInfos(current viewer.Viewer) bool {
	return current.CodeVersion() >= c.userInfoMinCodeVersion
}

func (c *Checker) sliceHashes(ctx context.Context, current viewer.Viewer, query calendar.Query) (map[string]string, error) {
	viewerID := current.UserID
	var (
		threadHash, entryHash, currentUserHash, userHash string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		threadInfos, err := c.threads.FetchThreadInfos(groupCtx, viewerID, nil)
		if err != nil {
			return err
		}
		threadHash, err = Hash(threadInfos)
		return err
	})
	group.Go(func() error {
		entryInfos, err := c.fetchEntriesForQuery(groupCtx, viewerID, query)
		if err != nil {
			return err
		}
		entryHash, err = Hash(entryInfos)
		return err
	})
	group.Go(func() error {
		currentUserInfo, err := c.users.FetchCurrentUserInfo(groupCtx, viewerID)
		if err != nil {
			return err
		}
		currentUserHash, err = Hash(currentUserInfo)
		return err
	})
	includeUsers := c.includesUserInfos(current)
	if includeUsers {
		group.Go(func() error {
			userInfos, err := c.users.FetchKnownUserInfos(groupCtx, viewerID, nil)
			if err != nil {
				return err
			}
			userHash, err = Hash(userInfos)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	hashes := map[string]string{
		SliceThreadInfos:     threadHash,
		SliceEntryInfos:      entryHash,
		SliceCurrentUserInfo: currentUserHash,
	}
	if includeUsers {
		hashes[SliceUserInfos] = userHash
	}
	return hashes, nil
}

// resolveInvalid escalates failed slices to entity keys and resolves failed
// entity keys to replacements or deletions.
func (c *Checker) resolveInvalid(ctx context.Context, current viewer.Viewer, query calendar.Query, invalidKeys []string) (Result, error) {
	viewerID := current.UserID
	fetchAll := make(map[string]bool)
	idsByInner := map[string]map[string]struct{}{
		innerThreadInfo: {},
		innerEntryInfo:  {},
		innerUserInfo:   {},
	}
	for _, key := range invalidKeys {
		switch key {
		case SliceThreadInfos, SliceEntryInfos, SliceUserInfos, SliceCurrentUserInfo:
			fetchAll[key] = true
			continue
		}
		inner, id, ok := strings.Cut(key, keySeparator)
		if !ok || id == "" {
			continue
		}
		if ids, known := idsByInner[inner]; known {
			ids[id] = struct{}{}
		}
	}

	var (
		threadInfos     map[string]entities.ThreadInfo
		entryInfos      map[string]entities.EntryInfo
		userInfos       map[string]users.UserInfo
		currentUserInfo users.CurrentUserInfo
	)
	group, groupCtx := errgroup.WithContext(ctx)
	if fetchAll[SliceThreadInfos] || len(idsByInner[innerThreadInfo]) > 0 {
		var threadIDs []string
		if !fetchAll[SliceThreadInfos] {
			threadIDs = sortedKeys(idsByInner[innerThreadInfo])
		}
		group.Go(func() error {
			fetched, err := c.threads.FetchThreadInfos(groupCtx, viewerID, threadIDs)
			threadInfos = fetched
			return err
		})
	}
	if fetchAll[SliceEntryInfos] {
		group.Go(func() error {
			fetched, err := c.fetchEntriesForQuery(groupCtx, viewerID, query)
			entryInfos = fetched
			return err
		})
	} else if len(idsByInner[innerEntryInfo]) > 0 {
		entryIDs := sortedKeys(idsByInner[innerEntryInfo])
		group.Go(func() error {
			fetched, err := c.entries.FetchEntryInfosByID(groupCtx, viewerID, entryIDs)
			entryInfos = fetched
			return err
		})
	}
	if fetchAll[SliceUserInfos] || len(idsByInner[innerUserInfo]) > 0 {
		var userIDs []string
		if !fetchAll[SliceUserInfos] {
			userIDs = sortedKeys(idsByInner[innerUserInfo])
		}
		group.Go(func() error {
			fetched, err := c.users.FetchKnownUserInfos(groupCtx, viewerID, userIDs)
			userInfos = fetched
			return err
		})
	}
	if fetchAll[SliceCurrentUserInfo] {
		group.Go(func() error {
			fetched, err := c.users.FetchCurrentUserInfo(groupCtx, viewerID)
			currentUserInfo = fetched
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	request := &Request{
		HashesToCheck:   map[string]string{},
		FailUnmentioned: map[string]bool{},
	}
	changes := &StateChanges{}
	referencedUsers := make(map[string]struct{})

	escalate := func(slice string, inner string, infos map[string]any) error {
		for id, info := range infos {
			hash, err := Hash(info)
			if err != nil {
				return err
			}
			request.HashesToCheck[inner+keySeparator+id] = hash
		}
		request.FailUnmentioned[slice] = true
		return nil
	}

	for _, key := range invalidKeys {
		switch key {
		case SliceThreadInfos:
			if err := escalate(key, innerThreadInfo, toAny(threadInfos)); err != nil {
				return Result{}, err
			}
			continue
		case SliceEntryInfos:
			if err := escalate(key, innerEntryInfo, toAny(entryInfos)); err != nil {
				return Result{}, err
			}
			continue
		case SliceUserInfos:
			if err := escalate(key, innerUserInfo, toAny(userInfos)); err != nil {
				return Result{}, err
			}
			continue
		case SliceCurrentUserInfo:
			info := currentUserInfo
			changes.CurrentUserInfo = &info
			continue
		}

		inner, id, ok := strings.Cut(key, keySeparator)
		if !ok || id == "" {
			continue
		}
		switch inner {
		case innerThreadInfo:
			info, found := threadInfos[id]
			if !found {
				changes.DeleteThreadIDs = append(changes.DeleteThreadIDs, id)
				continue
			}
			changes.RawThreadInfos = append(changes.RawThreadInfos, info)
			for _, memberID := range info.MemberIDs() {
				referencedUsers[memberID] = struct{}{}
			}
		case innerEntryInfo:
			info, found := entryInfos[id]
			if !found || !info.WithinQuery(query) {
				changes.DeleteEntryIDs = append(changes.DeleteEntryIDs, id)
				continue
			}
			changes.RawEntryInfos = append(changes.RawEntryInfos, info)
			referencedUsers[info.CreatorID] = struct{}{}
		case innerUserInfo:
			info, found := userInfos[id]
			if !found {
				changes.DeleteUserInfoIDs = append(changes.DeleteUserInfoIDs, id)
				continue
			}
			changes.UserInfos = append(changes.UserInfos, info)
		}
	}

	if !c.includesUserInfos(current) && len(referencedUsers) > 0 {
		delete(referencedUsers, "")
		attached, err := c.users.FetchUserInfos(ctx, sortedKeys(referencedUsers))
		if err != nil {
			return Result{}, err
		}
		for _, userID := range sortedKeys(referencedUsers) {
			if info, ok := attached[userID]; ok {
				changes.UserInfos = append(changes.UserInfos, info)
			}
		}
	}

	if !changes.isEmpty() {
		request.StateChanges = changes
	}
	result := Result{Request: request}
	if len(request.HashesToCheck) == 0 {
		result.LastValidated = c.now()
	}
	return result, nil
}

func (c *Checker) fetchEntriesForQuery(ctx context.Context, viewerID string, query calendar.Query) (map[string]entities.EntryInfo, error) {
	fetched, err := c.entries.FetchEntryInfos(ctx, viewerID, []calendar.Query{query})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]entities.EntryInfo, len(fetched))
	for _, entry := range fetched {
		byID[entry.ID] = entry
	}
	return byID, nil
}

func (c *Checker) now() *int64 {
	now := c.clock().UTC().UnixMilli()
	return &now
}

func (c *Checker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("state check error", attrs...)
}

func toAny[V any](infos map[string]V) map[string]any {
	converted := make(map[string]any, len(infos))
	for id, info := range infos {
		converted[id] = info
	}
	return converted
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
