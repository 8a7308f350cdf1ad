package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"go.uber.org/zap"
)

const (
	opNegotiatorNew     = "sessions.negotiator.new"
	opInitializeSession = "sessions.initialize"
)

var errMissingCollaborators = errors.New("session store, entry fetcher and user fetcher are required")

// NegotiatorConfig describes the dependencies of the Negotiator.
type NegotiatorConfig struct {
	Store      *Store
	Entries    entities.EntryFetcher
	Users      users.UserFetcher
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Negotiator decides whether a reconnecting client continues its session
// with an incremental delta or must resync in full.
type Negotiator struct {
	store      *Store
	entries    entities.EntryFetcher
	users      users.UserFetcher
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// DeltaEntries are the calendar entries a continuing client lacks after its
// subscription changed.
type DeltaEntries struct {
	RawEntryInfos   []entities.EntryInfo      `json:"rawEntryInfos"`
	DeletedEntryIDs []string                  `json:"deletedEntryIDs"`
	UserInfos       map[string]users.UserInfo `json:"userInfos"`
}

// InitializationResult is the negotiation verdict. The caller applies Update
// through Store.CommitSessionUpdate once the response is assembled.
type InitializationResult struct {
	Continued      bool
	SessionID      string
	SessionChanged bool
	DeltaEntries   DeltaEntries
	Update         SessionUpdate
}

// NewNegotiator constructs a Negotiator.
func NewNegotiator(cfg NegotiatorConfig) (*Negotiator, error) {
	if cfg.Store == nil || cfg.Entries == nil || cfg.Users == nil {
		return nil, newServiceError(opNegotiatorNew, "missing_collaborators", errMissingCollaborators)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Negotiator{
		store:      cfg.Store,
		entries:    cfg.Entries,
		users:      cfg.Users,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// InitializeSession negotiates continuity for a sync attempt carrying query
// and the update timestamp the client last acknowledged. Anonymous viewers
// always resync in full. A viewer without a session record gets one created
// when it presents a baseline, and resyncs in full either way.
func (n *Negotiator) InitializeSession(ctx context.Context, current viewer.Viewer, query calendar.Query, baseline int64) (InitializationResult, error) {
	if current.RequireLoggedIn() != nil {
		return InitializationResult{}, nil
	}

	// A viewer with neither cookie nor session has no record to continue.
	session, err := Session{}, ErrSessionNotFound
	if current.Session() != "" {
		session, err = n.store.FetchSession(ctx, current.UserID, current.Session())
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		if baseline <= 0 {
			return InitializationResult{}, nil
		}
		return n.createSession(ctx, current, query, baseline, "")
	case err != nil:
		return InitializationResult{}, err
	}

	oldQuery, err := session.CalendarQuery()
	if err != nil {
		n.logError(opInitializeSession, "decode_failed", err, zap.String(fieldSessionID, session.SessionID))
		return n.createSession(ctx, current, query, baseline, session.SessionID)
	}

	result := InitializationResult{Continued: true, SessionID: session.SessionID}
	if baseline > session.LastUpdate {
		lastUpdate := baseline
		result.Update.LastUpdate = &lastUpdate
	}

	difference, err := calendar.Difference(oldQuery, query)
	if err != nil {
		return InitializationResult{}, newServiceError(opInitializeSession, "difference_failed", err)
	}
	if len(difference) == 0 {
		return result, nil
	}

	delta, err := n.fetchDeltaEntries(ctx, current.UserID, difference, oldQuery)
	if err != nil {
		return InitializationResult{}, err
	}
	newQuery := query
	result.Update.Query = &newQuery
	result.DeltaEntries = delta
	return result, nil
}

// createSession stores a fresh session for query. An empty sessionID derives
// one from the cookie, or mints one when the cookie is absent or the client
// named a session that does not exist.
func (n *Negotiator) createSession(ctx context.Context, current viewer.Viewer, query calendar.Query, baseline int64, sessionID string) (InitializationResult, error) {
	if sessionID == "" {
		sessionID = current.CookieID
	}
	if sessionID == "" || (current.SessionID != "" && sessionID != current.SessionID) {
		if n.idProvider == nil {
			return InitializationResult{}, newServiceError(opInitializeSession, "missing_id_provider", errMissingCollaborators)
		}
		generated, err := n.idProvider.NewID()
		if err != nil {
			return InitializationResult{}, newServiceError(opInitializeSession, "id_generation_failed", err)
		}
		sessionID = generated
	}

	encoded, err := json.Marshal(query)
	if err != nil {
		return InitializationResult{}, newServiceError(opInitializeSession, reasonEncodeFailed, err)
	}
	now := n.clock().UTC().UnixMilli()
	if baseline <= 0 {
		baseline = now
	}
	err = n.store.CreateSession(ctx, Session{
		SessionID:       sessionID,
		UserID:          current.UserID,
		CookieID:        current.CookieID,
		Query:           encoded,
		CreatedAtMillis: now,
		LastUpdate:      baseline,
		LastValidated:   now,
	})
	if err != nil {
		return InitializationResult{}, err
	}
	return InitializationResult{
		SessionID:      sessionID,
		SessionChanged: sessionID != current.Session(),
	}, nil
}

// fetchDeltaEntries fetches the difference slices and drops what oldQuery
// already delivered. When the slices exclude deleted entries, deleted ones
// are still fetched so the client can drop stale copies.
func (n *Negotiator) fetchDeltaEntries(ctx context.Context, viewerID string, slices []calendar.Query, oldQuery calendar.Query) (DeltaEntries, error) {
	filterDeleted := slices[0].HasFilter(calendar.FilterNotDeleted)
	fetchQueries := slices
	if filterDeleted {
		fetchQueries = make([]calendar.Query, 0, len(slices))
		for _, slice := range slices {
			fetchQueries = append(fetchQueries, withoutNotDeleted(slice))
		}
	}

	fetched, err := n.entries.FetchEntryInfos(ctx, viewerID, fetchQueries)
	if err != nil {
		return DeltaEntries{}, err
	}

	delta := DeltaEntries{
		RawEntryInfos:   []entities.EntryInfo{},
		DeletedEntryIDs: []string{},
		UserInfos:       map[string]users.UserInfo{},
	}
	creatorIDs := make(map[string]struct{})
	for _, entry := range fetched {
		if entry.WithinQuery(oldQuery) {
			continue
		}
		if filterDeleted && entry.Deleted {
			delta.DeletedEntryIDs = append(delta.DeletedEntryIDs, entry.ID)
			continue
		}
		delta.RawEntryInfos = append(delta.RawEntryInfos, entry)
		if entry.CreatorID != "" {
			creatorIDs[entry.CreatorID] = struct{}{}
		}
	}
	entities.SortEntryInfos(delta.RawEntryInfos)

	if len(creatorIDs) == 0 {
		return delta, nil
	}
	ids := make([]string, 0, len(creatorIDs))
	for creatorID := range creatorIDs {
		ids = append(ids, creatorID)
	}
	userInfos, err := n.users.FetchUserInfos(ctx, ids)
	if err != nil {
		return DeltaEntries{}, err
	}
	delta.UserInfos = userInfos
	return delta, nil
}

func withoutNotDeleted(query calendar.Query) calendar.Query {
	filters := make([]calendar.Filter, 0, len(query.Filters))
	for _, filter := range query.Filters {
		if filter.Type == calendar.FilterNotDeleted {
			continue
		}
		filters = append(filters, filter)
	}
	query.Filters = filters
	return query
}

func (n *Negotiator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	n.logger.Error("session negotiation error", attrs...)
}
