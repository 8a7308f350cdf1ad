package statesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"github.com/MarcoPoloResearchLab/tether/internal/statecheck"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opResponderNew     = "statesync.responder.new"
	opSync             = "statesync.sync"
	opHandleResponses  = "statesync.handle_responses"
	opAckUpdates       = "statesync.ack_updates"
	opFetchUpdates     = "statesync.fetch_updates"
	defaultCheckPeriod = 24 * time.Hour
	defaultPerThread   = 20
)

var errMissingResponderDeps = errors.New("session store, negotiator, checker, processor, update log and fetchers are required")

// UpdateLog reads and trims the committed update log.
type UpdateLog interface {
	FetchUpdatesSince(ctx context.Context, viewerInfo updates.ViewerInfo, currentAsOf int64) (updates.Result, error)
	DeleteUpdatesBeforeTimeTargetingSession(ctx context.Context, current viewer.Viewer, before int64) (int64, error)
}

// ResponderConfig describes the dependencies of the Responder.
type ResponderConfig struct {
	Sessions          *sessions.Store
	Negotiator        *sessions.Negotiator
	Checker           *statecheck.Checker
	Processor         *Processor
	Updates           UpdateLog
	Threads           entities.ThreadFetcher
	Entries           entities.EntryFetcher
	Messages          entities.MessageFetcher
	Users             users.UserFetcher
	Clock             func() time.Time
	Logger            *zap.Logger
	CheckFrequency    time.Duration
	MessagesPerThread int
}

// Responder answers sync attempts, later client responses and update acks.
type Responder struct {
	sessions          *sessions.Store
	negotiator        *sessions.Negotiator
	checker           *statecheck.Checker
	processor         *Processor
	updates           UpdateLog
	threads           entities.ThreadFetcher
	entries           entities.EntryFetcher
	messages          entities.MessageFetcher
	users             users.UserFetcher
	clock             func() time.Time
	logger            *zap.Logger
	checkFrequency    time.Duration
	messagesPerThread int
}

// Connection is the state a sync binds to one client connection: the
// session-bound viewer and the calendar query it subscribed with.
type Connection struct {
	Viewer        viewer.Viewer
	CalendarQuery calendar.Query
}

// NewResponder constructs a Responder.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Sessions == nil || cfg.Negotiator == nil || cfg.Checker == nil || cfg.Processor == nil || cfg.Updates == nil ||
		cfg.Threads == nil || cfg.Entries == nil || cfg.Messages == nil || cfg.Users == nil {
		return nil, newServiceError(opResponderNew, "missing_dependencies", errMissingResponderDeps)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	checkFrequency := cfg.CheckFrequency
	if checkFrequency <= 0 {
		checkFrequency = defaultCheckPeriod
	}
	perThread := cfg.MessagesPerThread
	if perThread <= 0 {
		perThread = defaultPerThread
	}
	return &Responder{
		sessions:          cfg.Sessions,
		negotiator:        cfg.Negotiator,
		checker:           cfg.Checker,
		processor:         cfg.Processor,
		updates:           cfg.Updates,
		threads:           cfg.Threads,
		entries:           cfg.Entries,
		messages:          cfg.Messages,
		users:             cfg.Users,
		clock:             clock,
		logger:            logger,
		checkFrequency:    checkFrequency,
		messagesPerThread: perThread,
	}, nil
}

// Sync answers a sync attempt. It negotiates session continuity, assembles a
// full or incremental payload, runs a state check when one is due, and
// commits the resulting session update.
func (r *Responder) Sync(ctx context.Context, current viewer.Viewer, request Request) (Response, Connection, error) {
	now := r.clock()
	query := calendar.DefaultQuery(now)
	if request.CalendarQuery != nil {
		if err := request.CalendarQuery.Validate(); err != nil {
			return Response{}, Connection{}, newServiceError(opSync, "invalid_query", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		}
		query = *request.CalendarQuery
	}
	if request.SessionID != "" {
		current.SessionID = request.SessionID
	}

	if current.RequireLoggedIn() == nil && current.CookieID != "" {
		cookie, err := r.sessions.TouchCookie(ctx, current.CookieID, current.UserID)
		if err != nil {
			return Response{}, Connection{}, err
		}
		current = cookie.ApplyTo(current)
	}

	processed, err := r.processor.ProcessClientResponses(ctx, current, request.ClientResponses)
	if err != nil {
		return Response{}, Connection{}, err
	}
	current = processed.Viewer

	negotiation, err := r.negotiator.InitializeSession(ctx, current, query, request.UpdatesCurrentAsOf)
	if err != nil {
		return Response{}, Connection{}, err
	}
	if negotiation.SessionID != "" {
		session, err := r.sessions.FetchSession(ctx, current.UserID, negotiation.SessionID)
		if err != nil {
			return Response{}, Connection{}, err
		}
		current = current.WithSession(session.SessionID, session.LastUpdate, session.LastValidated)
	} else {
		current = current.WithSession("", 0, 0)
	}

	criteria := entities.MessageCriteria{
		JoinedThreads: true,
		ThreadIDs:     request.WatchedIDs,
		NewerThan:     request.MessagesCurrentAsOf,
		PerThread:     r.messagesPerThread,
	}
	var (
		payload Payload
		update  sessions.SessionUpdate
	)
	if negotiation.Continued {
		payload, err = r.incrementalPayload(ctx, current, query, criteria, request.UpdatesCurrentAsOf, negotiation.DeltaEntries)
		update = negotiation.Update
	} else {
		payload, err = r.fullPayload(ctx, current, query, criteria, request.UpdatesCurrentAsOf, now)
		if full, ok := payload.(FullPayload); ok && negotiation.SessionChanged {
			full.SessionID = negotiation.SessionID
			payload = full
		}
	}
	if err != nil {
		r.logError(opSync, "payload_failed", err, zap.String(fieldUserID, current.UserID))
		return Response{}, Connection{}, newServiceError(opSync, "payload_failed", err)
	}

	serverRequests := append([]ServerRequest{}, processed.ServerRequests...)
	if current.SessionID != "" {
		checkRequest, validated, err := r.checkState(ctx, current, query, processed.HashResults, now)
		if err != nil {
			return Response{}, Connection{}, err
		}
		if checkRequest != nil {
			serverRequests = append(serverRequests, *checkRequest)
		}
		if validated != nil {
			update = update.Merge(sessions.SessionUpdate{LastValidated: validated})
		}
	}

	if current.SessionID != "" && !update.IsEmpty() {
		if err := r.sessions.CommitSessionUpdate(ctx, current.SessionID, update); err != nil {
			return Response{}, Connection{}, err
		}
		current = applySessionUpdate(current, update)
	}

	response := Response{
		ServerRequests:       serverRequests,
		Payload:              payload,
		ActivityUpdateResult: processed.ActivityResult,
	}
	return response, Connection{Viewer: current, CalendarQuery: query}, nil
}

// HandleResponses processes client responses sent after the initial sync.
// Only a check_state response advances the consistency check; the returned
// requests are always non-nil so the client's responses are acknowledged.
func (r *Responder) HandleResponses(ctx context.Context, connection Connection, responses []ClientResponse) ([]ServerRequest, Connection, error) {
	processed, err := r.processor.ProcessClientResponses(ctx, connection.Viewer, responses)
	if err != nil {
		return nil, connection, err
	}
	connection.Viewer = processed.Viewer

	serverRequests := []ServerRequest{}
	if processed.HashResults == nil || connection.Viewer.SessionID == "" {
		return serverRequests, connection, nil
	}
	checkRequest, validated, err := r.checkState(ctx, connection.Viewer, connection.CalendarQuery, processed.HashResults, r.clock())
	if err != nil {
		return nil, connection, err
	}
	if checkRequest != nil {
		serverRequests = append(serverRequests, *checkRequest)
	}
	if validated != nil {
		update := sessions.SessionUpdate{LastValidated: validated}
		if err := r.sessions.CommitSessionUpdate(ctx, connection.Viewer.SessionID, update); err != nil {
			r.logError(opHandleResponses, "commit_failed", err, zap.String(fieldSessionID, connection.Viewer.SessionID))
			return nil, connection, err
		}
		connection.Viewer = applySessionUpdate(connection.Viewer, update)
	}
	return serverRequests, connection, nil
}

// AckUpdates records that the client holds every update up to currentAsOf:
// session-targeted updates up to that time are dropped and the session's
// lastUpdate advances.
func (r *Responder) AckUpdates(ctx context.Context, connection Connection, currentAsOf int64) (Connection, error) {
	current := connection.Viewer
	if current.RequireLoggedIn() != nil || current.SessionID == "" {
		return connection, nil
	}
	update := sessions.SessionUpdate{LastUpdate: &currentAsOf}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		_, err := r.updates.DeleteUpdatesBeforeTimeTargetingSession(groupCtx, current, currentAsOf)
		return err
	})
	group.Go(func() error {
		return r.sessions.CommitSessionUpdate(groupCtx, current.SessionID, update)
	})
	if err := group.Wait(); err != nil {
		r.logError(opAckUpdates, "ack_failed", err,
			zap.String(fieldUserID, current.UserID),
			zap.String(fieldSessionID, current.SessionID))
		return connection, newServiceError(opAckUpdates, "ack_failed", err)
	}
	connection.Viewer = applySessionUpdate(current, update)
	return connection, nil
}

// FetchUpdates returns the updates a live connection has not received since
// currentAsOf, hydrated for its calendar query. Nothing is trimmed; the
// client acknowledges delivery through AckUpdates.
func (r *Responder) FetchUpdates(ctx context.Context, connection Connection, currentAsOf int64) (UpdatesPush, error) {
	push := UpdatesPush{
		UpdatesResult: UpdatesResult{NewUpdates: []updates.Info{}, CurrentAsOf: currentAsOf},
		UserInfos:     []users.UserInfo{},
	}
	if connection.Viewer.RequireLoggedIn() != nil {
		return push, nil
	}
	query := connection.CalendarQuery
	result, err := r.updates.FetchUpdatesSince(ctx, updates.ViewerInfo{Viewer: connection.Viewer, CalendarQuery: &query}, currentAsOf)
	if err != nil {
		r.logError(opFetchUpdates, "fetch_failed", err, zap.String(fieldUserID, connection.Viewer.UserID))
		return UpdatesPush{}, newServiceError(opFetchUpdates, "fetch_failed", err)
	}
	if len(result.ViewerUpdates) > 0 {
		push.UpdatesResult.NewUpdates = result.ViewerUpdates
	}
	if result.CurrentAsOf > currentAsOf {
		push.UpdatesResult.CurrentAsOf = result.CurrentAsOf
	}
	push.UserInfos = sortedUserInfos(result.UserInfos)
	return push, nil
}

// checkState returns the check_state request to send, if any, and the
// validation time to persist, if any.
func (r *Responder) checkState(ctx context.Context, current viewer.Viewer, query calendar.Query, hashResults map[string]bool, now time.Time) (*ServerRequest, *int64, error) {
	status, due := statecheck.DetermineStatus(current, hashResults, now, r.checkFrequency)
	if !due {
		return nil, nil, nil
	}
	result, err := r.checker.CheckState(ctx, current, query, status)
	if err != nil {
		return nil, nil, err
	}
	var request *ServerRequest
	if result.Request != nil {
		request = &ServerRequest{Type: RequestCheckState, Request: result.Request}
	}
	return request, result.LastValidated, nil
}

func (r *Responder) fullPayload(ctx context.Context, current viewer.Viewer, query calendar.Query, criteria entities.MessageCriteria, updatesCurrentAsOf int64, now time.Time) (Payload, error) {
	if updatesCurrentAsOf <= 0 {
		updatesCurrentAsOf = now.UnixMilli()
	}
	payload := FullPayload{
		Type:               PayloadFull,
		MessagesResult:     entities.MessagesResult{RawMessageInfos: []entities.MessageInfo{}, TruncationStatuses: map[string]entities.TruncationStatus{}},
		ThreadInfos:        map[string]entities.ThreadInfo{},
		RawEntryInfos:      []entities.EntryInfo{},
		UserInfos:          []users.UserInfo{},
		UpdatesCurrentAsOf: updatesCurrentAsOf,
	}
	if current.RequireLoggedIn() != nil {
		return payload, nil
	}

	viewerID := current.UserID
	var knownUsers map[string]users.UserInfo
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		threadInfos, err := r.threads.FetchThreadInfos(groupCtx, viewerID, nil)
		payload.ThreadInfos = threadInfos
		return err
	})
	group.Go(func() error {
		entryInfos, err := r.entries.FetchEntryInfos(groupCtx, viewerID, []calendar.Query{query})
		if err != nil {
			return err
		}
		entities.SortEntryInfos(entryInfos)
		if entryInfos != nil {
			payload.RawEntryInfos = entryInfos
		}
		return nil
	})
	group.Go(func() error {
		currentUserInfo, err := r.users.FetchCurrentUserInfo(groupCtx, viewerID)
		if err != nil {
			return err
		}
		payload.CurrentUserInfo = &currentUserInfo
		return nil
	})
	group.Go(func() error {
		infos, err := r.users.FetchKnownUserInfos(groupCtx, viewerID, nil)
		knownUsers = infos
		return err
	})
	group.Go(func() error {
		messagesResult, err := r.messages.FetchMessages(groupCtx, viewerID, criteria)
		if err != nil {
			return err
		}
		payload.MessagesResult = normalizeMessages(messagesResult)
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	payload.UserInfos = sortedUserInfos(knownUsers)
	return payload, nil
}

func (r *Responder) incrementalPayload(ctx context.Context, current viewer.Viewer, query calendar.Query, criteria entities.MessageCriteria, updatesCurrentAsOf int64, delta sessions.DeltaEntries) (Payload, error) {
	viewerID := current.UserID
	var (
		messagesResult entities.MessagesResult
		updatesResult  updates.Result
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result, err := r.messages.FetchMessages(groupCtx, viewerID, criteria)
		messagesResult = result
		return err
	})
	group.Go(func() error {
		result, err := r.updates.FetchUpdatesSince(groupCtx, updates.ViewerInfo{Viewer: current, CalendarQuery: &query}, updatesCurrentAsOf)
		updatesResult = result
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if _, err := r.updates.DeleteUpdatesBeforeTimeTargetingSession(ctx, current, updatesCurrentAsOf); err != nil {
		return nil, err
	}

	merged := make(map[string]users.UserInfo, len(updatesResult.UserInfos)+len(delta.UserInfos))
	for userID, info := range updatesResult.UserInfos {
		merged[userID] = info
	}
	for userID, info := range delta.UserInfos {
		merged[userID] = info
	}
	newUpdates := updatesResult.ViewerUpdates
	if newUpdates == nil {
		newUpdates = []updates.Info{}
	}
	currentAsOf := updatesResult.CurrentAsOf
	if currentAsOf < updatesCurrentAsOf {
		currentAsOf = updatesCurrentAsOf
	}
	return IncrementalPayload{
		Type:            PayloadIncremental,
		MessagesResult:  normalizeMessages(messagesResult),
		UpdatesResult:   UpdatesResult{NewUpdates: newUpdates, CurrentAsOf: currentAsOf},
		DeltaEntryInfos: nonNilEntries(delta.RawEntryInfos),
		DeletedEntryIDs: nonNilStrings(delta.DeletedEntryIDs),
		UserInfos:       sortedUserInfos(merged),
	}, nil
}

func applySessionUpdate(current viewer.Viewer, update sessions.SessionUpdate) viewer.Viewer {
	if update.LastUpdate != nil {
		current.SessionLastUpdate = *update.LastUpdate
	}
	if update.LastValidated != nil {
		current.SessionLastValidated = *update.LastValidated
	}
	return current
}

func normalizeMessages(result entities.MessagesResult) entities.MessagesResult {
	if result.RawMessageInfos == nil {
		result.RawMessageInfos = []entities.MessageInfo{}
	}
	if result.TruncationStatuses == nil {
		result.TruncationStatuses = map[string]entities.TruncationStatus{}
	}
	return result
}

func sortedUserInfos(infos map[string]users.UserInfo) []users.UserInfo {
	result := make([]users.UserInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, info)
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].ID < result[right].ID
	})
	return result
}

func nonNilEntries(entries []entities.EntryInfo) []entities.EntryInfo {
	if entries == nil {
		return []entities.EntryInfo{}
	}
	return entries
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (r *Responder) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("state sync error", attrs...)
}
