package server

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/statesync"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubIdentityResolver struct {
	userID string
	err    error
}

func (s stubIdentityResolver) ResolveCanonicalUserID(auth.SessionClaims) (string, error) {
	return s.userID, s.err
}

type stubCodedError struct {
	code string
}

func (e stubCodedError) Error() string { return e.code }

func (e stubCodedError) Code() string { return e.code }

// stubResponder records calls and answers with canned results.
type stubResponder struct {
	mu sync.Mutex

	syncResponse   statesync.Response
	syncConnection statesync.Connection
	syncErr        error
	serverRequests []statesync.ServerRequest
	push           statesync.UpdatesPush

	syncViewers  []viewer.Viewer
	syncRequests []statesync.Request
	handled      [][]statesync.ClientResponse
	acks         []int64
	fetchedSince []int64
}

func (s *stubResponder) Sync(_ context.Context, current viewer.Viewer, request statesync.Request) (statesync.Response, statesync.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncViewers = append(s.syncViewers, current)
	s.syncRequests = append(s.syncRequests, request)
	return s.syncResponse, s.syncConnection, s.syncErr
}

func (s *stubResponder) HandleResponses(_ context.Context, connection statesync.Connection, responses []statesync.ClientResponse) ([]statesync.ServerRequest, statesync.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, responses)
	return s.serverRequests, connection, nil
}

func (s *stubResponder) AckUpdates(_ context.Context, connection statesync.Connection, currentAsOf int64) (statesync.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, currentAsOf)
	connection.Viewer.SessionLastUpdate = currentAsOf
	return connection, nil
}

func (s *stubResponder) FetchUpdates(_ context.Context, _ statesync.Connection, currentAsOf int64) (statesync.UpdatesPush, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedSince = append(s.fetchedSince, currentAsOf)
	return s.push, nil
}

func (s *stubResponder) recordedAcks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acks...)
}

func (s *stubResponder) recordedViewers() []viewer.Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]viewer.Viewer(nil), s.syncViewers...)
}

func aliceClaims() auth.SessionClaims {
	return auth.SessionClaims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      "cookie-1",
			Subject: "alice",
		},
	}
}

func aliceConnection() statesync.Connection {
	return statesync.Connection{
		Viewer: viewer.Viewer{UserID: "alice", CookieID: "cookie-1", SessionID: "cookie-1", LoggedIn: true},
	}
}

func fullResponse(updatesCurrentAsOf int64) statesync.Response {
	return statesync.Response{
		ServerRequests: []statesync.ServerRequest{{Type: statesync.RequestPlatform}},
		Payload: statesync.FullPayload{
			Type:               statesync.PayloadFull,
			UpdatesCurrentAsOf: updatesCurrentAsOf,
		},
	}
}

func singleUpdatePush(currentAsOf int64) statesync.UpdatesPush {
	return statesync.UpdatesPush{
		UpdatesResult: statesync.UpdatesResult{
			NewUpdates:  []updates.Info{{Type: updates.KindUpdateThread, ID: "update-1", Time: currentAsOf, ThreadID: "thread-1"}},
			CurrentAsOf: currentAsOf,
		},
	}
}

func mustHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}
