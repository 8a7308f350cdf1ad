package sessions

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"gorm.io/gorm"
)

type negotiatorFixture struct {
	negotiator *Negotiator
	store      *Store
	database   *gorm.DB
	entries    *stubEntries
}

func newNegotiatorFixture(testContext *testing.T) *negotiatorFixture {
	testContext.Helper()
	store, database := openStore(testContext)
	entries := &stubEntries{}
	negotiator, err := NewNegotiator(NegotiatorConfig{
		Store:      store,
		Entries:    entries,
		Users:      stubUsers{},
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		testContext.Fatalf("failed to create negotiator: %v", err)
	}
	return &negotiatorFixture{negotiator: negotiator, store: store, database: database, entries: entries}
}

func (f *negotiatorFixture) sessionCount(testContext *testing.T) int64 {
	testContext.Helper()
	var count int64
	if err := f.database.Model(&Session{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return count
}

func cookieViewer(userID string, cookieID string) viewer.Viewer {
	return viewer.Viewer{UserID: userID, CookieID: cookieID, LoggedIn: true}
}

func TestInitializeSessionAnonymousViewerResyncs(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	query := mustQuery(testContext, "2024-01-01", "2024-01-31")
	result, err := fixture.negotiator.InitializeSession(context.Background(), viewer.Anonymous(), query, 500)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if result.Continued || result.SessionID != "" {
		testContext.Fatalf("expected full resync without session, got %+v", result)
	}
	if count := fixture.sessionCount(testContext); count != 0 {
		testContext.Fatalf("expected no session rows, got %d", count)
	}
}

func TestInitializeSessionFirstContactDoesNotCreateSession(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	query := mustQuery(testContext, "2024-01-01", "2024-01-31")
	result, err := fixture.negotiator.InitializeSession(context.Background(), cookieViewer("alice", "cookie-1"), query, 0)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if result.Continued || result.SessionID != "" || result.SessionChanged {
		testContext.Fatalf("expected full resync without session, got %+v", result)
	}
	if count := fixture.sessionCount(testContext); count != 0 {
		testContext.Fatalf("expected no session rows, got %d", count)
	}
}

func TestInitializeSessionWithoutCookieOrSessionResyncs(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	query := mustQuery(testContext, "2024-01-01", "2024-01-31")
	result, err := fixture.negotiator.InitializeSession(context.Background(), viewer.Viewer{UserID: "alice", LoggedIn: true}, query, 0)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if result.Continued || result.SessionID != "" || result.SessionChanged {
		testContext.Fatalf("expected full resync without session, got %+v", result)
	}
	if count := fixture.sessionCount(testContext); count != 0 {
		testContext.Fatalf("expected no session rows, got %d", count)
	}
}

func TestInitializeSessionReplacesUndecodableQueryInPlace(testContext *testing.T) {
	testCases := []struct {
		name   string
		viewer viewer.Viewer
	}{
		{name: "cookie identified", viewer: cookieViewer("alice", "cookie-1")},
		{name: "explicit session", viewer: cookieViewer("alice", "cookie-1").WithSession("cookie-1", 0, 0)},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			fixture := newNegotiatorFixture(subTest)
			broken := Session{SessionID: "cookie-1", UserID: "alice", CookieID: "cookie-1", Query: []byte(`"not a query"`), LastUpdate: 300}
			if err := fixture.database.Create(&broken).Error; err != nil {
				subTest.Fatalf("failed to seed session: %v", err)
			}
			query := mustQuery(subTest, "2024-01-01", "2024-01-31")

			result, err := fixture.negotiator.InitializeSession(context.Background(), testCase.viewer, query, 400)
			if err != nil {
				subTest.Fatalf("InitializeSession failed: %v", err)
			}
			if result.Continued || result.SessionID != "cookie-1" || result.SessionChanged {
				subTest.Fatalf("expected a full resync on the same session, got %+v", result)
			}
			if count := fixture.sessionCount(subTest); count != 1 {
				subTest.Fatalf("expected the session to be replaced in place, got %d rows", count)
			}
			session, err := fixture.store.FetchSession(context.Background(), "alice", "cookie-1")
			if err != nil {
				subTest.Fatalf("FetchSession failed: %v", err)
			}
			stored, err := session.CalendarQuery()
			if err != nil || !stored.Equal(query) {
				subTest.Fatalf("expected stored query %+v, got %+v (%v)", query, stored, err)
			}
			if session.LastUpdate != 400 || session.LastValidated != fixedNow.UnixMilli() {
				subTest.Fatalf("unexpected session timestamps %+v", session)
			}
		})
	}
}

func TestInitializeSessionCreatesSessionWhenBaselinePresent(testContext *testing.T) {
	testCases := []struct {
		name              string
		viewer            viewer.Viewer
		expectedSessionID string
		expectedChanged   bool
	}{
		{
			name:              "cookie identified",
			viewer:            cookieViewer("alice", "cookie-1"),
			expectedSessionID: "cookie-1",
			expectedChanged:   false,
		},
		{
			name:              "unknown explicit session",
			viewer:            cookieViewer("alice", "cookie-1").WithSession("stale-session", 0, 0),
			expectedSessionID: "session-001",
			expectedChanged:   true,
		},
		{
			name:              "no cookie and no session",
			viewer:            viewer.Viewer{UserID: "alice", LoggedIn: true},
			expectedSessionID: "session-001",
			expectedChanged:   true,
		},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(subTest *testing.T) {
			fixture := newNegotiatorFixture(subTest)
			query := mustQuery(subTest, "2024-01-01", "2024-01-31")
			result, err := fixture.negotiator.InitializeSession(context.Background(), testCase.viewer, query, 400)
			if err != nil {
				subTest.Fatalf("InitializeSession failed: %v", err)
			}
			if result.Continued {
				subTest.Fatalf("expected full resync, got %+v", result)
			}
			if result.SessionID != testCase.expectedSessionID || result.SessionChanged != testCase.expectedChanged {
				subTest.Fatalf("unexpected session %q changed=%v", result.SessionID, result.SessionChanged)
			}
			session, err := fixture.store.FetchSession(context.Background(), "alice", testCase.expectedSessionID)
			if err != nil {
				subTest.Fatalf("FetchSession failed: %v", err)
			}
			if session.LastUpdate != 400 || session.LastValidated != fixedNow.UnixMilli() {
				subTest.Fatalf("unexpected session timestamps %+v", session)
			}
			stored, err := session.CalendarQuery()
			if err != nil || !stored.Equal(query) {
				subTest.Fatalf("expected stored query %+v, got %+v (%v)", query, stored, err)
			}
		})
	}
}

func TestInitializeSessionContinuesWithoutDelta(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	query := mustQuery(testContext, "2024-01-01", "2024-01-31", calendar.NotDeleted())
	mustCreateSession(testContext, fixture.store, Session{SessionID: "cookie-1", UserID: "alice", CookieID: "cookie-1", LastUpdate: 300}, query)

	fresher, err := fixture.negotiator.InitializeSession(context.Background(), cookieViewer("alice", "cookie-1"), query, 350)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if !fresher.Continued || fresher.SessionID != "cookie-1" {
		testContext.Fatalf("expected continuation, got %+v", fresher)
	}
	if fresher.Update.Query != nil || fresher.Update.LastUpdate == nil || *fresher.Update.LastUpdate != 350 {
		testContext.Fatalf("expected only a lastUpdate refresh, got %+v", fresher.Update)
	}
	if len(fresher.DeltaEntries.RawEntryInfos) != 0 || len(fixture.entries.queries) != 0 {
		testContext.Fatalf("expected no delta fetch")
	}

	older, err := fixture.negotiator.InitializeSession(context.Background(), cookieViewer("alice", "cookie-1"), query, 200)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if !older.Continued || !older.Update.IsEmpty() {
		testContext.Fatalf("expected continuation without update, got %+v", older)
	}
}

func TestInitializeSessionContinuesWithDeltaForAddedThread(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	oldQuery := mustQuery(testContext, "2024-01-01", "2024-01-31", calendar.NotDeleted(), calendar.ThreadList("A"))
	newQuery := mustQuery(testContext, "2024-01-01", "2024-01-31", calendar.NotDeleted(), calendar.ThreadList("A", "B"))
	mustCreateSession(testContext, fixture.store, Session{SessionID: "cookie-1", UserID: "alice", CookieID: "cookie-1", LastUpdate: 300}, oldQuery)
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-a", ThreadID: "A", Year: 2024, Month: 1, Day: 5, CreatorID: "alice"},
		{ID: "entry-b", ThreadID: "B", Year: 2024, Month: 1, Day: 6, CreatorID: "bob"},
		{ID: "entry-b-deleted", ThreadID: "B", Year: 2024, Month: 1, Day: 7, CreatorID: "carol", Deleted: true},
		{ID: "entry-c", ThreadID: "C", Year: 2024, Month: 1, Day: 8, CreatorID: "dave"},
	}

	result, err := fixture.negotiator.InitializeSession(context.Background(), cookieViewer("alice", "cookie-1"), newQuery, 300)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if !result.Continued {
		testContext.Fatalf("expected continuation, got %+v", result)
	}
	if len(result.DeltaEntries.RawEntryInfos) != 1 || result.DeltaEntries.RawEntryInfos[0].ID != "entry-b" {
		testContext.Fatalf("unexpected delta entries %+v", result.DeltaEntries.RawEntryInfos)
	}
	if !reflect.DeepEqual(result.DeltaEntries.DeletedEntryIDs, []string{"entry-b-deleted"}) {
		testContext.Fatalf("unexpected deleted ids %v", result.DeltaEntries.DeletedEntryIDs)
	}
	if len(result.DeltaEntries.UserInfos) != 1 {
		testContext.Fatalf("expected only the surviving creator, got %+v", result.DeltaEntries.UserInfos)
	}
	if _, ok := result.DeltaEntries.UserInfos["bob"]; !ok {
		testContext.Fatalf("expected bob in user infos, got %+v", result.DeltaEntries.UserInfos)
	}
	if result.Update.Query == nil || !result.Update.Query.Equal(newQuery) || result.Update.LastUpdate != nil {
		testContext.Fatalf("expected query update only, got %+v", result.Update)
	}

	if err := fixture.store.CommitSessionUpdate(context.Background(), result.SessionID, result.Update); err != nil {
		testContext.Fatalf("CommitSessionUpdate failed: %v", err)
	}
	session, err := fixture.store.FetchSession(context.Background(), "alice", "cookie-1")
	if err != nil {
		testContext.Fatalf("FetchSession failed: %v", err)
	}
	stored, err := session.CalendarQuery()
	if err != nil || !stored.Equal(newQuery) {
		testContext.Fatalf("expected the new query to be persisted, got %+v (%v)", stored, err)
	}
}

func TestInitializeSessionIgnoresOtherUsersSession(testContext *testing.T) {
	fixture := newNegotiatorFixture(testContext)
	query := mustQuery(testContext, "2024-01-01", "2024-01-31")
	mustCreateSession(testContext, fixture.store, Session{SessionID: "cookie-1", UserID: "bob", CookieID: "cookie-1", LastUpdate: 300}, query)

	result, err := fixture.negotiator.InitializeSession(context.Background(), cookieViewer("alice", "cookie-1").WithSession("cookie-1", 0, 0), query, 0)
	if err != nil {
		testContext.Fatalf("InitializeSession failed: %v", err)
	}
	if result.Continued {
		testContext.Fatalf("expected full resync for a session owned by another user")
	}
}

func TestNewNegotiatorRequiresCollaborators(testContext *testing.T) {
	if _, err := NewNegotiator(NegotiatorConfig{}); err == nil {
		testContext.Fatalf("expected an error for missing collaborators")
	}
}
