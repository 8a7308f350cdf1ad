package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"github.com/MarcoPoloResearchLab/tether/internal/statecheck"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

type syncFixture struct {
	database   *gorm.DB
	entities   *entities.Store
	users      *users.Service
	updates    *updates.Service
	sessions   *sessions.Store
	negotiator *sessions.Negotiator
	checker    *statecheck.Checker
	processor  *Processor
	responder  *Responder
	reportIDs  *sequenceIDProvider
	sessionIDs *sequenceIDProvider
}

func newSyncFixture(testContext *testing.T) *syncFixture {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "statesync.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(
		&entities.Thread{}, &entities.Membership{}, &entities.Entry{}, &entities.Message{},
		&users.User{}, &updates.Record{}, &sessions.Session{}, &sessions.Cookie{}, &InconsistencyReport{},
	); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return fixedNow }
	fixture := &syncFixture{
		database:   database,
		reportIDs:  &sequenceIDProvider{prefix: "report"},
		sessionIDs: &sequenceIDProvider{prefix: "session"},
	}
	fixture.entities = must(entities.NewStore(entities.StoreConfig{Database: database}))(testContext)
	fixture.users = must(users.NewService(users.ServiceConfig{Database: database, Clock: clock}))(testContext)
	fixture.updates = must(updates.NewService(updates.ServiceConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{prefix: "update"},
		Threads:    fixture.entities,
		Entries:    fixture.entities,
		Messages:   fixture.entities,
		Users:      fixture.users,
	}))(testContext)
	fixture.sessions = must(sessions.NewStore(sessions.StoreConfig{Database: database, Clock: clock}))(testContext)
	fixture.negotiator = must(sessions.NewNegotiator(sessions.NegotiatorConfig{
		Store:      fixture.sessions,
		Entries:    fixture.entities,
		Users:      fixture.users,
		IDProvider: fixture.sessionIDs,
		Clock:      clock,
	}))(testContext)
	fixture.checker = must(statecheck.NewChecker(statecheck.CheckerConfig{
		Threads: fixture.entities,
		Entries: fixture.entities,
		Users:   fixture.users,
		Clock:   clock,
	}))(testContext)
	fixture.processor = must(NewProcessor(ProcessorConfig{
		Database:   database,
		Cookies:    fixture.sessions,
		Threads:    fixture.entities,
		Updates:    fixture.updates,
		IDProvider: fixture.reportIDs,
		Clock:      clock,
	}))(testContext)
	fixture.responder = must(NewResponder(ResponderConfig{
		Sessions:   fixture.sessions,
		Negotiator: fixture.negotiator,
		Checker:    fixture.checker,
		Processor:  fixture.processor,
		Updates:    fixture.updates,
		Threads:    fixture.entities,
		Entries:    fixture.entities,
		Messages:   fixture.entities,
		Users:      fixture.users,
		Clock:      clock,
	}))(testContext)

	fixture.seed(testContext)
	return fixture
}

// seed creates alice and bob sharing thread-1, and alice alone in thread-2.
func (f *syncFixture) seed(testContext *testing.T) {
	testContext.Helper()
	ctx := context.Background()
	for _, userID := range []string{"alice", "bob"} {
		if err := f.database.Create(&users.User{UserID: userID, Username: userID, CreatedAtMillis: 1}).Error; err != nil {
			testContext.Fatalf("seed user failed: %v", err)
		}
	}
	threads := map[string][]string{"thread-1": {"alice", "bob"}, "thread-2": {"alice"}}
	for _, threadID := range []string{"thread-1", "thread-2"} {
		memberIDs := threads[threadID]
		members := make([]entities.Membership, 0, len(memberIDs))
		for _, memberID := range memberIDs {
			members = append(members, entities.Membership{UserID: memberID, Role: "member"})
		}
		thread := entities.Thread{ThreadID: threadID, Name: threadID, CreatorID: memberIDs[0], CreatedAtMillis: 1}
		if err := f.entities.CreateThread(ctx, thread, members); err != nil {
			testContext.Fatalf("seed thread failed: %v", err)
		}
	}
	for _, entry := range []entities.Entry{
		{EntryID: "entry-1", ThreadID: "thread-1", EntryDate: "2024-01-10", Text: "standup", CreatorID: "alice", CreatedAtMillis: 1},
		{EntryID: "entry-2", ThreadID: "thread-1", EntryDate: "2024-01-20", Text: "retro", CreatorID: "bob", CreatedAtMillis: 1},
	} {
		if err := f.entities.SaveEntry(ctx, entry); err != nil {
			testContext.Fatalf("seed entry failed: %v", err)
		}
	}
	if err := f.entities.CreateMessage(ctx, entities.Message{MessageID: "message-1", ThreadID: "thread-1", CreatorID: "bob", Text: "hi", TimeMillis: 100}); err != nil {
		testContext.Fatalf("seed message failed: %v", err)
	}
}

func (f *syncFixture) count(testContext *testing.T, model any) int64 {
	testContext.Helper()
	var total int64
	if err := f.database.Model(model).Count(&total).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return total
}

func (f *syncFixture) session(testContext *testing.T, sessionID string) sessions.Session {
	testContext.Helper()
	session, err := f.sessions.FetchSession(context.Background(), "alice", sessionID)
	if err != nil {
		testContext.Fatalf("FetchSession failed: %v", err)
	}
	return session
}

func (f *syncFixture) createSession(testContext *testing.T, session sessions.Session, query calendar.Query) {
	testContext.Helper()
	encoded, err := json.Marshal(query)
	if err != nil {
		testContext.Fatalf("encode query: %v", err)
	}
	session.Query = encoded
	if err := f.sessions.CreateSession(context.Background(), session); err != nil {
		testContext.Fatalf("CreateSession failed: %v", err)
	}
}

func must[T any](value T, err error) func(*testing.T) T {
	return func(testContext *testing.T) T {
		testContext.Helper()
		if err != nil {
			testContext.Fatalf("constructor failed: %v", err)
		}
		return value
	}
}

func mustQuery(testContext *testing.T, startDate string, endDate string, filters ...calendar.Filter) calendar.Query {
	testContext.Helper()
	query, err := calendar.NewQuery(startDate, endDate, filters)
	if err != nil {
		testContext.Fatalf("invalid query: %v", err)
	}
	return query
}

func alice() viewer.Viewer {
	return viewer.Viewer{UserID: "alice", CookieID: "cookie-1", LoggedIn: true}
}

func requestTypes(requests []ServerRequest) []RequestType {
	result := make([]RequestType, 0, len(requests))
	for _, request := range requests {
		result = append(result, request.Type)
	}
	return result
}

func intPointer(value int) *int {
	return &value
}
