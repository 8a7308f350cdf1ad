package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)

type stubEntries struct {
	entries []entities.EntryInfo
	queries [][]calendar.Query
}

func (s *stubEntries) FetchEntryInfos(_ context.Context, _ string, queries []calendar.Query) ([]entities.EntryInfo, error) {
	s.queries = append(s.queries, queries)
	var result []entities.EntryInfo
	for _, entry := range s.entries {
		for _, query := range queries {
			if entry.WithinQuery(query) {
				result = append(result, entry)
				break
			}
		}
	}
	return result, nil
}

func (s *stubEntries) FetchEntryInfosByID(_ context.Context, _ string, entryIDs []string) (map[string]entities.EntryInfo, error) {
	result := make(map[string]entities.EntryInfo)
	for _, entry := range s.entries {
		for _, entryID := range entryIDs {
			if entry.ID == entryID {
				result[entryID] = entry
			}
		}
	}
	return result, nil
}

type stubUsers struct{}

func (stubUsers) FetchUserInfos(_ context.Context, userIDs []string) (map[string]users.UserInfo, error) {
	result := make(map[string]users.UserInfo, len(userIDs))
	for _, userID := range userIDs {
		result[userID] = users.UserInfo{ID: userID, Username: userID}
	}
	return result, nil
}

func (s stubUsers) FetchKnownUserInfos(ctx context.Context, _ string, userIDs []string) (map[string]users.UserInfo, error) {
	return s.FetchUserInfos(ctx, userIDs)
}

func (stubUsers) FetchCurrentUserInfo(_ context.Context, viewerID string) (users.CurrentUserInfo, error) {
	return users.CurrentUserInfo{ID: viewerID, Username: viewerID}, nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("session-%03d", p.next), nil
}

func openStore(testContext *testing.T) (*Store, *gorm.DB) {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "sessions.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&Session{}, &Cookie{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database, Clock: func() time.Time { return fixedNow }})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store, database
}

func mustQuery(testContext *testing.T, startDate string, endDate string, filters ...calendar.Filter) calendar.Query {
	testContext.Helper()
	query, err := calendar.NewQuery(startDate, endDate, filters)
	if err != nil {
		testContext.Fatalf("invalid query: %v", err)
	}
	return query
}

func mustCreateSession(testContext *testing.T, store *Store, session Session, query calendar.Query) {
	testContext.Helper()
	encoded, err := json.Marshal(query)
	if err != nil {
		testContext.Fatalf("encode query: %v", err)
	}
	session.Query = encoded
	if err := store.CreateSession(context.Background(), session); err != nil {
		testContext.Fatalf("CreateSession failed: %v", err)
	}
}
