package updates

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubThreads struct {
	infos map[string]entities.ThreadInfo
}

func (s *stubThreads) FetchThreadInfos(_ context.Context, _ string, threadIDs []string) (map[string]entities.ThreadInfo, error) {
	result := make(map[string]entities.ThreadInfo)
	if threadIDs == nil {
		for threadID, info := range s.infos {
			result[threadID] = info
		}
		return result, nil
	}
	for _, threadID := range threadIDs {
		if info, ok := s.infos[threadID]; ok {
			result[threadID] = info
		}
	}
	return result, nil
}

type stubEntries struct {
	entries []entities.EntryInfo
}

func (s *stubEntries) FetchEntryInfos(_ context.Context, _ string, queries []calendar.Query) ([]entities.EntryInfo, error) {
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
	for _, entryID := range entryIDs {
		for _, entry := range s.entries {
			if entry.ID == entryID {
				result[entryID] = entry
			}
		}
	}
	return result, nil
}

type stubMessages struct {
	messages []entities.MessageInfo
}

func (s *stubMessages) FetchMessages(_ context.Context, _ string, criteria entities.MessageCriteria) (entities.MessagesResult, error) {
	result := entities.MessagesResult{TruncationStatuses: map[string]entities.TruncationStatus{}}
	for _, threadID := range criteria.ThreadIDs {
		result.TruncationStatuses[threadID] = entities.TruncationExhaustive
		for _, message := range s.messages {
			if message.ThreadID == threadID {
				result.RawMessageInfos = append(result.RawMessageInfos, message)
			}
		}
	}
	return result, nil
}

type stubUsers struct {
	infos map[string]users.UserInfo
}

func (s *stubUsers) FetchUserInfos(_ context.Context, userIDs []string) (map[string]users.UserInfo, error) {
	result := make(map[string]users.UserInfo)
	for _, userID := range userIDs {
		if info, ok := s.infos[userID]; ok {
			result[userID] = info
		}
	}
	return result, nil
}

func (s *stubUsers) FetchKnownUserInfos(ctx context.Context, _ string, userIDs []string) (map[string]users.UserInfo, error) {
	return s.FetchUserInfos(ctx, userIDs)
}

func (s *stubUsers) FetchCurrentUserInfo(_ context.Context, viewerID string) (users.CurrentUserInfo, error) {
	info := s.infos[viewerID]
	return users.CurrentUserInfo{ID: info.ID, Username: info.Username}, nil
}

type recordingPublisher struct {
	mu            sync.Mutex
	notifications []Notification
}

func (p *recordingPublisher) PublishUpdates(notification Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification)
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("update-%03d", p.next), nil
}

type serviceFixture struct {
	service   *Service
	database  *gorm.DB
	threads   *stubThreads
	entries   *stubEntries
	messages  *stubMessages
	users     *stubUsers
	publisher *recordingPublisher
}

func newServiceFixture(testContext *testing.T) *serviceFixture {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "updates.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	fixture := &serviceFixture{
		database: database,
		threads: &stubThreads{infos: map[string]entities.ThreadInfo{
			"thread-1": threadInfo("thread-1", "alice", "bob"),
			"thread-2": threadInfo("thread-2", "alice"),
		}},
		entries:  &stubEntries{},
		messages: &stubMessages{},
		users: &stubUsers{infos: map[string]users.UserInfo{
			"alice": {ID: "alice", Username: "alice"},
			"bob":   {ID: "bob", Username: "bob"},
		}},
		publisher: &recordingPublisher{},
	}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Clock:      func() time.Time { return time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC) },
		IDProvider: &sequenceIDProvider{},
		Threads:    fixture.threads,
		Entries:    fixture.entries,
		Messages:   fixture.messages,
		Users:      fixture.users,
		Publisher:  fixture.publisher,
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (f *serviceFixture) recordCount(testContext *testing.T) int64 {
	testContext.Helper()
	var count int64
	if err := f.database.Model(&Record{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return count
}

func threadInfo(threadID string, memberIDs ...string) entities.ThreadInfo {
	members := make([]entities.MemberInfo, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		members = append(members, entities.MemberInfo{ID: memberID, Role: "member"})
	}
	return entities.ThreadInfo{ID: threadID, Name: threadID, CreatorID: memberIDs[0], Members: members}
}

func kinds(descriptors []Descriptor) []Kind {
	result := make([]Kind, 0, len(descriptors))
	for _, descriptor := range descriptors {
		result = append(result, descriptor.Kind())
	}
	return result
}
