package updates

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
)

func loggedInViewer(userID string, sessionID string) viewer.Viewer {
	return viewer.Viewer{UserID: userID, LoggedIn: true, CookieID: "cookie-" + sessionID, SessionID: sessionID}
}

func TestCreateUpdatesCompactsAndPersistsSurvivors(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	result, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		UpdateThread{UserID: "alice", Time: 5, ThreadID: "thread-1"},
		UpdateThreadReadStatus{UserID: "alice", Time: 6, ThreadID: "thread-1"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-a")})
	if err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}
	if count := fixture.recordCount(testContext); count != 1 {
		testContext.Fatalf("expected one persisted record, got %d", count)
	}
	if len(result.ViewerUpdates) != 1 {
		testContext.Fatalf("expected one viewer update, got %+v", result.ViewerUpdates)
	}
	update := result.ViewerUpdates[0]
	if update.Type != KindUpdateThread || update.Time != 5 || update.ThreadInfo == nil {
		testContext.Fatalf("unexpected viewer update %+v", update)
	}
	if _, ok := result.UserInfos["bob"]; !ok {
		testContext.Fatalf("expected thread members in user infos, got %+v", result.UserInfos)
	}
	if result.CurrentAsOf != 5 {
		testContext.Fatalf("expected currentAsOf 5, got %d", result.CurrentAsOf)
	}
}

func TestCreateUpdatesReplayIsIdempotent(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	batch := []Descriptor{
		UpdateThread{UserID: "alice", Time: 5, ThreadID: "thread-1"},
		UpdateThreadReadStatus{UserID: "alice", Time: 6, ThreadID: "thread-1"},
		UpdateUser{UserID: "alice", Time: 7, UpdatedUserID: "bob"},
		UpdateThread{UserID: "bob", Time: 5, ThreadID: "thread-1"},
	}
	viewerInfo := &ViewerInfo{Viewer: loggedInViewer("alice", "session-a")}

	first, err := fixture.service.CreateUpdates(context.Background(), batch, viewerInfo)
	if err != nil {
		testContext.Fatalf("first CreateUpdates failed: %v", err)
	}
	countAfterFirst := fixture.recordCount(testContext)
	second, err := fixture.service.CreateUpdates(context.Background(), batch, viewerInfo)
	if err != nil {
		testContext.Fatalf("second CreateUpdates failed: %v", err)
	}
	if countAfterSecond := fixture.recordCount(testContext); countAfterSecond != countAfterFirst || countAfterFirst != 3 {
		testContext.Fatalf("expected 3 records after both runs, got %d then %d", countAfterFirst, countAfterSecond)
	}
	if len(first.ViewerUpdates) != len(second.ViewerUpdates) {
		testContext.Fatalf("expected identical viewer updates, got %d and %d", len(first.ViewerUpdates), len(second.ViewerUpdates))
	}
	for index := range first.ViewerUpdates {
		if first.ViewerUpdates[index].ID != second.ViewerUpdates[index].ID {
			testContext.Fatalf("update %d: id changed from %s to %s", index, first.ViewerUpdates[index].ID, second.ViewerUpdates[index].ID)
		}
		if first.ViewerUpdates[index].Time != second.ViewerUpdates[index].Time {
			testContext.Fatalf("update %d: time changed", index)
		}
	}
}

func TestCreateUpdatesPurgesOnlyEarlierConflictingRecords(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	ctx := context.Background()

	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		UpdateThreadReadStatus{UserID: "alice", Time: 3, ThreadID: "thread-1"},
		UpdateThread{UserID: "alice", Time: 4, ThreadID: "thread-2"},
		UpdateThreadReadStatus{UserID: "alice", Time: 20, ThreadID: "thread-1"},
	}, nil); err != nil {
		testContext.Fatalf("seed CreateUpdates failed: %v", err)
	}
	// The seed batch compacts to the newer read status alone.
	if count := fixture.recordCount(testContext); count != 2 {
		testContext.Fatalf("expected 2 seeded records, got %d", count)
	}

	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		UpdateThread{UserID: "alice", Time: 15, ThreadID: "thread-1"},
	}, nil); err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}

	var records []Record
	if err := fixture.database.Order("time_ms ASC").Find(&records).Error; err != nil {
		testContext.Fatalf("list records failed: %v", err)
	}
	if len(records) != 3 {
		testContext.Fatalf("expected later read status to survive, got %d records", len(records))
	}
	expectedTimes := []int64{4, 15, 20}
	for index, record := range records {
		if record.TimeMillis != expectedTimes[index] {
			testContext.Fatalf("record %d: expected time %d, got %d", index, expectedTimes[index], record.TimeMillis)
		}
	}

	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		DeleteThread{UserID: "alice", Time: 30, ThreadID: "thread-1"},
	}, nil); err != nil {
		testContext.Fatalf("delete CreateUpdates failed: %v", err)
	}
	var remaining []Record
	if err := fixture.database.Where("dedup_key = ?", "thread-1").Find(&remaining).Error; err != nil {
		testContext.Fatalf("list records failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Kind != KindDeleteThread {
		testContext.Fatalf("expected only the deletion to remain for thread-1, got %+v", remaining)
	}
}

func TestCreateUpdatesHydratesJoinAndPublishesToOtherMembers(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	fixture.messages.messages = []entities.MessageInfo{
		{ID: "message-1", ThreadID: "thread-1", CreatorID: "bob", Text: "hi", Time: 3},
	}
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-1", ThreadID: "thread-1", Year: 2024, Month: 1, Day: 10, CreatorID: "bob"},
		{ID: "entry-2", ThreadID: "thread-1", Year: 2024, Month: 3, Day: 1, CreatorID: "bob"},
	}

	result, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		JoinThread{UserID: "alice", Time: 10, ThreadID: "thread-1"},
		UpdateThread{UserID: "bob", Time: 10, ThreadID: "thread-1"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-a")})
	if err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}
	if len(result.ViewerUpdates) != 1 {
		testContext.Fatalf("expected only alice's update, got %+v", result.ViewerUpdates)
	}
	join := result.ViewerUpdates[0]
	if join.Type != KindJoinThread || len(join.RawMessageInfos) != 1 || join.TruncationStatus != entities.TruncationExhaustive {
		testContext.Fatalf("unexpected join hydration %+v", join)
	}
	if len(join.RawEntryInfos) != 1 || join.RawEntryInfos[0].ID != "entry-1" {
		testContext.Fatalf("expected only the in-range entry, got %+v", join.RawEntryInfos)
	}

	var bobNotification *Notification
	for index := range fixture.publisher.notifications {
		if fixture.publisher.notifications[index].UserID == "bob" {
			bobNotification = &fixture.publisher.notifications[index]
		}
	}
	if bobNotification == nil {
		testContext.Fatalf("expected a notification for bob, got %+v", fixture.publisher.notifications)
	}
	if bobNotification.ExcludeSession != "session-a" || len(bobNotification.UpdateIDs) != 1 || bobNotification.LatestTime != 10 {
		testContext.Fatalf("unexpected notification %+v", bobNotification)
	}
}

func TestCreateUpdatesSkipsRecordsTargetedAtOwnSession(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-1", ThreadID: "thread-1", Year: 2024, Month: 1, Day: 10, CreatorID: "alice"},
	}
	result, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		UpdateEntry{UserID: "alice", Time: 5, EntryID: "entry-1", TargetSession: "session-a"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-a")})
	if err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}
	if count := fixture.recordCount(testContext); count != 0 {
		testContext.Fatalf("expected no persisted record, got %d", count)
	}
	if len(result.ViewerUpdates) != 1 || result.ViewerUpdates[0].EntryInfo == nil {
		testContext.Fatalf("expected the entry update to be returned inline, got %+v", result.ViewerUpdates)
	}
	if len(fixture.publisher.notifications) != 0 {
		testContext.Fatalf("expected no notification, got %+v", fixture.publisher.notifications)
	}
}

func TestCreateUpdatesDropsEntryOutsideCalendarQuery(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-2", ThreadID: "thread-1", Year: 2024, Month: 3, Day: 1, CreatorID: "alice"},
	}
	query := calendar.DefaultQuery(fixture.service.clock())
	result, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		UpdateEntry{UserID: "alice", Time: 5, EntryID: "entry-2"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-a"), CalendarQuery: &query})
	if err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}
	if len(result.ViewerUpdates) != 0 {
		testContext.Fatalf("expected entry outside the query to be dropped, got %+v", result.ViewerUpdates)
	}
	if count := fixture.recordCount(testContext); count != 1 {
		testContext.Fatalf("expected the record to persist, got %d", count)
	}
}

func TestHydrationSkipsEntryViewerCannotSee(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	query := calendar.DefaultQuery(fixture.service.clock())
	viewerInfo := ViewerInfo{Viewer: loggedInViewer("alice", "session-a"), CalendarQuery: &query}

	created, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		UpdateEntry{UserID: "alice", Time: 5, EntryID: "entry-hidden"},
	}, &viewerInfo)
	if err != nil {
		testContext.Fatalf("CreateUpdates failed: %v", err)
	}
	if len(created.ViewerUpdates) != 0 {
		testContext.Fatalf("expected the hidden entry to be skipped, got %+v", created.ViewerUpdates)
	}
	if count := fixture.recordCount(testContext); count != 1 {
		testContext.Fatalf("expected the record to persist, got %d", count)
	}

	otherSession := ViewerInfo{Viewer: loggedInViewer("alice", "session-b"), CalendarQuery: &query}
	fetched, err := fixture.service.FetchUpdatesSince(context.Background(), otherSession, 0)
	if err != nil {
		testContext.Fatalf("FetchUpdatesSince failed: %v", err)
	}
	if len(fetched.ViewerUpdates) != 0 || fetched.CurrentAsOf != 5 {
		testContext.Fatalf("expected an empty page advanced to 5, got %+v", fetched)
	}
}

func TestCommitUpdatesRecordsAuthorWithoutHydrating(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	author := loggedInViewer("alice", "session-a")

	// Hydrating thread-unknown would fail; committing never fetches it.
	err := fixture.service.CommitUpdates(context.Background(), []Descriptor{
		UpdateThread{UserID: "alice", Time: 5, ThreadID: "thread-unknown"},
	}, author)
	if err != nil {
		testContext.Fatalf("CommitUpdates failed: %v", err)
	}

	var records []Record
	if err := fixture.database.Find(&records).Error; err != nil {
		testContext.Fatalf("load records: %v", err)
	}
	if len(records) != 1 || records[0].Updater == nil || *records[0].Updater != "session-a" {
		testContext.Fatalf("expected one record authored by session-a, got %+v", records)
	}
	fixture.publisher.mu.Lock()
	notifications := append([]Notification(nil), fixture.publisher.notifications...)
	fixture.publisher.mu.Unlock()
	if len(notifications) != 1 || notifications[0].ExcludeSession != "session-a" || notifications[0].LatestTime != 5 {
		testContext.Fatalf("unexpected notifications %+v", notifications)
	}

	own, err := fixture.service.FetchUpdatesSince(context.Background(), ViewerInfo{Viewer: author}, 0)
	if err != nil {
		testContext.Fatalf("FetchUpdatesSince failed: %v", err)
	}
	if len(own.ViewerUpdates) != 0 || own.CurrentAsOf != 0 {
		testContext.Fatalf("expected the authoring session to skip its own update, got %+v", own)
	}
}

func TestCreateUpdatesFailsWhenThreadMissing(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	_, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{
		UpdateThread{UserID: "alice", Time: 1, ThreadID: "thread-unknown"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-a")})
	if !errors.Is(err, ErrMissingFetchResult) {
		testContext.Fatalf("expected ErrMissingFetchResult, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "updates.create.hydrate_failed" {
		testContext.Fatalf("expected hydrate_failed service error, got %v", err)
	}
}

func TestCreateUpdatesRejectsInvalidBatch(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	_, err := fixture.service.CreateUpdates(context.Background(), []Descriptor{nil}, nil)
	if !errors.Is(err, ErrUnrecognizedKind) {
		testContext.Fatalf("expected ErrUnrecognizedKind, got %v", err)
	}
	if count := fixture.recordCount(testContext); count != 0 {
		testContext.Fatalf("expected nothing persisted, got %d", count)
	}
}

func TestFetchUpdatesSinceFiltersBySessionAndTarget(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-1", ThreadID: "thread-1", Year: 2024, Month: 1, Day: 10, CreatorID: "bob"},
	}
	ctx := context.Background()
	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		UpdateThread{UserID: "alice", Time: 5, ThreadID: "thread-1"},
		BadDeviceToken{UserID: "alice", Time: 6, DeviceToken: "token", TargetCookie: "cookie-other"},
		UpdateEntry{UserID: "alice", Time: 7, EntryID: "entry-1", TargetSession: "session-a"},
	}, nil); err != nil {
		testContext.Fatalf("seed CreateUpdates failed: %v", err)
	}
	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		UpdateThread{UserID: "alice", Time: 8, ThreadID: "thread-2"},
	}, &ViewerInfo{Viewer: loggedInViewer("alice", "session-b")}); err != nil {
		testContext.Fatalf("authored CreateUpdates failed: %v", err)
	}

	sessionA, err := fixture.service.FetchUpdatesSince(ctx, ViewerInfo{Viewer: loggedInViewer("alice", "session-a")}, 0)
	if err != nil {
		testContext.Fatalf("FetchUpdatesSince failed: %v", err)
	}
	if got := updateTypes(sessionA.ViewerUpdates); len(got) != 3 || got[0] != KindUpdateThread || got[1] != KindUpdateEntry || got[2] != KindUpdateThread {
		testContext.Fatalf("unexpected updates for session-a: %v", got)
	}
	if sessionA.CurrentAsOf != 8 {
		testContext.Fatalf("expected currentAsOf 8, got %d", sessionA.CurrentAsOf)
	}

	sessionB, err := fixture.service.FetchUpdatesSince(ctx, ViewerInfo{Viewer: loggedInViewer("alice", "session-b")}, 0)
	if err != nil {
		testContext.Fatalf("FetchUpdatesSince failed: %v", err)
	}
	if got := updateTypes(sessionB.ViewerUpdates); len(got) != 1 || sessionB.ViewerUpdates[0].ThreadID != "thread-1" {
		testContext.Fatalf("unexpected updates for session-b: %v", got)
	}

	later, err := fixture.service.FetchUpdatesSince(ctx, ViewerInfo{Viewer: loggedInViewer("alice", "session-a")}, 7)
	if err != nil {
		testContext.Fatalf("FetchUpdatesSince failed: %v", err)
	}
	if len(later.ViewerUpdates) != 1 || later.ViewerUpdates[0].Time != 8 {
		testContext.Fatalf("expected only updates after t=7, got %+v", later.ViewerUpdates)
	}

	if _, err := fixture.service.FetchUpdatesSince(ctx, ViewerInfo{Viewer: viewer.Anonymous()}, 0); err == nil {
		testContext.Fatalf("expected anonymous viewer to be rejected")
	}
}

func TestDeleteUpdatesBeforeTimeTargetingSession(testContext *testing.T) {
	fixture := newServiceFixture(testContext)
	fixture.entries.entries = []entities.EntryInfo{
		{ID: "entry-1", ThreadID: "thread-1", Year: 2024, Month: 1, Day: 10, CreatorID: "bob"},
		{ID: "entry-2", ThreadID: "thread-1", Year: 2024, Month: 1, Day: 11, CreatorID: "bob"},
	}
	ctx := context.Background()
	if _, err := fixture.service.CreateUpdates(ctx, []Descriptor{
		UpdateEntry{UserID: "alice", Time: 7, EntryID: "entry-1", TargetSession: "session-a"},
		UpdateEntry{UserID: "alice", Time: 9, EntryID: "entry-2", TargetSession: "session-a"},
		UpdateThread{UserID: "alice", Time: 3, ThreadID: "thread-1"},
	}, nil); err != nil {
		testContext.Fatalf("seed CreateUpdates failed: %v", err)
	}

	deleted, err := fixture.service.DeleteUpdatesBeforeTimeTargetingSession(ctx, loggedInViewer("alice", "session-a"), 7)
	if err != nil {
		testContext.Fatalf("DeleteUpdatesBeforeTimeTargetingSession failed: %v", err)
	}
	if deleted != 1 {
		testContext.Fatalf("expected one deleted record, got %d", deleted)
	}
	if count := fixture.recordCount(testContext); count != 2 {
		testContext.Fatalf("expected untargeted and later records to survive, got %d", count)
	}
}

func TestNewServiceRequiresDependencies(testContext *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "updates.service.new.missing_database" {
		testContext.Fatalf("expected missing_database error, got %v", err)
	}
}

func updateTypes(infos []Info) []Kind {
	result := make([]Kind, 0, len(infos))
	for _, info := range infos {
		result = append(result, info.Type)
	}
	return result
}
