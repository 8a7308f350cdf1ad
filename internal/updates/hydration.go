package updates

import (
	"context"
	"sort"

	"github.com/MarcoPoloResearchLab/tether/internal/calendar"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"golang.org/x/sync/errgroup"
)

// fetchPlan accumulates the entities a batch of updates needs resolved.
type fetchPlan struct {
	threadIDs         map[string]struct{}
	detailedThreadIDs map[string]struct{}
	entryIDs          map[string]struct{}
}

func newFetchPlan() *fetchPlan {
	return &fetchPlan{
		threadIDs:         make(map[string]struct{}),
		detailedThreadIDs: make(map[string]struct{}),
		entryIDs:          make(map[string]struct{}),
	}
}

func (p *fetchPlan) addThread(threadID string) {
	p.threadIDs[threadID] = struct{}{}
}

func (p *fetchPlan) addDetailedThread(threadID string) {
	p.detailedThreadIDs[threadID] = struct{}{}
}

func (p *fetchPlan) addEntry(entryID string) {
	p.entryIDs[entryID] = struct{}{}
}

// hydrationData holds fetched entities plus the user ids hydration mentioned.
type hydrationData struct {
	calendarQuery      calendar.Query
	threadInfos        map[string]entities.ThreadInfo
	entryInfos         map[string]entities.EntryInfo
	messagesByThread   map[string][]entities.MessageInfo
	truncationStatuses map[string]entities.TruncationStatus
	entriesByThread    map[string][]entities.EntryInfo
	mentionedUserIDs   map[string]struct{}
}

func (d *hydrationData) mentionUsers(userIDs ...string) {
	for _, userID := range userIDs {
		if userID != "" {
			d.mentionedUserIDs[userID] = struct{}{}
		}
	}
}

// pendingUpdate is a committed descriptor with its assigned id.
type pendingUpdate struct {
	id         string
	descriptor Descriptor
}

// hydrate resolves the entities the updates reference and returns them
// merged for delivery.
func (s *Service) hydrate(ctx context.Context, viewerInfo ViewerInfo, pending []pendingUpdate) (Result, error) {
	if len(pending) == 0 {
		return Result{UserInfos: map[string]users.UserInfo{}}, nil
	}
	viewerID := viewerInfo.Viewer.UserID

	plan := newFetchPlan()
	for _, update := range pending {
		update.descriptor.plan(plan)
	}

	data := &hydrationData{
		calendarQuery:      s.calendarQueryFor(viewerInfo),
		threadInfos:        viewerInfo.ThreadInfos,
		entryInfos:         map[string]entities.EntryInfo{},
		messagesByThread:   map[string][]entities.MessageInfo{},
		truncationStatuses: map[string]entities.TruncationStatus{},
		entriesByThread:    map[string][]entities.EntryInfo{},
		mentionedUserIDs:   map[string]struct{}{},
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if data.threadInfos == nil && len(plan.threadIDs) > 0 {
		group.Go(func() error {
			threadInfos, err := s.threads.FetchThreadInfos(groupCtx, viewerID, setToSlice(plan.threadIDs))
			if err != nil {
				return err
			}
			data.threadInfos = threadInfos
			return nil
		})
	}
	var messagesResult entities.MessagesResult
	var threadEntries []entities.EntryInfo
	if len(plan.detailedThreadIDs) > 0 {
		detailedIDs := setToSlice(plan.detailedThreadIDs)
		group.Go(func() error {
			result, err := s.messages.FetchMessages(groupCtx, viewerID, entities.MessageCriteria{
				ThreadIDs: detailedIDs,
				PerThread: s.messagesPerThread,
			})
			if err != nil {
				return err
			}
			messagesResult = result
			return nil
		})
		threadQuery := calendar.Query{
			StartDate: data.calendarQuery.StartDate,
			EndDate:   data.calendarQuery.EndDate,
			Filters:   append(data.calendarQuery.NonThreadFilters(), calendar.ThreadList(detailedIDs...)),
		}
		group.Go(func() error {
			entries, err := s.entries.FetchEntryInfos(groupCtx, viewerID, []calendar.Query{threadQuery})
			if err != nil {
				return err
			}
			threadEntries = entries
			return nil
		})
	}
	if len(plan.entryIDs) > 0 {
		group.Go(func() error {
			entryInfos, err := s.entries.FetchEntryInfosByID(groupCtx, viewerID, setToSlice(plan.entryIDs))
			if err != nil {
				return err
			}
			data.entryInfos = entryInfos
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}
	if data.threadInfos == nil {
		data.threadInfos = map[string]entities.ThreadInfo{}
	}
	for _, message := range messagesResult.RawMessageInfos {
		data.messagesByThread[message.ThreadID] = append(data.messagesByThread[message.ThreadID], message)
	}
	for threadID, status := range messagesResult.TruncationStatuses {
		data.truncationStatuses[threadID] = status
	}
	for _, entry := range threadEntries {
		data.entriesByThread[entry.ThreadID] = append(data.entriesByThread[entry.ThreadID], entry)
	}

	infos := make([]Info, 0, len(pending))
	for _, update := range pending {
		base := Info{
			Type:       update.descriptor.Kind(),
			ID:         update.id,
			Time:       update.descriptor.Timestamp(),
			descriptor: update.descriptor,
		}
		info, ok, err := update.descriptor.hydrate(base, data)
		if err != nil {
			return Result{}, err
		}
		if ok {
			infos = append(infos, info)
		}
	}

	userInfos, err := s.users.FetchUserInfos(ctx, setToSlice(data.mentionedUserIDs))
	if err != nil {
		return Result{}, err
	}

	merged := mergeForDelivery(infos)
	result := Result{ViewerUpdates: merged, UserInfos: userInfos}
	for _, info := range merged {
		if info.Time > result.CurrentAsOf {
			result.CurrentAsOf = info.Time
		}
	}
	return result, nil
}

// mergeForDelivery keeps at most one update per delivery key. Clearing kinds
// replace anything earlier; a thread change displaces an earlier read-status
// change but keeps its time; a newer read-status change displaces an older one.
func mergeForDelivery(infos []Info) []Info {
	sorted := append([]Info(nil), infos...)
	sort.SliceStable(sorted, func(left, right int) bool {
		return sorted[left].Time < sorted[right].Time
	})

	var merged []Info
	current := make(map[string]Info)
	var keyOrder []string
	for _, info := range sorted {
		deliveryKey := info.descriptor.key()
		if deliveryKey == "" {
			merged = append(merged, info)
			continue
		}
		deliveryKey = info.descriptor.Recipient() + "|" + deliveryKey
		existing, ok := current[deliveryKey]
		if !ok {
			current[deliveryKey] = info
			keyOrder = append(keyOrder, deliveryKey)
			continue
		}
		if !info.descriptor.replaces().has(existing.Type) {
			continue
		}
		if info.Type == KindUpdateThread && existing.Type == KindUpdateThreadReadStatus {
			info.Time = existing.Time
		}
		current[deliveryKey] = info
	}
	for _, deliveryKey := range keyOrder {
		merged = append(merged, current[deliveryKey])
	}
	sort.SliceStable(merged, func(left, right int) bool {
		return merged[left].Time < merged[right].Time
	})
	return merged
}

func (s *Service) calendarQueryFor(viewerInfo ViewerInfo) calendar.Query {
	if viewerInfo.CalendarQuery != nil {
		return *viewerInfo.CalendarQuery
	}
	return calendar.DefaultQuery(s.clock())
}

func setToSlice(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}
