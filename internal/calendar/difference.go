package calendar

// Difference returns the queries covering the data a client subscribed with
// newQuery still lacks, given it already holds everything matching oldQuery.
//
// Two transitions cannot be expressed as a delta because a query can neither
// select only deleted entries nor exclude specific threads; both fall back to
// the whole new query. Slices returned for added threads may overlap days that
// oldQuery already covers for other threads, so callers must drop fetched
// entries that already match oldQuery.
func Difference(oldQuery Query, newQuery Query) ([]Query, error) {
	if oldQuery.Equal(newQuery) {
		return nil, nil
	}

	if !oldQuery.HasFilter(FilterNotDeleted) && newQuery.HasFilter(FilterNotDeleted) {
		return []Query{newQuery}, nil
	}

	oldThreadIDs, oldHasThreads := oldQuery.ThreadIDs()
	newThreadIDs, newHasThreads := newQuery.ThreadIDs()
	if oldHasThreads && !newHasThreads {
		return []Query{newQuery}, nil
	}

	oldStart, err := ParseDate(oldQuery.StartDate)
	if err != nil {
		return nil, err
	}
	oldEnd, err := ParseDate(oldQuery.EndDate)
	if err != nil {
		return nil, err
	}
	newStart, err := ParseDate(newQuery.StartDate)
	if err != nil {
		return nil, err
	}
	newEnd, err := ParseDate(newQuery.EndDate)
	if err != nil {
		return nil, err
	}

	var difference []Query

	overlapping := !oldStart.After(newEnd) && !oldEnd.Before(newStart)
	if oldHasThreads && newHasThreads && overlapping {
		addedThreadIDs := addedThreads(newQuery, oldThreadIDs, newThreadIDs)
		if len(addedThreadIDs) > 0 {
			intersectionStart := oldQuery.StartDate
			if oldStart.Before(newStart) {
				intersectionStart = newQuery.StartDate
			}
			intersectionEnd := oldQuery.EndDate
			if oldEnd.After(newEnd) {
				intersectionEnd = newQuery.EndDate
			}
			filters := append(newQuery.NonThreadFilters(), ThreadList(addedThreadIDs...))
			difference = append(difference, Query{
				StartDate: intersectionStart,
				EndDate:   intersectionEnd,
				Filters:   filters,
			})
		}
	}

	// Extension slices are clamped to the new range so disjoint ranges do not
	// pull in days neither query covers.
	if newStart.Before(oldStart) {
		partialEnd := oldStart.AddDate(0, 0, -1)
		if partialEnd.After(newEnd) {
			partialEnd = newEnd
		}
		difference = append(difference, Query{
			StartDate: newQuery.StartDate,
			EndDate:   FormatDate(partialEnd),
			Filters:   append([]Filter(nil), newQuery.Filters...),
		})
	}
	if newEnd.After(oldEnd) {
		partialStart := oldEnd.AddDate(0, 0, 1)
		if partialStart.Before(newStart) {
			partialStart = newStart
		}
		difference = append(difference, Query{
			StartDate: FormatDate(partialStart),
			EndDate:   newQuery.EndDate,
			Filters:   append([]Filter(nil), newQuery.Filters...),
		})
	}

	return difference, nil
}

// addedThreads lists thread ids present in the new allow-set but not the old
// one, in the order the new query names them.
func addedThreads(newQuery Query, oldThreadIDs map[string]struct{}, newThreadIDs map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(newThreadIDs))
	var added []string
	for _, filter := range newQuery.Filters {
		if filter.Type != FilterThreadList {
			continue
		}
		for _, threadID := range filter.ThreadIDs {
			if _, old := oldThreadIDs[threadID]; old {
				continue
			}
			if _, duplicate := seen[threadID]; duplicate {
				continue
			}
			seen[threadID] = struct{}{}
			added = append(added, threadID)
		}
	}
	return added
}
