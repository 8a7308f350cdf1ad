package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FilterType enumerates the calendar filter predicates a client can subscribe with.
type FilterType string

const (
	// FilterNotDeleted excludes soft-deleted entries.
	FilterNotDeleted FilterType = "not_deleted"
	// FilterThreadList restricts entries to an explicit set of threads.
	FilterThreadList FilterType = "threads"
)

// DateLayout is the wire format of query dates.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidQuery indicates a malformed calendar query.
	ErrInvalidQuery = errors.New("calendar: invalid query")
	// ErrInvalidDate indicates a date that is not formatted as YYYY-MM-DD.
	ErrInvalidDate = errors.New("calendar: invalid date")
)

// Filter is one predicate of a calendar query.
type Filter struct {
	Type      FilterType `json:"type"`
	ThreadIDs []string   `json:"threadIDs,omitempty"`
}

// NotDeleted returns the filter excluding soft-deleted entries.
func NotDeleted() Filter {
	return Filter{Type: FilterNotDeleted}
}

// ThreadList returns a filter restricting entries to the given threads.
func ThreadList(threadIDs ...string) Filter {
	return Filter{Type: FilterThreadList, ThreadIDs: append([]string(nil), threadIDs...)}
}

// Query describes the calendar entries a client subscribes to.
type Query struct {
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	Filters   []Filter `json:"filters"`
}

// NewQuery validates the dates and filters and returns a Query.
func NewQuery(startDate string, endDate string, filters []Filter) (Query, error) {
	query := Query{
		StartDate: strings.TrimSpace(startDate),
		EndDate:   strings.TrimSpace(endDate),
		Filters:   append([]Filter(nil), filters...),
	}
	if err := query.Validate(); err != nil {
		return Query{}, err
	}
	return query, nil
}

// DefaultQuery returns the subscription used when a client never sent one:
// the calendar month containing now, without deleted entries.
func DefaultQuery(now time.Time) Query {
	year, month, _ := now.UTC().Date()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return Query{
		StartDate: start.Format(DateLayout),
		EndDate:   end.Format(DateLayout),
		Filters:   []Filter{NotDeleted()},
	}
}

// Validate reports whether the query dates parse, are ordered, and the filters are known.
func (q Query) Validate() error {
	start, err := ParseDate(q.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start date: %v", ErrInvalidQuery, err)
	}
	end, err := ParseDate(q.EndDate)
	if err != nil {
		return fmt.Errorf("%w: end date: %v", ErrInvalidQuery, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end date %s precedes start date %s", ErrInvalidQuery, q.EndDate, q.StartDate)
	}
	for _, filter := range q.Filters {
		switch filter.Type {
		case FilterNotDeleted:
		case FilterThreadList:
			for _, threadID := range filter.ThreadIDs {
				if strings.TrimSpace(threadID) == "" {
					return fmt.Errorf("%w: empty thread id in thread filter", ErrInvalidQuery)
				}
			}
		default:
			return fmt.Errorf("%w: unknown filter %q", ErrInvalidQuery, filter.Type)
		}
	}
	return nil
}

// Equal reports whether two queries are identical, filter order included.
func (q Query) Equal(other Query) bool {
	if q.StartDate != other.StartDate || q.EndDate != other.EndDate {
		return false
	}
	if len(q.Filters) != len(other.Filters) {
		return false
	}
	for index, filter := range q.Filters {
		otherFilter := other.Filters[index]
		if filter.Type != otherFilter.Type || len(filter.ThreadIDs) != len(otherFilter.ThreadIDs) {
			return false
		}
		for threadIndex, threadID := range filter.ThreadIDs {
			if otherFilter.ThreadIDs[threadIndex] != threadID {
				return false
			}
		}
	}
	return true
}

// HasFilter reports whether a filter of the given type is present.
func (q Query) HasFilter(filterType FilterType) bool {
	for _, filter := range q.Filters {
		if filter.Type == filterType {
			return true
		}
	}
	return false
}

// ThreadIDs returns the allow-set of thread ids. The boolean is false when the
// query has no thread filter, meaning every thread visible to the viewer.
func (q Query) ThreadIDs() (map[string]struct{}, bool) {
	var threadIDs map[string]struct{}
	for _, filter := range q.Filters {
		if filter.Type != FilterThreadList {
			continue
		}
		if threadIDs == nil {
			threadIDs = make(map[string]struct{}, len(filter.ThreadIDs))
		}
		for _, threadID := range filter.ThreadIDs {
			threadIDs[threadID] = struct{}{}
		}
	}
	return threadIDs, threadIDs != nil
}

// NonThreadFilters returns every filter except thread lists.
func (q Query) NonThreadFilters() []Filter {
	filters := make([]Filter, 0, len(q.Filters))
	for _, filter := range q.Filters {
		if filter.Type == FilterThreadList {
			continue
		}
		filters = append(filters, filter)
	}
	return filters
}

// Contains reports whether an entry on the given day, in the given thread,
// with the given deletion state matches the query.
func (q Query) Contains(day time.Time, threadID string, deleted bool) bool {
	start, err := ParseDate(q.StartDate)
	if err != nil {
		return false
	}
	end, err := ParseDate(q.EndDate)
	if err != nil {
		return false
	}
	normalized := truncateToDay(day)
	if normalized.Before(start) || normalized.After(end) {
		return false
	}
	if deleted && q.HasFilter(FilterNotDeleted) {
		return false
	}
	if threadIDs, ok := q.ThreadIDs(); ok {
		if _, allowed := threadIDs[threadID]; !allowed {
			return false
		}
	}
	return true
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}
	return parsed, nil
}

// DateOf builds the UTC day for a year/month/day triple. Month is 1-based.
func DateOf(year int, month int, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a day in the wire format.
func FormatDate(day time.Time) string {
	return truncateToDay(day).Format(DateLayout)
}

func truncateToDay(value time.Time) time.Time {
	year, month, day := value.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
