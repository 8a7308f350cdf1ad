package updates

import "sort"

// Kind names an update variant. The set is closed.
type Kind string

const (
	KindUpdateThread           Kind = "update_thread"
	KindUpdateThreadReadStatus Kind = "update_thread_read_status"
	KindDeleteThread           Kind = "delete_thread"
	KindJoinThread             Kind = "join_thread"
	KindDeleteAccount          Kind = "delete_account"
	KindUpdateUser             Kind = "update_user"
	KindBadDeviceToken         Kind = "bad_device_token"
	KindUpdateEntry            Kind = "update_entry"
)

// kindSet is a set of kinds, or every kind when all is set.
type kindSet struct {
	all   bool
	kinds map[Kind]struct{}
}

func allKinds() kindSet {
	return kindSet{all: true}
}

func kindsOf(kinds ...Kind) kindSet {
	set := kindSet{kinds: make(map[Kind]struct{}, len(kinds))}
	for _, kind := range kinds {
		set.kinds[kind] = struct{}{}
	}
	return set
}

func noKinds() kindSet {
	return kindSet{}
}

func (s kindSet) has(kind Kind) bool {
	if s.all {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s kindSet) size() int {
	return len(s.kinds)
}

func (s kindSet) intersectionSize(other kindSet) int {
	count := 0
	for kind := range s.kinds {
		if other.has(kind) {
			count++
		}
	}
	return count
}

func (s kindSet) union(other kindSet) kindSet {
	if s.all || other.all {
		return allKinds()
	}
	merged := kindSet{kinds: make(map[Kind]struct{}, len(s.kinds)+len(other.kinds))}
	for kind := range s.kinds {
		merged.kinds[kind] = struct{}{}
	}
	for kind := range other.kinds {
		merged.kinds[kind] = struct{}{}
	}
	return merged
}

// names returns the kind names in a stable order; nil means every kind.
func (s kindSet) names() []string {
	if s.all {
		return nil
	}
	names := make([]string, 0, len(s.kinds))
	for kind := range s.kinds {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}
