package updates

import (
	"fmt"
	"sort"
)

// purgeInstruction removes already-persisted records for one dedup key.
type purgeInstruction struct {
	userID string
	key    string
	target string
	kinds  kindSet
	before int64
}

type compaction struct {
	committed []Descriptor
	purges    []purgeInstruction
}

type keyState struct {
	userID    string
	key       string
	keep      []Descriptor
	condition kindSet
	installed bool
}

// compact deduplicates a batch against itself and derives the purges that
// bring the persisted log in line with the survivors. It holds no state
// between calls.
func compact(batch []Descriptor) (compaction, error) {
	for index, descriptor := range batch {
		if descriptor == nil {
			return compaction{}, fmt.Errorf("%w: nil descriptor at index %d", ErrUnrecognizedKind, index)
		}
		if err := descriptor.validate(); err != nil {
			return compaction{}, fmt.Errorf("%s at index %d: %w", descriptor.Kind(), index, err)
		}
	}

	sorted := append([]Descriptor(nil), batch...)
	sort.SliceStable(sorted, func(left, right int) bool {
		return sorted[left].Timestamp() < sorted[right].Timestamp()
	})

	var passThrough []Descriptor
	states := make(map[string]*keyState)
	var keyOrder []string
	for _, descriptor := range sorted {
		entityKey := descriptor.key()
		if entityKey == "" {
			passThrough = append(passThrough, descriptor)
			continue
		}
		conditionKey := descriptor.Recipient() + "|" + entityKey
		state, ok := states[conditionKey]
		if !ok {
			state = &keyState{userID: descriptor.Recipient(), key: entityKey}
			states[conditionKey] = state
			keyOrder = append(keyOrder, conditionKey)
		}
		state.admit(descriptor)
	}

	result := compaction{committed: passThrough}
	for _, conditionKey := range keyOrder {
		state := states[conditionKey]
		result.committed = append(result.committed, state.keep...)
		if len(state.keep) == 0 || !state.installed {
			continue
		}
		result.purges = append(result.purges, purgeInstruction{
			userID: state.userID,
			key:    state.key,
			target: commonTarget(state.keep),
			kinds:  state.condition,
			before: earliestTime(state.keep),
		})
	}
	sort.SliceStable(result.committed, func(left, right int) bool {
		return result.committed[left].Timestamp() < result.committed[right].Timestamp()
	})
	return result, nil
}

// admit applies one descriptor to the key's keep-list and delete condition.
func (s *keyState) admit(descriptor Descriptor) {
	types := descriptor.conflicts()
	if types.all {
		s.keep = []Descriptor{descriptor}
		s.condition = allKinds()
		s.installed = true
		return
	}

	retained := s.keep[:0:0]
	for _, kept := range s.keep {
		if !types.has(kept.Kind()) {
			retained = append(retained, kept)
		}
	}
	s.keep = retained

	if !s.installed {
		s.condition = types
		s.installed = true
		s.keep = append(s.keep, descriptor)
		return
	}
	if s.condition.all {
		return
	}

	// Keep the event when it covers a kind the condition lacks, or when it
	// covers exactly what the condition already does.
	covered := types.intersectionSize(s.condition)
	keep := covered != types.size() || covered == s.condition.size()
	s.condition = s.condition.union(types)
	if keep {
		s.keep = append(s.keep, descriptor)
	}
}

func earliestTime(descriptors []Descriptor) int64 {
	earliest := descriptors[0].Timestamp()
	for _, descriptor := range descriptors[1:] {
		if descriptor.Timestamp() < earliest {
			earliest = descriptor.Timestamp()
		}
	}
	return earliest
}

func commonTarget(descriptors []Descriptor) string {
	target := descriptors[0].target()
	for _, descriptor := range descriptors[1:] {
		if descriptor.target() != target {
			return ""
		}
	}
	return target
}
