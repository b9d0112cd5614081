package dispatch

// Filter is an immutable sender filter. A blocked id never passes; when the
// allow list is non-empty only ids on it pass.
type Filter struct {
	block map[int64]struct{}
	allow map[int64]struct{}
}

// NewFilter builds a filter from a blacklist and an optional whitelist.
func NewFilter(blacklist []int64, whitelist []int64) *Filter {
	block := idSet(blacklist)
	allow := idSet(whitelist)
	if block == nil && allow == nil {
		return nil
	}

	return &Filter{block: block, allow: allow}
}

// Allows reports whether messages from id should be dispatched. A nil filter allows everything.
func (f *Filter) Allows(id int64) bool {
	if f == nil {
		return true
	}
	if _, blocked := f.block[id]; blocked {
		return false
	}
	if len(f.allow) == 0 {
		return true
	}

	_, ok := f.allow[id]
	return ok
}

func idSet(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
