package verification

// GroupFilter decides which groups are monitored. A non-empty whitelist wins
// over the blacklist; with both empty every group is monitored.
type GroupFilter struct {
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

func NewGroupFilter(whitelist, blacklist []string) GroupFilter {
	return GroupFilter{whitelist: toSet(whitelist), blacklist: toSet(blacklist)}
}

// Enabled reports whether events from groupID are handled.
func (f GroupFilter) Enabled(groupID string) bool {
	if len(f.whitelist) > 0 {
		_, ok := f.whitelist[groupID]
		return ok
	}
	if len(f.blacklist) > 0 {
		_, ok := f.blacklist[groupID]
		return !ok
	}
	return true
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
