package model

import "strings"

// TopicKind names what a subscription filter entry matches against.
type TopicKind string

const (
	TopicProject         TopicKind = "project"
	TopicTask            TopicKind = "task"
	TopicChannel         TopicKind = "channel"
	TopicEventTypePrefix TopicKind = "event_type_prefix"
)

// FilterEntry is one (topic_kind, topic_id) predicate.
type FilterEntry struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id"`
}

// Filter is a per-(user, tenant) subscription filter. An empty filter means
// "receive all".
type Filter struct {
	Entries []FilterEntry `json:"entries"`
}

// Empty reports whether the filter has no entries, i.e. accepts everything.
func (f Filter) Empty() bool {
	return len(f.Entries) == 0
}

// Matches reports whether event e passes this filter. Per the spec, an
// event passes if the filter is empty, or if any entry matches.
func (f Filter) Matches(e Event) bool {
	if f.Empty() {
		return true
	}
	for _, entry := range f.Entries {
		if entryMatches(entry, e) {
			return true
		}
	}
	return false
}

func entryMatches(entry FilterEntry, e Event) bool {
	switch entry.Kind {
	case TopicProject:
		id, ok := e.Payload.ProjectID()
		return ok && id == entry.ID
	case TopicTask:
		id, ok := e.Payload.TaskID()
		return ok && id == entry.ID
	case TopicChannel:
		id, ok := e.Payload.ChannelID()
		return ok && id == entry.ID
	case TopicEventTypePrefix:
		return strings.HasPrefix(e.Type, entry.ID)
	default:
		return false
	}
}
