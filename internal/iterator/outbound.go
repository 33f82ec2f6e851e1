package iterator

// outboundList tracks the in-flight upstream queries of one resolution so
// they can be cancelled and released together. Every entry corresponds to
// exactly one not-yet-answered send.
type outboundList struct {
	entries []*Outbound
}

// insert adds a tracked handle.
func (l *outboundList) insert(ob *Outbound) {
	l.entries = append(l.entries, ob)
}

// remove untracks the handle with the given ID and reports whether it was
// present. The send itself is left alone: the reply for it has arrived.
func (l *outboundList) remove(id string) bool {
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// clear cancels and drops every tracked handle. Replies that were still due
// become orphans the owner must ignore.
func (l *outboundList) clear() {
	for _, e := range l.entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
	l.entries = nil
}

// len reports the number of tracked handles.
func (l *outboundList) len() int {
	return len(l.entries)
}
