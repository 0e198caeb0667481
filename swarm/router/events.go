package router

import (
	"time"

	"p2pstore/datamodel/entry"
	"p2pstore/oid"

	log "github.com/sirupsen/logrus"
)

type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRefreshed
	EventRemoved
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRefreshed:
		return "refreshed"
	case EventRemoved:
		return "removed"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event describes a validated change of the store. Entry is a copy shared by
// all subscribers, it must not be modified. It is nil for expirations.
type Event struct {
	Kind  EventKind
	Key   oid.Oid
	Entry *entry.Entry
	At    time.Time
}

// Subscribe returns a stream of store changes and a function that ends it.
// Events are dropped for subscribers that fall more than buffer events behind.
func (r *Router) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.subID
	r.subID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once bool
	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(r.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (r *Router) emit(ev Event) {
	if ev.Kind == 0 {
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Debugf("Router: subscriber %d is behind, dropping %s event", id, ev.Kind)
		}
	}
}
