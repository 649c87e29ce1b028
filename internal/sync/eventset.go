package sync

import (
	"container/list"
	"sync"
)

// maxSentEvents bounds the locally-sent client_event_id set; beyond it
// the oldest entries are evicted. Server round-trips are short compared
// to this horizon.
const maxSentEvents = 1000

// sentEventSet is a bounded FIFO set of client_event_ids used to
// recognize and drop the server's echo of a transaction this client
// itself sent.
type sentEventSet struct {
	mu       sync.Mutex
	order    *list.List
	elements map[string]*list.Element
	cap      int
}

func newSentEventSet() *sentEventSet {
	return &sentEventSet{
		order:    list.New(),
		elements: make(map[string]*list.Element),
		cap:      maxSentEvents,
	}
}

// Add records id as locally sent, evicting the oldest entry if the set
// is over capacity.
func (s *sentEventSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elements[id]; ok {
		return
	}
	el := s.order.PushBack(id)
	s.elements[id] = el
	for s.order.Len() > s.cap {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.elements, oldest.Value.(string))
	}
}

// Contains reports whether id was locally sent and not yet evicted.
func (s *sentEventSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.elements[id]
	return ok
}
