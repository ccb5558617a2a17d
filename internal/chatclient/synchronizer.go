package chatclient

import (
	"slices"
	"sync"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// Synchronizer keeps the message view of the conversation currently on
// screen. Fetched history replaces the view; live messages and deletions
// are applied on top of it in arrival order.
type Synchronizer struct {
	mu   sync.Mutex
	self string
	peer string
	view []types.Message

	// live events seen between BeginLoad and LoadHistory
	loading        bool
	pending        []types.Message
	pendingDeletes map[string]struct{}
}

func NewSynchronizer(self string) *Synchronizer {
	return &Synchronizer{
		self:           self,
		pendingDeletes: make(map[string]struct{}),
	}
}

// Peer returns the counterpart of the displayed conversation.
func (s *Synchronizer) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// BeginLoad switches the view to the conversation with peer and empties it.
// Live events for peer are held until the matching LoadHistory.
func (s *Synchronizer) BeginLoad(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peer = peer
	s.view = nil
	s.loading = true
	s.pending = nil
	clear(s.pendingDeletes)
}

// LoadHistory replaces the view with msgs and then applies whatever arrived
// live while the history was in flight. A load for a conversation that is no
// longer selected is discarded and reported as false.
func (s *Synchronizer) LoadHistory(peer string, msgs []types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer != s.peer {
		return false
	}

	s.view = make([]types.Message, 0, len(msgs)+len(s.pending))
	for _, m := range msgs {
		s.appendLocked(m)
	}
	for _, m := range s.pending {
		s.appendLocked(m)
	}
	for id := range s.pendingDeletes {
		s.removeLocked(id)
	}

	s.loading = false
	s.pending = nil
	clear(s.pendingDeletes)
	return true
}

// ApplyLiveMessage appends m if it belongs to the displayed conversation.
// Messages for other conversations are dropped; they surface on the next
// load of that conversation. It reports whether the view changed; messages
// arriving during a load are held until the history lands and report false.
func (s *Synchronizer) ApplyLiveMessage(m types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peer == "" || !m.Between(s.self, s.peer) {
		return false
	}

	if s.loading {
		s.pending = append(s.pending, m)
		return false
	}

	return s.appendLocked(m)
}

// ApplyLiveDeletion removes the message with id from the view. It reports
// whether anything was removed; a deletion buffered during a load removes
// nothing yet.
func (s *Synchronizer) ApplyLiveDeletion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loading {
		s.pendingDeletes[id] = struct{}{}
		return false
	}

	return s.removeLocked(id)
}

// Messages returns a copy of the view.
func (s *Synchronizer) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.view)
}

// appendLocked skips messages already in the view. A message without an id
// has not been stored yet and is always appended.
func (s *Synchronizer) appendLocked(m types.Message) bool {
	if m.Id != "" && s.indexLocked(m.Id) >= 0 {
		return false
	}
	s.view = append(s.view, m)
	return true
}

func (s *Synchronizer) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.view = slices.Delete(s.view, i, i+1)
	return true
}

func (s *Synchronizer) indexLocked(id string) int {
	return slices.IndexFunc(s.view, func(m types.Message) bool {
		return m.Id == id
	})
}
