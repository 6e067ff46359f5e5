package dispatch

import "sync"

// Broadcaster indexes subscriptions by call. Publish is only called from the
// owning call's actor, which is what makes delivery FIFO per call.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Session
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[string]*Session)}
}

// Subscribe adds s to callID's audience. Closed sessions are ignored.
func (b *Broadcaster) Subscribe(callID string, s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Closed() {
		return false
	}
	set, ok := b.subs[callID]
	if !ok {
		set = make(map[string]*Session)
		b.subs[callID] = set
	}
	set[s.ID] = s
	s.addSub(callID)
	return true
}

func (b *Broadcaster) Unsubscribe(callID string, s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[callID]
	if !ok {
		return false
	}
	if _, ok := set[s.ID]; !ok {
		return false
	}
	delete(set, s.ID)
	if len(set) == 0 {
		delete(b.subs, callID)
	}
	s.removeSub(callID)
	return true
}

// RemoveSession drops s from every call it subscribed to.
func (b *Broadcaster) RemoveSession(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, callID := range s.Subscriptions() {
		if set, ok := b.subs[callID]; ok {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(b.subs, callID)
			}
		}
		s.removeSub(callID)
	}
}

// DropCall forgets a call's audience once it is evicted.
func (b *Broadcaster) DropCall(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[callID] {
		s.removeSub(callID)
	}
	delete(b.subs, callID)
}

// Publish queues msg on every subscriber and returns how many accepted it.
func (b *Broadcaster) Publish(callID string, msg OutboundMessage) int {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.subs[callID]))
	for _, s := range b.subs[callID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the session ids subscribed to callID.
func (b *Broadcaster) Subscribers(callID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[callID]))
	for id := range b.subs[callID] {
		out = append(out, id)
	}
	return out
}
