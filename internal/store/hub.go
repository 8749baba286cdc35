package store

import "sync"

// hub fans record-set snapshots out to live subscriptions. Each subscriber
// channel has capacity one; a pending stale snapshot is dropped in favour of
// the newest, which mirrors how a remote live query coalesces bursts.
type hub struct {
	mu   sync.Mutex
	subs map[*liveSub]Filter
}

func newHub() *hub {
	return &hub{subs: make(map[*liveSub]Filter)}
}

type liveSub struct {
	h       *hub
	updates chan []Conversation
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (s *liveSub) Updates() <-chan []Conversation { return s.updates }
func (s *liveSub) Errs() <-chan error             { return s.errs }
func (s *liveSub) Done() <-chan struct{}          { return s.done }

func (s *liveSub) Close() {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.subs, s)
		s.h.mu.Unlock()
		close(s.done)
	})
}

// push delivers a snapshot without ever blocking: a pending stale set is
// dropped in favour of the newest.
func (s *liveSub) push(set []Conversation) {
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- set:
	default:
	}
}

func (h *hub) subscribe(f Filter) *liveSub {
	s := &liveSub{
		h:       h,
		updates: make(chan []Conversation, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = f
	h.mu.Unlock()
	return s
}

// broadcast pushes the current state to every subscriber. snapshot is called
// once per subscriber with its filter; an error is delivered on the error
// channel while the last delivered set stays whatever the subscriber saw.
func (h *hub) broadcast(snapshot func(Filter) ([]Conversation, error)) {
	h.mu.Lock()
	targets := make(map[*liveSub]Filter, len(h.subs))
	for s, f := range h.subs {
		targets[s] = f
	}
	h.mu.Unlock()

	for s, f := range targets {
		set, err := snapshot(f)
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			continue
		}
		s.push(set)
	}
}
