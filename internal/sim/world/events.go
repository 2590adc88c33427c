package world

// eventOutbox holds the events a consumer must see (FillQueued, FillResult)
// until its channel has room. Order is kept per channel. Progress only goes
// out on a channel with nothing pending and is dropped otherwise.
type eventOutbox struct {
	pending map[chan FillEvent]*pendingEvents
}

type pendingEvents struct {
	done <-chan struct{} // closed when the consumer is gone
	evs  []FillEvent
}

func newEventOutbox() *eventOutbox {
	return &eventOutbox{pending: map[chan FillEvent]*pendingEvents{}}
}

func (o *eventOutbox) push(ch chan FillEvent, done <-chan struct{}, ev FillEvent) {
	if ch == nil {
		return
	}
	p := o.pending[ch]
	if p == nil {
		p = &pendingEvents{done: done}
		o.pending[ch] = p
	}
	p.evs = append(p.evs, ev)
	o.flushChan(ch, p)
}

// offer sends a lossy event. It reports whether the event went out.
func (o *eventOutbox) offer(ch chan FillEvent, ev FillEvent) bool {
	if ch == nil {
		return false
	}
	if p := o.pending[ch]; p != nil {
		if !o.flushChan(ch, p) {
			return false
		}
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (o *eventOutbox) flush() {
	for ch, p := range o.pending {
		o.flushChan(ch, p)
	}
}

// flushChan sends what fits and reports whether ch has nothing left pending.
func (o *eventOutbox) flushChan(ch chan FillEvent, p *pendingEvents) bool {
	select {
	case <-p.done:
		delete(o.pending, ch)
		return true
	default:
	}
	for len(p.evs) > 0 {
		select {
		case ch <- p.evs[0]:
			p.evs[0] = FillEvent{}
			p.evs = p.evs[1:]
		default:
			return false
		}
	}
	delete(o.pending, ch)
	return true
}

func (o *eventOutbox) size() int {
	n := 0
	for _, p := range o.pending {
		n += len(p.evs)
	}
	return n
}
