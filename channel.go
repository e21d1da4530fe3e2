package tasklet

import (
	"fmt"
	"sync"
)

// packet is the unit of exchange across a channel rendezvous: either a value
// or an application error (for exception-carrying sends).
type packet struct {
	value any
	err   *AppError
}

// waiter is a tasklet parked on a channel, holding its outgoing packet (for
// senders) or receiving slot (for receivers). done is closed exactly once,
// when the waiter is matched or cancelled.
type waiter struct {
	t         *Tasklet
	ch        *Channel
	pkt       packet
	done      chan struct{}
	send      bool
	delivered bool
	cancelled bool
}

// Channel is a rendezvous point pairing exactly one sender with one receiver
// per transfer. It carries no buffer: a party with no ready counterpart
// parks, and parked parties are matched strictly in FIFO order.
//
// A channel may be shared between schedulers running on separate goroutines;
// its own mutex orders concurrent transfers.
type Channel struct {
	// Prevent copying
	_ [0]func()

	mu      sync.Mutex
	waiters []*waiter
	balance int
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Balance returns the channel's signed queue length: +N means N senders are
// parked awaiting receivers, -N means N receivers are parked awaiting
// senders. A channel with matched traffic reads 0.
func (c *Channel) Balance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// Send transfers value to a receiver, parking the calling tasklet until one
// arrives if none is already waiting. cur must be the currently executing
// tasklet (or the scheduler's main tasklet).
func (c *Channel) Send(cur *Tasklet, value any) error {
	return c.transfer(cur, true, packet{value: value})
}

// Receive obtains the next value from a sender, parking the calling tasklet
// until one arrives if none is already waiting. If the matched sender used
// [Channel.SendException] or [Channel.SendThrow], the carried error is
// returned in place of a value, traceback intact.
func (c *Channel) Receive(cur *Tasklet) (any, error) {
	w, err := c.transferWaiter(cur, false, packet{})
	if err != nil {
		return nil, err
	}
	if w.pkt.err != nil {
		return nil, w.pkt.err
	}
	return w.pkt.value, nil
}

// SendException sends an error of the given kind instead of a value: the
// matched receiver's Receive call fails with the error. Blocking behavior is
// identical to Send.
func (c *Channel) SendException(cur *Tasklet, kind *ErrorKind, args ...any) error {
	if kind == nil {
		return fmt.Errorf("%w: nil error kind", ErrInvalidInjection)
	}
	return c.transfer(cur, true, packet{err: &AppError{kind: kind, args: args, trace: CaptureTrace(1)}})
}

// SendThrow sends an error built from the Throw argument forms (kind plus
// optional payload, or a ready-made instance with nil kind), with an optional
// explicit traceback. The matched receiver's Receive call fails with the
// error.
func (c *Channel) SendThrow(cur *Tasklet, kind *ErrorKind, value any, tb *Traceback) error {
	app, err := buildAppError(kind, value, tb)
	if err != nil {
		return err
	}
	return c.transfer(cur, true, packet{err: app})
}

func (c *Channel) transfer(cur *Tasklet, send bool, pkt packet) error {
	_, err := c.transferWaiter(cur, send, pkt)
	return err
}

// transferWaiter performs one side of a rendezvous. The returned waiter holds
// the exchanged packet for receivers; for the fast path it is a synthetic
// waiter populated inline.
func (c *Channel) transferWaiter(cur *Tasklet, send bool, pkt packet) (*waiter, error) {
	if cur == nil {
		return nil, fmt.Errorf("%w: channel operation without a current tasklet", ErrSchedulingViolation)
	}
	if err := cur.takePending(); err != nil {
		return nil, err
	}
	s := cur.scheduler

	c.mu.Lock()
	if other := c.popOppositeLocked(send); other != nil {
		if send {
			other.pkt = pkt
			c.balance++
		} else {
			c.balance--
		}
		other.delivered = true
		// Requeue before closing done: a main tasklet returns from its
		// channel wait the moment done closes, and must observe Running.
		c.wakeLocked(other.t)
		close(other.done)
		c.mu.Unlock()
		return other, nil
	}

	// No counterpart: this side must park.
	if cur.blockTrap.Load() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: block trap is set", ErrSchedulingViolation)
	}
	if cur.atomicFlag.Load() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel block inside an atomic section", ErrSchedulingViolation)
	}
	if err := s.checkTrap("channel block"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if cur.isMain && s.RunCount() == 1 && liveSchedulers.Load() <= 1 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %s with no runnable counterpart", ErrDeadlock, direction(send))
	}

	w := &waiter{t: cur, ch: c, pkt: pkt, done: make(chan struct{}), send: send}
	if send {
		c.balance++
	} else {
		c.balance--
	}
	c.waiters = append(c.waiters, w)
	cur.waiter.Store(w)
	s.noteState(cur, StateBlocked)
	if !cur.isMain {
		pin(cur)
	}
	c.mu.Unlock()

	return c.await(cur, w)
}

// await suspends the parked tasklet until its waiter is matched or an error
// is injected into it.
func (c *Channel) await(cur *Tasklet, w *waiter) (*waiter, error) {
	s := cur.scheduler
	if cur.isMain {
		err := s.runWhileBlocked(w)
		cur.waiter.CompareAndSwap(w, nil)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	act := cur.ctx.suspend(yieldResult{kind: yieldBlock})
	cur.waiter.CompareAndSwap(w, nil)
	if act.err != nil {
		// Injected while parked; the waiter was detached first, so a late
		// counterpart can never match us.
		return nil, act.err
	}
	if !w.delivered {
		return nil, fmt.Errorf("%w: woken without a transfer", ErrSchedulingViolation)
	}
	return w, nil
}

// popOppositeLocked removes and returns the oldest parked waiter of the
// opposite direction, or nil.
func (c *Channel) popOppositeLocked(send bool) *waiter {
	for i, w := range c.waiters {
		if w.send != send {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

// cancelWaiter detaches a parked waiter, e.g. because an error is being
// injected into its tasklet. No-op if the waiter was already matched.
func (c *Channel) cancelWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.delivered || w.cancelled {
		return
	}
	for i, o := range c.waiters {
		if o == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	if w.send {
		c.balance--
	} else {
		c.balance++
	}
	w.cancelled = true
	w.t.waiter.CompareAndSwap(w, nil)
	close(w.done)
}

// wakeLocked reschedules a matched tasklet on its owning scheduler. Called
// with c.mu held; the channel mutex always precedes scheduler mutexes.
func (c *Channel) wakeLocked(t *Tasklet) {
	t.waiter.Store(nil)
	s := t.scheduler
	if t.isMain {
		// The main tasklet is spinning in runWhileBlocked on w.done.
		s.noteState(t, StateRunning)
		s.signalWake()
		return
	}
	unpin(t)
	s.mu.Lock()
	s.setStateLocked(t, StateScheduled)
	s.runq = append(s.runq, t)
	s.mu.Unlock()
	s.signalWake()
}

func direction(send bool) string {
	if send {
		return "send"
	}
	return "receive"
}
