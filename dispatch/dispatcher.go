// dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"auto_guard_go/config"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
)

const sizeMatchTolerance = 1e-6

// Dispatcher owns the backoff queue of pending mutations and replays them
// against the venue gateway on its own worker. Dispatch for any single key is
// strictly serialized; mutations for the same key apply in proposal order.
type Dispatcher struct {
	gw  gateway.Gateway
	cfg *config.RetryConfig

	mu        sync.Mutex
	queues    map[string][]*Pending
	active    map[string]*Pending
	settling  map[string][]Mutation
	cancelled map[string]bool

	results   chan Result
	wake      chan struct{}
	suspended atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Call Start before enqueueing.
func New(gw gateway.Gateway, cfg *config.RetryConfig) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		gw:        gw,
		cfg:       cfg,
		queues:    make(map[string][]*Pending),
		active:    make(map[string]*Pending),
		settling:  make(map[string][]Mutation),
		cancelled: make(map[string]bool),
		results:   make(chan Result, cfg.ResultQueueSize),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the retry worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts the worker. Pending mutations are abandoned; the venue remains
// the source of truth for whatever was in flight.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Results exposes the bounded result channel. The cycle loop should use
// Drain instead so resolved keys leave the in-flight view atomically.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Drain removes and returns every result delivered so far, releasing the
// corresponding keys from the in-flight view. A mutation that resolved after
// the previous drain stays visible through InFlight until its result is taken
// here, so reconciliation never misattributes our own effect to the outside.
func (d *Dispatcher) Drain() []Result {
	var out []Result
	for {
		select {
		case res := <-d.results:
			d.mu.Lock()
			key := res.Mutation.Key()
			if q := d.settling[key]; len(q) > 0 {
				if len(q) == 1 {
					delete(d.settling, key)
				} else {
					d.settling[key] = q[1:]
				}
			}
			d.mu.Unlock()
			out = append(out, res)
		default:
			return out
		}
	}
}

// Enqueue accepts a proposed mutation and returns its idempotency token. If
// a mutation for the same key is already active the new one waits behind it.
func (d *Dispatcher) Enqueue(m Mutation) string {
	p := newPending(m, d.cfg)
	d.mu.Lock()
	delete(d.cancelled, m.Key())
	d.queues[m.Key()] = append(d.queues[m.Key()], p)
	d.mu.Unlock()
	logs.Debugf("[Dispatch] Enqueued %s (token %s)", m.Description(), p.Token)
	d.kick()
	return p.Token
}

// Cancel withdraws every pending mutation for a key. Used when
// reconciliation infers the position is gone.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	dropped := d.queues[key]
	delete(d.queues, key)
	if _, busy := d.active[key]; busy {
		d.cancelled[key] = true
	}
	d.mu.Unlock()
	for _, p := range dropped {
		res := Result{
			Mutation: p.Mutation,
			Token:    p.Token,
			Outcome:  OutcomeCancelled,
			Attempts: p.Attempts,
			Err:      "cancelled before dispatch",
		}
		// Cancel is called from the cycle loop, the only consumer of the
		// results channel; blocking here would deadlock the loop on itself.
		select {
		case d.results <- res:
		default:
			logs.Warnf("[Dispatch] Results queue full, dropping cancellation notice for %s.", p.Mutation.Key())
		}
	}
}

// InFlight returns the mutation currently pending (active or queued) per key.
func (d *Dispatcher) InFlight() map[string]Mutation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Mutation, len(d.active)+len(d.queues))
	for key, p := range d.active {
		out[key] = p.Mutation
	}
	for key, q := range d.queues {
		if _, ok := out[key]; !ok && len(q) > 0 {
			out[key] = q[0].Mutation
		}
	}
	for key, q := range d.settling {
		if _, ok := out[key]; !ok && len(q) > 0 {
			out[key] = q[0]
		}
	}
	return out
}

// Pending reports whether any mutation for the key is outstanding.
func (d *Dispatcher) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[key]; busy {
		return true
	}
	return len(d.queues[key]) > 0
}

// Suspend pauses or resumes dispatching. Used while the venue is globally
// unreachable; evaluation upstream keeps running against stale data.
func (d *Dispatcher) Suspend(v bool) {
	if d.suspended.Swap(v) != v {
		if v {
			logs.Warnf("[Dispatch] Dispatch suspended, venue unreachable.")
		} else {
			logs.Infof("[Dispatch] Dispatch resumed.")
		}
	}
}

// Suspended reports whether dispatch is paused.
func (d *Dispatcher) Suspended() bool {
	return d.suspended.Load()
}

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.step()
	}
}

// step promotes one due pending per idle key and attempts it.
func (d *Dispatcher) step() {
	if d.suspended.Load() {
		return
	}
	now := time.Now()
	var due []*Pending
	d.mu.Lock()
	for key, q := range d.queues {
		if len(q) == 0 {
			delete(d.queues, key)
			continue
		}
		if _, busy := d.active[key]; busy {
			continue
		}
		p := q[0]
		if now.Before(p.NextAttempt) {
			continue
		}
		d.active[key] = p
		if len(q) == 1 {
			delete(d.queues, key)
		} else {
			d.queues[key] = q[1:]
		}
		due = append(due, p)
	}
	d.mu.Unlock()

	for _, p := range due {
		d.attempt(p)
	}
}

// attempt performs one dispatch plus the verification read, then either
// resolves the pending or schedules a retry with the same token.
func (d *Dispatcher) attempt(p *Pending) {
	key := p.Mutation.Key()
	if d.takeCancelled(key) {
		d.finish(p, Result{Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeCancelled, Attempts: p.Attempts, Err: "cancelled"})
		return
	}

	p.Attempts++
	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.cfg.CallTimeoutSeconds)*time.Second)
	var fill *gateway.Fill
	var err error
	switch m := p.Mutation.(type) {
	case *OpenPosition:
		fill, err = d.gw.Open(ctx, gateway.OpenRequest{
			Symbol: m.Symbol, Side: m.Side, Size: m.Size,
			Stop: m.Stop, Target: m.Target,
			ClientTag: m.ClientTag, Token: p.Token,
		})
	case *ModifyLevels:
		_, err = d.gw.Modify(ctx, gateway.ModifyRequest{
			PositionID: m.ID, Stop: m.Stop, Target: m.Target, Token: p.Token,
		})
	case *PartialClose:
		_, err = d.gw.Close(ctx, gateway.CloseRequest{
			PositionID: m.ID, Fraction: m.Fraction, Token: p.Token,
		})
	case *FullClose:
		_, err = d.gw.Close(ctx, gateway.CloseRequest{
			PositionID: m.ID, Fraction: 1.0, Token: p.Token,
		})
	}
	cancel()

	if ge, ok := gateway.AsError(err); ok && ge.Kind == gateway.KindRejected {
		// Known-absent effect. Terminal, no verification needed.
		d.finish(p, Result{
			Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeFailed,
			Class: ClassRejected, Err: ge.Error(), Attempts: p.Attempts,
		})
		return
	}

	// Success, timeout or unreachable: the venue's actual state decides.
	verified, status, vErr := d.verify(p, fill)
	if vErr != nil {
		d.requeue(p, ClassTransient, vErr)
		return
	}

	switch status {
	case verifyApplied:
		d.finish(p, Result{
			Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeApplied,
			Attempts: p.Attempts, Fill: fill, Verified: verified,
		})
	case verifyGone:
		d.finish(p, Result{
			Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeCancelled,
			Attempts: p.Attempts, Err: "position no longer exists on venue",
		})
	case verifyMismatch:
		if err != nil {
			// The call failed and the effect is absent: ordinary retry.
			d.requeue(p, ClassTransient, err)
			return
		}
		// Venue said success but the read-back disagrees.
		if !p.verifyRetried {
			p.verifyRetried = true
			d.requeue(p, ClassVerifyMismatch, errors.New("verification mismatch after reported success"))
			return
		}
		d.finish(p, Result{
			Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeFailed,
			Class: ClassVerifyMismatch, Attempts: p.Attempts,
			Err: "verification mismatch repeated after reported success",
		})
	}
}

type verifyStatus int

const (
	verifyApplied verifyStatus = iota
	verifyMismatch
	verifyGone
)

// verify reads the venue back and compares the observed state with the
// mutation's intent. A timed-out dispatch routes through here instead of
// being assumed either way.
func (d *Dispatcher) verify(p *Pending, fill *gateway.Fill) (*gateway.VenuePosition, verifyStatus, error) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.cfg.CallTimeoutSeconds)*time.Second)
	defer cancel()
	snapshot, err := d.gw.Snapshot(ctx)
	if err != nil {
		return nil, verifyMismatch, err
	}

	find := func(match func(gateway.VenuePosition) bool) *gateway.VenuePosition {
		for i := range snapshot {
			if match(snapshot[i]) {
				return &snapshot[i]
			}
		}
		return nil
	}

	switch m := p.Mutation.(type) {
	case *OpenPosition:
		vp := find(func(v gateway.VenuePosition) bool { return v.ClientTag == m.ClientTag })
		if vp == nil {
			return nil, verifyMismatch, nil
		}
		return vp, verifyApplied, nil

	case *ModifyLevels:
		vp := find(func(v gateway.VenuePosition) bool { return v.ID == m.ID })
		if vp == nil {
			return nil, verifyGone, nil
		}
		if m.Stop > 0 && math.Abs(vp.Stop-m.Stop) > sizeMatchTolerance {
			return vp, verifyMismatch, nil
		}
		if m.Target > 0 && math.Abs(vp.Target-m.Target) > sizeMatchTolerance {
			return vp, verifyMismatch, nil
		}
		return vp, verifyApplied, nil

	case *PartialClose:
		vp := find(func(v gateway.VenuePosition) bool { return v.ID == m.ID })
		if vp == nil {
			if m.ExpectedRemaining <= sizeMatchTolerance {
				return nil, verifyApplied, nil
			}
			return nil, verifyGone, nil
		}
		if math.Abs(vp.Size-m.ExpectedRemaining) <= sizeMatchTolerance*math.Max(1, m.ExpectedRemaining) {
			return vp, verifyApplied, nil
		}
		return vp, verifyMismatch, nil

	case *FullClose:
		vp := find(func(v gateway.VenuePosition) bool { return v.ID == m.ID })
		if vp == nil || vp.Size <= sizeMatchTolerance {
			return nil, verifyApplied, nil
		}
		return vp, verifyMismatch, nil
	}
	return nil, verifyMismatch, nil
}

// requeue schedules a retry, keeping the same token, or resolves terminally
// when the attempt budget is exhausted.
func (d *Dispatcher) requeue(p *Pending, class Classification, cause error) {
	p.LastClass = class
	if p.Attempts >= d.cfg.MaxAttempts {
		d.finish(p, Result{
			Mutation: p.Mutation, Token: p.Token, Outcome: OutcomeFailed,
			Class: class, Attempts: p.Attempts,
			Err: "retry budget exhausted: " + cause.Error(),
		})
		return
	}
	p.NextAttempt = time.Now().Add(p.backoff.NextBackOff())
	logs.Debugf("[Dispatch] Retry %d/%d for %s in %s: %v",
		p.Attempts, d.cfg.MaxAttempts, p.Mutation.Description(), time.Until(p.NextAttempt).Round(time.Millisecond), cause)

	key := p.Mutation.Key()
	d.mu.Lock()
	delete(d.active, key)
	d.queues[key] = append([]*Pending{p}, d.queues[key]...)
	d.mu.Unlock()
}

// finish resolves a pending and delivers its result. The key moves from
// active to settling so it stays in the in-flight view until drained.
func (d *Dispatcher) finish(p *Pending, res Result) {
	key := p.Mutation.Key()
	d.mu.Lock()
	delete(d.active, key)
	d.settling[key] = append(d.settling[key], p.Mutation)
	d.mu.Unlock()
	d.emit(res)
}

func (d *Dispatcher) emit(res Result) {
	select {
	case d.results <- res:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) takeCancelled(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled[key] {
		delete(d.cancelled, key)
		return true
	}
	return false
}
