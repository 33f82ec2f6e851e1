// Package engine orchestrates the resolution engine of the recurse daemon.
// It owns every in-flight resolution and runs the iterator's cooperative,
// single-threaded model: all state changes are serialized through one
// processing goroutine consuming an event channel, so no resolution's
// handlers ever run concurrently. Upstream send goroutines and subquery
// starts communicate with that loop exclusively through events.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/lc/recurse/internal/cache"
	"github.com/lc/recurse/internal/dnsmsg"
	"github.com/lc/recurse/internal/iterator"
	"github.com/lc/recurse/internal/log"
	"github.com/lc/recurse/internal/pending"
	"github.com/lc/recurse/internal/upstream"
)

const (
	// How often stuck resolutions are swept against their deadlines.
	_tickerInterval = time.Second
	// Event buffer sized so subquery starts issued mid-handler never block
	// the processing loop.
	_eventBufferSize = 256
)

// ErrBusy is returned when the event queue is full.
var ErrBusy = errors.New("engine event queue full")

// Engine drives all resolutions of one resolver instance.
type Engine struct {
	env    *iterator.Env
	iter   *iterator.Iterator
	msgs   *cache.Messages
	dels   *cache.Delegations
	sender *upstream.Client
	pend   *pending.Store

	deadline time.Duration
	start    time.Time

	evChan   chan event
	wg       sync.WaitGroup
	runCtx   context.Context
	cancelFn context.CancelFunc
}

var _ iterator.Subquerier = (*Engine)(nil)

// New creates an Engine around the shared iterator environment and caches.
// timeout bounds a single upstream exchange, deadline the whole resolution.
func New(env *iterator.Env, msgs *cache.Messages, dels *cache.Delegations, timeout, deadline time.Duration) *Engine {
	e := &Engine{
		env:      env,
		msgs:     msgs,
		dels:     dels,
		pend:     pending.NewStore(),
		deadline: deadline,
		start:    time.Now(),
		evChan:   make(chan event, _eventBufferSize),
	}
	e.sender = upstream.New(timeout, e.deliver)
	e.iter = iterator.New(env, iterator.Deps{
		Msgs:        msgs,
		Delegations: dels,
		Send:        e.sender,
		Subquery:    e,
	})
	return e
}

// Run starts the engine's background goroutines. The provided context
// controls their lifetime.
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancelFn = cancel

	e.wg.Add(2)
	go e.runLoop(runCtx)
	go e.runTicker(runCtx)

	log.Info("engine: started")
}

// Close gracefully shuts down the engine's background goroutines.
func (e *Engine) Close() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
	e.wg.Wait()
	log.Info("engine: stopped")
}

// Resolve submits one client query. done is invoked exactly once from the
// processing loop with the final wire answer; callers must not block in it.
func (e *Engine) Resolve(ctx context.Context, qinfo dnsmsg.QueryInfo, flags uint16, edns dnsmsg.EdnsInfo, done func(answer []byte)) error {
	q := &iterator.Query{
		ID:    uuid.NewString(),
		Info:  qinfo,
		Flags: flags,
		Edns:  edns,
	}
	select {
	case e.evChan <- submitEvent{q: q, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subquery starts a dependent resolution for the parent. It posts an event
// instead of starting the child synchronously: the call arrives from inside
// the parent's handler run, and the child may complete immediately.
func (e *Engine) Subquery(parentID string, qinfo dnsmsg.QueryInfo, depth int) error {
	select {
	case e.evChan <- subqueryEvent{parentID: parentID, qinfo: qinfo, depth: depth}:
		return nil
	default:
		return ErrBusy
	}
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	InFlight       int64
	Started        uint64
	Finished       uint64
	CachedMessages int
	CachedZoneCuts int
	Uptime         time.Duration
	Forwarding     bool
}

// Stats returns the current counters. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight:       e.pend.InFlight(),
		Started:        e.pend.Started(),
		Finished:       e.pend.Finished(),
		CachedMessages: e.msgs.Len(),
		CachedZoneCuts: e.dels.Len(),
		Uptime:         time.Since(e.start),
		Forwarding:     e.env.Forwarding(),
	}
}

// Flush drops both caches.
func (e *Engine) Flush() {
	e.msgs.Flush()
	e.dels.Flush()
	log.Info("engine: caches flushed")
}

// deliver is the upstream client's callback, called from send goroutines.
func (e *Engine) deliver(queryID string, ev iterator.Event, ob *iterator.Outbound, reply *dns.Msg) {
	select {
	case e.evChan <- upstreamEvent{queryID: queryID, ev: ev, ob: ob, reply: reply}:
	case <-e.runCtx.Done():
	}
}

// runLoop is the central processing loop. It serializes all state changes.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()
	defer log.Warnf("engine: runLoop stopping")

	log.Info("engine: runLoop starting")

	for {
		select {
		case ev := <-e.evChan:
			switch v := ev.(type) {
			case submitEvent:
				e.handleSubmit(v)
			case upstreamEvent:
				e.handleUpstream(v)
			case subqueryEvent:
				e.handleSubquery(v)
			case sweepEvent:
				e.handleSweep(time.Now())
			default:
				log.Warnf("engine: received unknown event type: %T", ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runTicker periodically posts deadline sweeps to the runLoop.
func (e *Engine) runTicker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(_tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case e.evChan <- sweepEvent{}:
			case <-ctx.Done():
				return
			default:
				// Backed up; the next tick will sweep.
			}
		case <-ctx.Done():
			return
		}
	}
}

// --- event handlers (run only within runLoop) ---

func (e *Engine) handleSubmit(v submitEvent) {
	res := &pending.Resolution{
		ID:       v.q.ID,
		Query:    v.q,
		Done:     v.done,
		Deadline: time.Now().Add(e.deadline),
	}
	res.State = e.iter.NewQuery(v.q)
	e.pend.Add(res)
	log.Debugf("engine: new resolution %s for %s", res.ID, v.q.Info)

	ext := e.iter.Operate(res.State, iterator.EventNew, nil)
	e.postOperate(res, ext)
}

func (e *Engine) handleUpstream(v upstreamEvent) {
	res, ok := e.pend.Get(v.queryID)
	if !ok {
		// The owning resolution was cleared; the reply is orphaned.
		log.Debugf("engine: dropping %s event for unknown resolution %s", v.ev, v.queryID)
		return
	}
	res.Query.Reply = v.reply
	ext := e.iter.Operate(res.State, v.ev, v.ob)
	e.postOperate(res, ext)
}

func (e *Engine) handleSubquery(v subqueryEvent) {
	if _, ok := e.pend.Get(v.parentID); !ok {
		log.Debugf("engine: parent %s gone before subquery start", v.parentID)
		return
	}
	q := &iterator.Query{
		ID:    uuid.NewString(),
		Info:  v.qinfo,
		Depth: v.depth,
	}
	res := &pending.Resolution{
		ID:         q.ID,
		Query:      q,
		Parent:     v.parentID,
		TargetName: v.qinfo.Name,
		Deadline:   time.Now().Add(e.deadline),
	}
	res.State = e.iter.NewQuery(q)
	e.pend.Add(res)
	log.Debugf("engine: subquery %s for %s (parent %s)", res.ID, v.qinfo, v.parentID)

	ext := e.iter.Operate(res.State, iterator.EventNew, nil)
	e.postOperate(res, ext)
}

func (e *Engine) handleSweep(now time.Time) {
	for _, res := range e.pend.ExpireNow(now) {
		log.Infof("engine: resolution %s for %s exceeded its deadline", res.ID, res.Query.Info)
		e.iter.Clear(res.State)
		if res.Parent != "" {
			e.completeTarget(res, nil)
			continue
		}
		if res.Done != nil {
			res.Done(dnsmsg.ErrorAnswer(res.Query.Info, res.Query.Flags, dns.RcodeServerFailure))
		}
	}
}

// postOperate reacts to what the iterator reported: completion, failure, or
// a suspension that needs nothing from us.
func (e *Engine) postOperate(res *pending.Resolution, ext iterator.ExtState) {
	switch ext {
	case iterator.ExtFinished:
		e.complete(res, res.Query.Answer)
	case iterator.ExtError:
		log.Debugf("engine: resolution %s for %s failed", res.ID, res.Query.Info)
		e.complete(res, dnsmsg.ErrorAnswer(res.Query.Info, res.Query.Flags, dns.RcodeServerFailure))
	default:
		// Suspended; an upstream or subquery event resumes it.
	}
}

// complete finishes one resolution: release its tracked outbounds, then hand
// the answer to the client or fold it back into the parent.
func (e *Engine) complete(res *pending.Resolution, answer []byte) {
	e.pend.Remove(res.ID)
	e.iter.Clear(res.State)

	if res.Parent != "" {
		e.completeTarget(res, answer)
		return
	}
	if res.Done != nil {
		res.Done(answer)
	}
}

// completeTarget delivers a subquery's outcome to its parent as a target
// event. A nil or unparseable answer becomes a failed lookup.
func (e *Engine) completeTarget(res *pending.Resolution, answer []byte) {
	parent, ok := e.pend.Get(res.Parent)
	if !ok {
		log.Debugf("engine: parent %s gone, dropping target result for %s", res.Parent, res.TargetName)
		return
	}

	ob := &iterator.Outbound{
		ID:   uuid.NewString(),
		Kind: iterator.KindTarget,
		Name: res.TargetName,
	}
	ev := iterator.EventError
	var reply *dns.Msg
	if len(answer) > 0 {
		if _, m, _, err := dnsmsg.ParseReply(answer); err == nil {
			reply = m
			ev = iterator.EventReply
		}
	}
	parent.Query.Reply = reply
	ext := e.iter.Operate(parent.State, ev, ob)
	e.postOperate(parent, ext)
}

// --- events ---

type event interface {
	isEvent()
}

type submitEvent struct {
	q    *iterator.Query
	done func(answer []byte)
}

func (submitEvent) isEvent() {}

type upstreamEvent struct {
	queryID string
	ev      iterator.Event
	ob      *iterator.Outbound
	reply   *dns.Msg
}

func (upstreamEvent) isEvent() {}

type subqueryEvent struct {
	parentID string
	qinfo    dnsmsg.QueryInfo
	depth    int
}

func (subqueryEvent) isEvent() {}

type sweepEvent struct{}

func (sweepEvent) isEvent() {}
