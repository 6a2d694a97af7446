// Package inmem provides a synchronous, deterministic consensus engine. The
// caller drives it: commands queue until Deliver, ticks run on Tick, and
// leadership and quorum are whatever the caller sets. Callbacks run on the
// goroutine that calls Deliver, Tick or Fail, so a test that drives the engine
// from one goroutine gets the same single-writer guarantee as the raft engine.
package inmem

import (
    "context"
    "fmt"
    "sync"

    c "github.com/amirimatin/go-witness/pkg/consensus"
)

type pending struct {
    cmd  c.Command
    done func(error)
}

// Engine is a scripted consensus.Engine.
type Engine struct {
    mu          sync.Mutex
    appliers    []c.Applier
    joined      bool
    unavailable bool
    leader      bool
    quorum      bool
    self        string
    peers       []string
    index       uint64
    queue       []pending
    submitted   []c.Command
    ticks       []func()
    results     []interface{}
}

// New returns an engine that applies delivered commands to every applier.
// A joined engine starts as leader with quorum.
func New(appliers ...c.Applier) *Engine {
    return &Engine{appliers: appliers, leader: true, quorum: true}
}

func (e *Engine) Join(ctx context.Context, self string, peers []string, secret string) error {
    if err := ctx.Err(); err != nil { return err }
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.unavailable {
        return fmt.Errorf("inmem: join %s: %w", self, c.ErrEngineUnavailable)
    }
    e.joined = true
    e.self = self
    e.peers = append([]string(nil), peers...)
    return nil
}

func (e *Engine) Submit(cmd c.Command, done func(error)) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    switch {
    case !e.joined || e.unavailable:
        return c.ErrEngineUnavailable
    case !e.leader:
        return c.ErrNotLeader
    case !e.quorum:
        return c.ErrNoQuorum
    }
    e.queue = append(e.queue, pending{cmd: cmd, done: done})
    e.submitted = append(e.submitted, cmd)
    return nil
}

func (e *Engine) Status() (c.Status, error) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if !e.joined || e.unavailable {
        return c.Status{}, c.ErrEngineUnavailable
    }
    st := c.Status{IsLeader: e.leader, HasQuorum: e.quorum}
    st.Members = append([]string{e.self}, e.peers...)
    if e.leader { st.LeaderAddr = e.self }
    return st, nil
}

func (e *Engine) OnTick(fn func()) {
    e.mu.Lock()
    e.ticks = append(e.ticks, fn)
    e.mu.Unlock()
}

func (e *Engine) Leave(ctx context.Context) error {
    e.mu.Lock()
    e.joined = false
    q := e.queue
    e.queue = nil
    e.mu.Unlock()
    for _, p := range q {
        if p.done != nil { p.done(c.ErrEngineUnavailable) }
    }
    return nil
}

// Tick runs every registered tick callback once.
func (e *Engine) Tick() {
    e.mu.Lock()
    fns := append([]func(){}, e.ticks...)
    e.mu.Unlock()
    for _, fn := range fns { fn() }
}

// Deliver applies every queued command in submission order, with consecutive
// log indexes, to all appliers, then completes each submission. It returns the
// number of commands applied.
func (e *Engine) Deliver() int {
    e.mu.Lock()
    q := e.queue
    e.queue = nil
    e.mu.Unlock()
    for _, p := range q {
        e.mu.Lock()
        e.index++
        idx := e.index
        e.mu.Unlock()
        var res interface{}
        for _, a := range e.appliers { res = a.Apply(idx, p.cmd) }
        e.mu.Lock()
        e.results = append(e.results, res)
        e.mu.Unlock()
        if p.done != nil { p.done(nil) }
    }
    return len(q)
}

// Fail completes every queued command with err without applying it.
func (e *Engine) Fail(err error) int {
    e.mu.Lock()
    q := e.queue
    e.queue = nil
    e.mu.Unlock()
    for _, p := range q {
        if p.done != nil { p.done(err) }
    }
    return len(q)
}

func (e *Engine) SetLeader(v bool) { e.mu.Lock(); e.leader = v; e.mu.Unlock() }

func (e *Engine) SetQuorum(v bool) { e.mu.Lock(); e.quorum = v; e.mu.Unlock() }

// SetUnavailable makes Join and Status fail as if the engine could not start.
func (e *Engine) SetUnavailable(v bool) { e.mu.Lock(); e.unavailable = v; e.mu.Unlock() }

// Submitted returns every command accepted so far, delivered or not.
func (e *Engine) Submitted() []c.Command {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]c.Command(nil), e.submitted...)
}

// Pending returns the number of accepted commands not yet delivered or failed.
func (e *Engine) Pending() int {
    e.mu.Lock()
    defer e.mu.Unlock()
    return len(e.queue)
}

// Results returns the last applier's result for every delivered command.
func (e *Engine) Results() []interface{} {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]interface{}(nil), e.results...)
}

// LastIndex is the index of the most recently delivered command.
func (e *Engine) LastIndex() uint64 {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.index
}

var _ c.Engine = (*Engine)(nil)
