package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/whitepaper/internal/workflow"
)

// pendingRuns holds runs suspended for clarification between an ask and the
// matching resume call. Entries expire after ttl; the map lives only in this
// process, so a restarted server forgets every pending run.
type pendingRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]pendingRun
	ttl  time.Duration
	now  func() time.Time
}

type pendingRun struct {
	state *workflow.State
	added time.Time
}

func newPendingRuns(ttl time.Duration) *pendingRuns {
	return &pendingRuns{
		runs: make(map[uuid.UUID]pendingRun),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put remembers st under its run ID.
func (p *pendingRuns) Put(st *workflow.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[st.RunID()] = pendingRun{state: st, added: p.now()}

	// Lazy cleanup keeps abandoned runs from piling up.
	if len(p.runs) > 100 {
		p.purgeStale()
	}
}

// Take removes and returns the pending run, or false if it is unknown or
// expired.
func (p *pendingRuns) Take(id uuid.UUID) (*workflow.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[id]
	if !ok {
		return nil, false
	}
	delete(p.runs, id)
	if p.now().Sub(r.added) > p.ttl {
		return nil, false
	}
	return r.state, true
}

// Len returns the number of runs currently held, expired ones included.
func (p *pendingRuns) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

// purgeStale must be called with mu held.
func (p *pendingRuns) purgeStale() {
	now := p.now()
	for id, r := range p.runs {
		if now.Sub(r.added) > p.ttl {
			delete(p.runs, id)
		}
	}
}
