package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var ErrCommitterClosed = errors.New("pipeline: committer closed")

// Commit is the outcome of one committed record.
type Commit struct {
	Seq       uint64
	Persisted bool
}

type commitReq struct {
	rec   *domain.Record
	reply chan Commit
}

// Committer is the single ordered consumer behind every channel callback. A
// dedicated goroutine drains a bounded request queue and, for each request,
// assigns the next sequence number and appends the record before touching
// the next one. Sequence order therefore always equals sink order.
type Committer struct {
	seq     *Sequencer
	persist *Persistence
	obs     ports.Observability

	mu     sync.RWMutex
	closed bool
	reqs   chan commitReq
	done   chan struct{}
}

func NewCommitter(seq *Sequencer, persist *Persistence, obs ports.Observability, queueLen int) *Committer {
	if queueLen <= 0 {
		queueLen = ports.DefaultQueueLen
	}
	c := &Committer{
		seq:     seq,
		persist: persist,
		obs:     obs,
		reqs:    make(chan commitReq, queueLen),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Commit sequences and persists rec, blocking until both are done. It fails
// only after Close.
func (c *Committer) Commit(rec *domain.Record) (Commit, error) {
	reply := make(chan Commit, 1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return Commit{}, ErrCommitterClosed
	}
	c.reqs <- commitReq{rec: rec, reply: reply}
	c.mu.RUnlock()

	return <-reply, nil
}

// Close stops accepting requests, drains the queue and waits for the
// consumer to exit.
func (c *Committer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.reqs)
	c.mu.Unlock()
	<-c.done
}

func (c *Committer) run() {
	defer close(c.done)
	for req := range c.reqs {
		start := time.Now()
		req.rec.Seq = c.seq.Next()
		persisted := c.persist.Append(req.rec)
		c.obs.ObserveLatency("pvflow_commit_latency_seconds", time.Since(start).Seconds())
		c.obs.SetGauge("pvflow_last_sequence", float64(req.rec.Seq))
		req.reply <- Commit{Seq: req.rec.Seq, Persisted: persisted}
	}
}
