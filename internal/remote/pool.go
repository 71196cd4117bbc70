package remote

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"

	"github.com/jokh38/mqi-interface/internal/executor"
	"github.com/jokh38/mqi-interface/internal/metrics"
)

// ErrPoolExhausted means no session became available within the acquire
// timeout. Transient: the retry layer may try again.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Session is one authenticated remote session, borrowed by exactly one
// caller at a time.
type Session interface {
	Run(ctx context.Context, command string) (executor.Result, error)
	SFTP() (*sftp.Client, error)
	Alive() bool
	Close() error
}

// Factory dials a fresh authenticated session.
type Factory func(ctx context.Context) (Session, error)

type slot struct {
	sess Session // nil when the slot holds no live session
}

// Pool bounds the number of concurrent sessions to one endpoint. Sessions
// are created lazily: a slot whose session died is refilled on the next
// Acquire rather than blocking the releasing caller. At most capacity
// sessions exist, and a borrowed session is invisible to other callers
// until released.
type Pool struct {
	factory        Factory
	capacity       int
	acquireTimeout time.Duration
	slots          chan *slot
}

func NewPool(factory Factory, capacity int, acquireTimeout time.Duration) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	p := &Pool{
		factory:        factory,
		capacity:       capacity,
		acquireTimeout: acquireTimeout,
		slots:          make(chan *slot, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.slots <- &slot{}
	}
	return p
}

// Acquire blocks until a slot is free or the timeout elapses. A slot
// without a live session is filled by dialing; a dial failure returns the
// slot so capacity is preserved.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var s *slot
	select {
	case s = <-p.slots:
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.sess != nil && s.sess.Alive() {
		metrics.PoolConnectionsInUse.Inc()
		return s.sess, nil
	}
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
	sess, err := p.factory(ctx)
	if err != nil {
		p.slots <- s
		return nil, errors.Wrap(err, "dial remote session")
	}
	s.sess = sess
	metrics.PoolConnectionsInUse.Inc()
	return sess, nil
}

// Release returns a borrowed session. Dead sessions are discarded and their
// slot refilled lazily on the next Acquire.
func (p *Pool) Release(sess Session) {
	metrics.PoolConnectionsInUse.Dec()
	if sess == nil {
		p.slots <- &slot{}
		return
	}
	if !sess.Alive() {
		logrus.Debug("discarding dead remote session")
		_ = sess.Close()
		p.slots <- &slot{}
		return
	}
	p.slots <- &slot{sess: sess}
}

// Discard drops a session known to be broken mid-use without the liveness
// probe.
func (p *Pool) Discard(sess Session) {
	metrics.PoolConnectionsInUse.Dec()
	if sess != nil {
		_ = sess.Close()
	}
	p.slots <- &slot{}
}

// Close tears down every idle session. Borrowed sessions are closed by
// their borrowers via Release/Discard.
func (p *Pool) Close() {
	for {
		select {
		case s := <-p.slots:
			if s.sess != nil {
				_ = s.sess.Close()
			}
		default:
			return
		}
	}
}
