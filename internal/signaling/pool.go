package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolOptions controls pooled connection lifetime.
type PoolOptions struct {
	// GracePeriod is how long an unreferenced connection is kept alive so a
	// quick remount can reuse it instead of redialing.
	GracePeriod time.Duration
	Reconnect   ReconnectOptions
}

// Conn is the surface a pool consumer gets. Consumers must never close the
// underlying transport; they release their reference instead.
type Conn interface {
	Sender
	OnEvent(fn func(Envelope))
	OnTransportState(fn func(TransportState))
}

// Transport is what the pool manages: a consumer surface plus the close
// operation reserved for the pool itself.
type Transport interface {
	Conn
	Close() error
}

// DialFunc produces a transport for a session id. Swapped out in tests.
type DialFunc func(ctx context.Context, sessionID string) (Transport, error)

var errReleaseWithoutAcquire = errors.New("signaling: release without matching acquire")

type pooledConn struct {
	client   Transport
	refs     int
	teardown *time.Timer // non-nil only while refs == 0
}

// Pool owns at most one live signaling connection per session id,
// reference-counted across concurrent consumers, with grace-period delayed
// teardown. Only the pool mutates reference counts or closes transports.
type Pool struct {
	opts   PoolOptions
	dial   DialFunc
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*pooledConn
}

// NewPool creates a connection pool using dial to establish transports.
func NewPool(opts PoolOptions, dial DialFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 15 * time.Second
	}
	return &Pool{
		opts:   opts,
		dial:   dial,
		logger: logger.Named("pool"),
		conns:  make(map[string]*pooledConn),
	}
}

// Acquire returns the live connection for sessionID, dialing one if needed.
// Acquiring while a grace-period teardown is pending cancels the teardown.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.conns[sessionID]; ok {
		if pc.teardown != nil {
			pc.teardown.Stop()
			pc.teardown = nil
			p.logger.Debug("pending teardown cancelled", zap.String("session", sessionID))
		}
		pc.refs++
		return pc.client, nil
	}

	client, err := p.dial(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p.conns[sessionID] = &pooledConn{client: client, refs: 1}
	p.logger.Info("signaling connection opened", zap.String("session", sessionID))
	return client, nil
}

// Release drops one reference. The last releaser arms a grace-period timer;
// the transport closes only if the timer fires with the count still at zero.
func (p *Pool) Release(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[sessionID]
	if !ok || pc.refs == 0 {
		return errReleaseWithoutAcquire
	}
	pc.refs--
	if pc.refs > 0 {
		return nil
	}

	pc.teardown = time.AfterFunc(p.opts.GracePeriod, func() {
		p.expire(sessionID)
	})
	return nil
}

// expire closes the transport if the grace period elapsed with no acquirer.
func (p *Pool) expire(sessionID string) {
	p.mu.Lock()
	pc, ok := p.conns[sessionID]
	if !ok || pc.refs > 0 || pc.teardown == nil {
		p.mu.Unlock()
		return
	}
	delete(p.conns, sessionID)
	p.mu.Unlock()

	if err := pc.client.Close(); err != nil {
		p.logger.Warn("transport close failed", zap.String("session", sessionID), zap.Error(err))
	}
	p.logger.Info("signaling connection closed", zap.String("session", sessionID))
}

// CloseAll force-closes every pooled connection. Used on process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for id, pc := range conns {
		if pc.teardown != nil {
			pc.teardown.Stop()
		}
		if err := pc.client.Close(); err != nil {
			p.logger.Warn("transport close failed", zap.String("session", id), zap.Error(err))
		}
	}
}

// refCount reports the current reference count for a session. Test hook.
func (p *Pool) refCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[sessionID]; ok {
		return pc.refs
	}
	return -1
}
