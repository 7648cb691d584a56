package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"nx-ipc/codec"
	"nx-ipc/config"
	"nx-ipc/loadbalance"
	"nx-ipc/message"
	"nx-ipc/middleware"
	"nx-ipc/registry"
	"nx-ipc/transport"
)

// DialOption configures Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	session   []Option
	heartbeat time.Duration
	logger    *zap.Logger
}

// WithSessionOptions applies opts to the dialed session.
func WithSessionOptions(opts ...Option) DialOption {
	return func(o *dialOptions) { o.session = append(o.session, opts...) }
}

// WithHeartbeat sets the bridge heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) DialOption {
	return func(o *dialOptions) { o.heartbeat = d }
}

// WithDialLogger sets the logger of the dialed transport and session.
func WithDialLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// Dial discovers the emulators of service, picks one with bal and opens a
// session on its port handle. Closing the session closes the connection.
func Dial(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...DialOption) (*Session, error) {
	o := dialOptions{heartbeat: transport.DefaultHeartbeatInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	endpoints, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	ep, err := bal.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", service, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", service, ep.Addr, err)
	}
	o.logger.Info("dialed emulator",
		zap.String("service", service),
		zap.String("addr", ep.Addr),
		zap.String("balancer", bal.Name()),
		zap.Uint32("handle", ep.Handle))

	ct := transport.NewClientTransport(conn, transport.WithHeartbeat(o.heartbeat), transport.WithLogger(o.logger))
	so := options{logger: o.logger}
	for _, opt := range o.session {
		opt(&so)
	}

	// The port handle is shared by every client of the emulator. Work on a
	// private clone so Close and ConvertToDomain stay local to this session.
	port := newSession(ct, message.Handle(ep.Handle), message.NonDomain(), nil, so)
	h, err := port.movedHandle(ctx, codec.CloneCurrentObject, nil)
	if err != nil {
		ct.Close()
		return nil, fmt.Errorf("open session to %s: %w", service, err)
	}
	return newSession(ct, h, message.NonDomain(), ct, so), nil
}

// CallMiddlewares builds the client middleware stack described by cfg:
// logging, rate limiting when cfg.RateLimit is positive, retries, and a
// per-attempt timeout when cfg.Timeout is positive.
func CallMiddlewares(cfg config.CallConfig, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, max(cfg.RateBurst, 1)))
	}
	if cfg.RetryMax > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.RetryMax, cfg.RetryBackoff, logger))
	}
	if cfg.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Timeout))
	}
	return mws
}
