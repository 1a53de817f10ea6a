package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/rpcerr"
)

// Backoff durations: an exact 1,2,4,8,16,32,60,60… doubling sequence
// with no jitter.
const (
	initialBackoff      = 1 * time.Second
	maxBackoff          = 60 * time.Second
	rpcErrorBackoff     = 3600 * time.Second
	incompatibleBackoff = 3600 * time.Second
)

// EnsureSession runs the reconnect state machine for the lifetime of
// ctx: connect, handshake, idle-ping, and on any error, close and back
// off before retrying. It returns only when ctx is cancelled.
func (s *Session) EnsureSession(ctx context.Context) {
	// prevDelay tracks the *last sleep actually taken*, not yet
	// doubled; the first exponential-category failure sleeps
	// initialBackoff, and only subsequent failures double it, giving
	// the 1,2,4,8,16,32,60,60,… progression.
	var prevDelay time.Duration
	for {
		if ctx.Err() != nil {
			return
		}
		var sleepFor time.Duration
		if err := s.ensureSessionOnce(ctx); err != nil {
			sleepFor = s.backoffFor(err, prevDelay)
			prevDelay = sleepFor
		} else {
			sleepFor = initialBackoff
			prevDelay = 0
		}
		if !s.sleepOrUrgent(ctx, sleepFor) {
			return
		}
	}
}

func (s *Session) ensureSessionOnce(ctx context.Context) error {
	if s.IsClosing() {
		if err := s.CreateConnection(ctx); err != nil {
			return err
		}
		if err := s.EnsureServerVersion(ctx); err != nil {
			s.Close()
			return err
		}
		s.FireOnConnect()
	}
	maxIdle := 2 * s.cfg.Timeout
	if time.Since(s.LastSend()) > maxIdle || !s.hasResponseTime() {
		if err := s.EnsureServerVersion(ctx); err != nil {
			s.Close()
			return err
		}
	}
	return nil
}

func (s *Session) hasResponseTime() bool {
	_, ok := s.ResponseTime()
	return ok
}

// backoffFor maps an error from ensureSessionOnce to the right backoff
// duration and logs the reason at debug level.
func (s *Session) backoffFor(err error, prevDelay time.Duration) time.Duration {
	var rpcErr *rpcerr.RPCError
	switch {
	case errors.As(err, &rpcErr), errors.Is(err, rpcerr.ErrProtocol):
		s.logf("server error during handshake, backing off 1h", err)
		return rpcErrorBackoff
	case errors.Is(err, rpcerr.ErrIncompatible):
		s.logf("incompatible server version, backing off 1h", err)
		return incompatibleBackoff
	case errors.Is(err, rpcerr.ErrTimeout), errors.Is(err, rpcerr.ErrConnectionError):
		next := initialBackoff
		if prevDelay > 0 {
			next = prevDelay * 2
			if next > maxBackoff {
				next = maxBackoff
			}
		}
		s.logf("transport error, retrying with backoff", err)
		return next
	default:
		next := initialBackoff
		if prevDelay > 0 {
			next = prevDelay * 2
			if next > maxBackoff {
				next = maxBackoff
			}
		}
		return next
	}
}

func (s *Session) logf(msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, zap.Stringer("server", s.Server), zap.Error(err))
}

// sleepOrUrgent waits for retryDelay, ctx cancellation, or an urgent
// reconnect signal, whichever comes first. It returns false only when
// ctx has been cancelled.
func (s *Session) sleepOrUrgent(ctx context.Context, retryDelay time.Duration) bool {
	timer := time.NewTimer(retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.urgentReconnect:
		return true
	}
}
