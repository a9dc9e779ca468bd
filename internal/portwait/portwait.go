// Package portwait blocks until a TCP endpoint accepts connections.
package portwait

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// DefaultDelay is the pause between connection attempts.
const DefaultDelay = 5 * time.Second

// Waiter polls an endpoint until it answers.
//
// There is no upper bound on attempts. Callers bound the wait with the
// context they pass to Await.
type Waiter struct {
	// Delay is the pause after every failed attempt.
	Delay time.Duration

	// DialTimeout bounds a single connection attempt. Zero means no
	// per-attempt timeout beyond the context.
	DialTimeout time.Duration

	// Log receives one debug entry per failed attempt. Optional.
	Log logrus.FieldLogger
}

// New returns a waiter with the default delay.
func New(log logrus.FieldLogger) *Waiter {
	return &Waiter{Delay: DefaultDelay, Log: log}
}

// Await returns once a TCP handshake with host:port completes. The
// connection is closed before returning. Every failed attempt is followed by
// a pause of Delay; the only way out other than success is ctx ending.
func (w *Waiter) Await(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	delay := w.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)

	attempt := 0
	dial := func() error {
		attempt++
		d := net.Dialer{Timeout: w.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		_ = conn.Close()
		return nil
	}

	notify := func(err error, next time.Duration) {
		if w.Log == nil {
			return
		}
		w.Log.WithFields(logrus.Fields{
			"addr":    addr,
			"attempt": attempt,
			"retry":   next,
		}).WithError(err).Debug("port not open yet")
	}

	if err := backoff.RetryNotify(dial, b, notify); err != nil {
		return err
	}

	if w.Log != nil {
		w.Log.WithFields(logrus.Fields{"addr": addr, "attempts": attempt}).Debug("port open")
	}
	return nil
}

// Await waits for host:port with the given retry delay and no logging.
func Await(ctx context.Context, host string, port int, delay time.Duration) error {
	w := &Waiter{Delay: delay}
	return w.Await(ctx, host, port)
}
