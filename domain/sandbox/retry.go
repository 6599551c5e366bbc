package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// Policy selects the retry behavior for a provider call.
type Policy int

const (
	// PolicySafe marks idempotent operations: listing, metadata, file reads
	// and writes, snapshot ops, start/stop. Transient failures are retried.
	PolicySafe Policy = iota

	// PolicyUnsafe marks non-idempotent operations, i.e. code execution.
	// Transient failures are never retried here; the caller decides whether
	// the logical operation can be re-run.
	PolicyUnsafe
)

const (
	retryMaxAttempts     = 5
	retryInitialInterval = 250 * time.Millisecond
)

// TransientError wraps a transient transport failure on a non-idempotent
// operation. Reconnected tells the caller whether the sandbox connection was
// re-established, so retrying the logical operation is likely to succeed.
type TransientError struct {
	Reconnected bool
	Err         error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient sandbox transport error (reconnected=%t): %v", e.Reconnected, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a non-transient transport failure. It propagates
// unchanged through the gate.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// transientMarkers is the fallback substring classification layer. Typed
// errors take precedence; this list only catches raw transport text.
var transientMarkers = []string{
	"remote end closed connection",
	"remotedisconnected",
	"connection aborted",
	"connection reset",
	"broken pipe",
	"timed out",
	"timeout",
	"service unavailable",
	"502",
	"503",
	"504",
}

// IsTransient classifies an error as a transient transport failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}

	// Fallback layer: substring match on the raw error text.
	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Gate wraps every provider call so transient transport failures are either
// retried (safe ops) or surfaced as a single TransientError (unsafe ops).
// Reconnects are coalesced: under N concurrent failures at most one reconnect
// reaches the provider.
type Gate struct {
	reconnect func(ctx context.Context) error
	sf        singleflight.Group
	log       *slog.Logger
}

// NewGate creates a retry gate. reconnect re-establishes the sandbox
// connection and may be nil when the driver has no reconnect path yet.
func NewGate(reconnect func(ctx context.Context) error, log *slog.Logger) *Gate {
	return &Gate{
		reconnect: reconnect,
		log:       log.With(logger.Scope("sandbox.gate")),
	}
}

// Do runs fn under the gate's policy.
//
// Safe ops retry up to 5 attempts with exponential backoff starting at 250ms.
// Before the first retry, when allowReconnect is set, the gate triggers one
// coalesced reconnect. Unsafe ops never retry: a transient failure is
// upgraded to *TransientError carrying whether a reconnect happened.
// Non-transient errors propagate immediately and unchanged.
func (g *Gate) Do(ctx context.Context, op string, policy Policy, allowReconnect bool, fn func() error) error {
	if policy == PolicyUnsafe {
		err := fn()
		if err == nil || !IsTransient(err) {
			return err
		}

		reconnected := false
		if allowReconnect {
			if rerr := g.reconnectOnce(ctx); rerr != nil {
				g.log.Warn("reconnect after transient failure failed",
					slog.String("op", op), logger.Error(rerr))
			} else {
				reconnected = true
			}
		}
		return &TransientError{Reconnected: reconnected, Err: err}
	}

	reconnected := false

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2

	operation := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		// One coalesced reconnect per gate call, before the next attempt.
		if allowReconnect && !reconnected {
			if rerr := g.reconnectOnce(ctx); rerr == nil {
				reconnected = true
			}
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Debug("retrying sandbox op",
				slog.String("op", op),
				slog.Duration("backoff", next),
				logger.Error(err),
			)
		}),
	)
	return err
}

// reconnectOnce coalesces concurrent reconnects into a single in-flight call.
func (g *Gate) reconnectOnce(ctx context.Context) error {
	if g.reconnect == nil {
		return fmt.Errorf("no reconnect path configured")
	}
	_, err, _ := g.sf.Do("reconnect", func() (any, error) {
		return nil, g.reconnect(ctx)
	})
	return err
}

// Call runs fn under the gate and returns its result.
func Call[T any](ctx context.Context, g *Gate, op string, policy Policy, allowReconnect bool, fn func() (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, op, policy, allowReconnect, func() error {
		var ferr error
		result, ferr = fn()
		return ferr
	})
	return result, err
}
