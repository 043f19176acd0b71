// Package retry re-invokes idempotent external operations a bounded number of
// times with a fixed delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

var ErrInvalidPolicy = errors.New("retry policy needs at least one attempt")

// Policy bounds a retried operation. Delay is constant between attempts,
// Timeout (when > 0) caps the whole loop.
type Policy struct {
	Attempts int           `yaml:"attempts" env-default:"3"`
	Delay    time.Duration `yaml:"delay"    env-default:"5s"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Operation receives the 1-based attempt number.
type Operation func(ctx context.Context, attempt int) error

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying: Do returns it right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds or the policy runs out of attempts.
func Do(ctx context.Context, p Policy, name string, l *logrus.Logger, op Operation) error {
	if p.Attempts < 1 {
		return ErrInvalidPolicy
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	// go-retry refuses a zero constant
	delay := p.Delay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	backoff := goretry.WithMaxRetries(uint64(p.Attempts-1), goretry.NewConstant(delay))

	attempt := 0
	var last error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		l.Infof("%s: attempt %d/%d", name, attempt, p.Attempts)
		last = op(ctx, attempt)
		if last == nil {
			l.Infof("%s: attempt %d/%d succeeded", name, attempt, p.Attempts)
			return nil
		}

		var perm *permanentError
		if errors.As(last, &perm) {
			l.Errorf("%s: attempt %d/%d failed permanently: %v", name, attempt, p.Attempts, perm.err)
			return perm
		}
		l.Warnf("%s: attempt %d/%d failed: %v", name, attempt, p.Attempts, last)
		return goretry.RetryableError(last)
	})
	if err == nil {
		return nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if last == nil {
			return ctxErr
		}
		return &ExhaustedError{Name: name, Attempts: attempt, Last: errors.Join(last, ctxErr)}
	}
	return &ExhaustedError{Name: name, Attempts: attempt, Last: last}
}
