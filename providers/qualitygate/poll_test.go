package qualitygate

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	l := quietLogger()

	t.Run("stops at the first terminal verdict", func(t *testing.T) {
		for j := 1; j <= 4; j++ {
			calls := 0
			v, err := Poll(ctx, time.Millisecond, 10*time.Millisecond, "gate", l, func(ctx context.Context) (model.Verdict, error) {
				calls++
				if calls == j {
					return model.Verdict{Status: model.VerdictOK, Source: "test"}, nil
				}
				return model.Verdict{Status: model.VerdictPending, Source: "test"}, nil
			})
			assert.NilError(t, err)
			assert.Equal(t, v.Status, model.VerdictOK)
			assert.Equal(t, calls, j)
		}
	})

	t.Run("budget spent without verdict", func(t *testing.T) {
		calls := 0
		v, err := Poll(ctx, time.Millisecond, 5*time.Millisecond, "gate", l, func(ctx context.Context) (model.Verdict, error) {
			calls++
			return model.Verdict{Status: model.VerdictPending, Source: "test"}, nil
		})
		assert.Assert(t, errors.Is(err, ErrGateTimeout))
		assert.Equal(t, v.Status, model.VerdictUnknown)
		assert.Equal(t, calls, 5)
	})

	t.Run("permanent errors stop polling", func(t *testing.T) {
		calls := 0
		_, err := Poll(ctx, time.Millisecond, 10*time.Millisecond, "gate", l, func(ctx context.Context) (model.Verdict, error) {
			calls++
			_, _, err := Get(ctx, nil, "::bad-url", "", "")
			return model.Verdict{}, err
		})
		assert.Assert(t, err != nil)
		assert.Assert(t, !errors.Is(err, ErrGateTimeout))
		assert.Equal(t, calls, 1)
	})
}
