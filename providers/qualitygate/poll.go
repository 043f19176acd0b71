package qualitygate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/ipaas-org/ci-runner/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Check asks the service once. A non terminal verdict means "ask again".
type Check func(ctx context.Context) (model.Verdict, error)

// Poll calls check every interval until it yields a terminal verdict or the
// budget is spent. Running out of budget returns an UNKNOWN verdict and
// ErrGateTimeout; the caller decides what that means for the pipeline.
func Poll(ctx context.Context, interval, budget time.Duration, name string, l *logrus.Logger, check Check) (model.Verdict, error) {
	attempts := 1
	if interval > 0 && budget > 0 {
		attempts = int(math.Ceil(float64(budget) / float64(interval)))
	}

	var verdict model.Verdict
	err := retry.Do(ctx, retry.Policy{Attempts: attempts, Delay: interval}, name, l, func(ctx context.Context, attempt int) error {
		v, err := check(ctx)
		if err != nil {
			return err
		}
		verdict = v
		if !v.IsTerminal() {
			return errPending
		}
		return nil
	})
	if err == nil {
		return verdict, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Verdict{Status: model.VerdictUnknown, Source: verdict.Source}, ctxErr
	}
	if errors.Is(err, errPending) {
		return model.Verdict{Status: model.VerdictUnknown, Source: verdict.Source, Details: "no terminal status within " + budget.String()},
			fmt.Errorf("%w (%s)", ErrGateTimeout, budget)
	}
	return model.Verdict{Status: model.VerdictUnknown, Source: verdict.Source}, err
}

// Get performs an authenticated GET and returns the body. 401/403/429 are
// not retried by Poll.
func Get(ctx context.Context, client *http.Client, url, authorization, userAgent string) (string, int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, retry.Permanent(err)
	}
	request.Header.Set("Accept", "application/json")
	if userAgent != "" {
		request.Header.Set("User-Agent", userAgent)
	}
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}

	resp, err := client.Do(request)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	jsonBody := string(body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return jsonBody, resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return "", resp.StatusCode, retry.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return "", resp.StatusCode, retry.Permanent(fmt.Errorf("%w: %s", ErrRateLimited, jsonBody))
	default:
		return "", resp.StatusCode, fmt.Errorf("GET %s [%s]: %s", url, resp.Status, jsonBody)
	}
}
