package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Verifier answers whether one specific asset reached the buyer.
type Verifier struct {
	client  pageFetcher
	timeout time.Duration
}

// NewVerifier wraps c. timeout bounds each verification; zero means 10s.
func NewVerifier(c *Client, timeout time.Duration) *Verifier {
	return &Verifier{client: c, timeout: timeoutOf(timeout)}
}

// Verify looks up expectedAssetID in the buyer's inventory for appID. Only an
// exact asset id match counts as Found. Any error becomes a Failure; it is
// never reported as NotFound.
func (v *Verifier) Verify(ctx context.Context, steamID string, appID int, expectedAssetID string) Outcome {
	if steamID == "" || expectedAssetID == "" {
		return FailureOutcome(CauseUnknown, errors.New("missing steam id or asset id"))
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := ""
	for page := 0; page < maxPages; page++ {
		if err := v.client.Wait(ctx); err != nil {
			// throttle wait would outlast the call budget
			return FailureOutcome(CauseTimeout, err)
		}
		p, err := v.client.FetchPage(ctx, steamID, appID, start)
		if err != nil {
			return FailureOutcome(Classify(err), err)
		}
		for _, a := range p.Assets {
			if a.AssetID == expectedAssetID {
				return FoundOutcome()
			}
		}
		if p.LastAssetID == "" {
			return NotFoundOutcome()
		}
		start = p.LastAssetID
	}
	return FailureOutcome(CauseUnknown, fmt.Errorf("inventory exceeds %d pages", maxPages))
}

func timeoutOf(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Classify maps a fetch error to a Cause.
func Classify(err error) Cause {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusForbidden || se.Code == http.StatusUnauthorized {
			return CauseInventoryPrivate
		}
		return CauseUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	if errors.Is(err, ErrMalformed) {
		return CauseUnknown
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CauseTimeout
		}
		return CauseUnavailable
	}
	return CauseUnknown
}
