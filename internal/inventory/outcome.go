// Package inventory checks delivery against the external inventory API and
// reduces every response to a tagged Outcome.
package inventory

import "fmt"

// Kind tags a verification outcome.
type Kind int

const (
	Found Kind = iota + 1
	NotFound
	Failure
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Cause classifies a Failure.
type Cause string

const (
	CauseInventoryPrivate Cause = "inventory_private"
	CauseTimeout          Cause = "steam_timeout"
	CauseUnavailable      Cause = "steam_unavailable"
	CauseUnknown          Cause = "unknown"
)

// Outcome is Found, NotFound, or Failure with a Cause. Err keeps the
// underlying error for logs only.
type Outcome struct {
	Kind  Kind
	Cause Cause
	Err   error
}

func FoundOutcome() Outcome    { return Outcome{Kind: Found} }
func NotFoundOutcome() Outcome { return Outcome{Kind: NotFound} }

func FailureOutcome(c Cause, err error) Outcome {
	return Outcome{Kind: Failure, Cause: c, Err: err}
}

func (o Outcome) String() string {
	if o.Kind == Failure {
		return "failure(" + string(o.Cause) + ")"
	}
	return o.Kind.String()
}
