package backup

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrorPolicy decides what happens to a failed cycle at the run boundary.
type ErrorPolicy int

const (
	// Propagate returns cycle failures to the caller and stops continuous mode.
	Propagate ErrorPolicy = iota
	// LogAndContinue logs cycle failures; continuous mode keeps its schedule.
	LogAndContinue
)

func (p ErrorPolicy) String() string {
	switch p {
	case Propagate:
		return "propagate"
	case LogAndContinue:
		return "log"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// ParseErrorPolicy accepts propagate|throw and log|log-and-continue.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "propagate", "throw":
		return Propagate, nil
	case "log", "log-and-continue":
		return LogAndContinue, nil
	default:
		return 0, fmt.Errorf("invalid error policy %q (want propagate|log)", s)
	}
}

type scope int

const (
	scopePurge scope = iota
	scopeCycle
)

// apply is the one place the policy is interpreted.
//
// Purge errors never leave the cycle: LogAndContinue logs them, Propagate
// only traces them. Cycle errors are returned under Propagate and logged
// (then dropped) under LogAndContinue.
func (p ErrorPolicy) apply(l zerolog.Logger, err error, s scope) error {
	if err == nil {
		return nil
	}
	if p == LogAndContinue {
		ev := l.Error().Err(err).Str("policy", p.String())
		if s == scopePurge {
			ev.Str("action", "purge").Msg("purge failed")
		} else {
			ev.Str("action", "cycle").Msg("backup cycle failed")
		}
		return nil
	}
	if s == scopePurge {
		l.Debug().Err(err).Str("action", "purge").Msg("purge failed, ignored")
		return nil
	}
	return err
}
