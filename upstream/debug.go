package upstream

import (
	"time"

	"github.com/rs/zerolog"
)

// attemptRecord captures the observable outcome of a single attempt.
//
// Records are ephemeral: the client builds one per attempt, hands it to
// logging and metrics, and discards it. No per-call attempt history is
// retained; aggregate state lives in destinationStats.
type attemptRecord struct {
	attempt  int
	endpoint string
	elapsed  time.Duration
	class    Class
	status   int
	err      error
}

// logAttempt logs the outcome of one attempt using zerolog.
func logAttempt(logger zerolog.Logger, operation string, rec attemptRecord) {
	evt := logger.Debug().
		Str("operation", operation).
		Int("attempt", rec.attempt).
		Str("endpoint", rec.endpoint).
		Str("class", rec.class.String()).
		Dur("duration_ms", rec.elapsed)

	if rec.status > 0 {
		evt = evt.Int("status", rec.status)
	}
	if rec.err != nil {
		evt = evt.Err(rec.err)
	}
	evt.Msg("attempt completed")
}

// logCall logs the final outcome of a call using zerolog.
func logCall(logger zerolog.Logger, operation string, attempts int, class Class, elapsed time.Duration, err error) {
	if err == nil {
		logger.Debug().
			Str("operation", operation).
			Int("attempts", attempts).
			Dur("duration_ms", elapsed).
			Msg("call succeeded")
		return
	}

	logger.Warn().
		Str("operation", operation).
		Int("attempts", attempts).
		Str("class", class.String()).
		Dur("duration_ms", elapsed).
		Err(err).
		Msg("call failed")
}
