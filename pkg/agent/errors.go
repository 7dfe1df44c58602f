package agent

import "errors"

var (
	// ErrMaxStepsExceeded fires the MAX_STEP termination guarantee: the
	// agent has spent more MONITOR iterations than its session budget
	// allows without reaching FINISH or FAIL on its own.
	ErrMaxStepsExceeded = errors.New("agent: exceeded max monitor steps for this session")
	// ErrOracleFailure wraps a planning oracle error that escalated the
	// agent straight to FAIL (a START-time failure, or too many
	// consecutive MONITOR-time failures).
	ErrOracleFailure = errors.New("agent: planning oracle failure")
)
