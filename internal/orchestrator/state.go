package orchestrator

import (
	"fmt"

	"github.com/kscalelabs/kodachrome/model"
)

var allowedTransitions = map[model.JobStatus]map[model.JobStatus]struct{}{
	model.JobQueued: {
		model.JobRunning:   {},
		model.JobCancelled: {},
	},
	model.JobRunning: {
		model.JobSucceeded: {},
		model.JobFailed:    {},
		model.JobTimedOut:  {},
		model.JobCancelled: {},
	},
	model.JobSucceeded: {},
	model.JobFailed:    {},
	model.JobTimedOut:  {},
	model.JobCancelled: {},
}

func ValidateTransition(from, to model.JobStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid job status: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid job status: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	return nil
}
