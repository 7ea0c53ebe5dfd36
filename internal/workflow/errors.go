package workflow

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/whitepaper/internal/model"
)

var (
	// ErrStageTimeout means a stage did not return within its timeout.
	ErrStageTimeout = errors.New("workflow: stage timeout")

	// ErrBudgetExceeded means the next attempt would exceed the cost budget.
	ErrBudgetExceeded = errors.New("workflow: cost budget exceeded")

	// ErrCancelled means the caller cancelled the run between stages or
	// during retry backoff.
	ErrCancelled = errors.New("workflow: cancelled")
)

// StageError attributes an error to the stage that produced it.
type StageError struct {
	Stage model.StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
