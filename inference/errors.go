package inference

import (
	"errors"
	"fmt"
)

// ErrRuntimeInit marks a failure to bring up the execution backend. It is
// fatal for the session.
var ErrRuntimeInit = errors.New("runtime initialization failed")

var errNotReady = errors.New("model not ready")

// ModelLoadError reports a failed model load. The engine stays in
// RuntimeReady and the load may be retried.
type ModelLoadError struct {
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model: %v", e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a classify call that could not run: the engine was
// not ready, the tensor had the wrong shape, or the model misbehaved.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
