package pipeline

import (
	"slices"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/permission"
)

// State is a snapshot of the session. A nil Selected means no image has been
// chosen; nil Predictions means none are available for Selected.
type State struct {
	RuntimeReady bool                   `json:"runtime_ready"`
	ModelReady   bool                   `json:"model_ready"`
	Selected     *acquire.ImageRef      `json:"selected_image"`
	Predictions  []inference.Prediction `json:"predictions"`
}

// Status condenses the state into the progress label shown to the user.
func (s State) Status() string {
	switch {
	case !s.RuntimeReady:
		return "loading_runtime"
	case !s.ModelReady:
		return "loading_model"
	case s.Selected == nil:
		return "ready"
	case s.Predictions == nil:
		return "predicting"
	default:
		return "done"
	}
}

func (s State) clone() State {
	out := s
	if s.Selected != nil {
		ref := *s.Selected
		out.Selected = &ref
	}
	if s.Predictions != nil {
		out.Predictions = slices.Clone(s.Predictions)
	}
	return out
}

type EventKind string

const (
	StateChanged         EventKind = "state"
	ClassificationFailed EventKind = "classification_failed"
	ModelLoadFailed      EventKind = "model_load_failed"
	AcquisitionFailed    EventKind = "acquisition_failed"
	PermissionDenied     EventKind = "permission_denied"
)

// Event is delivered to observers after every state change and for every
// failure the user should see. State is always a complete snapshot.
type Event struct {
	Kind       EventKind
	State      State
	Err        error
	Image      *acquire.ImageRef
	Permission permission.Kind
}

// Observer is called on the coordinator's goroutine. It must not block and
// must not call back into the coordinator.
type Observer func(Event)
