package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/pipeline"
)

func TestMessageFor(t *testing.T) {
	ref := &acquire.ImageRef{ID: "abc", URI: "file:///a.jpg", Source: acquire.Camera}
	preds := []inference.Prediction{{Label: "tabby", Score: 0.8}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msg, ok := messageFor(pipeline.Event{
		Kind:  pipeline.StateChanged,
		State: pipeline.State{RuntimeReady: true, ModelReady: true, Selected: ref, Predictions: preds},
	}, now)
	require.True(t, ok)
	assert.Equal(t, *ref, msg.Image)
	assert.Equal(t, preds, msg.Predictions)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"image": {"id": "abc", "uri": "file:///a.jpg", "source": "camera"},
		"predictions": [{"label": "tabby", "score": 0.8}],
		"classified_at": "2026-01-02T03:04:05Z"
	}`, string(b))
}

func TestMessageForSkipsOtherEvents(t *testing.T) {
	ref := &acquire.ImageRef{ID: "abc"}
	tests := []pipeline.Event{
		{Kind: pipeline.StateChanged, State: pipeline.State{Selected: ref}},
		{Kind: pipeline.StateChanged, State: pipeline.State{}},
		{Kind: pipeline.ClassificationFailed, State: pipeline.State{Selected: ref, Predictions: []inference.Prediction{}}},
	}
	for _, ev := range tests {
		_, ok := messageFor(ev, time.Now())
		assert.False(t, ok, ev.Kind)
	}
}
