// Package pipeline sequences runtime start-up, model loading, permission
// prompts, image selection and classification into one observable state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/decoder"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/permission"
	"github.com/krau/snaptag/tensor"
)

var (
	ErrClosed          = errors.New("coordinator closed")
	ErrNothingSelected = errors.New("no image selected")
)

type Engine interface {
	InitRuntime(ctx context.Context) error
	LoadModel(ctx context.Context) error
	Classify(ctx context.Context, t tensor.Tensor) ([]inference.Prediction, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, source acquire.Source) (acquire.Outcome, error)
}

// Releaser frees whatever backs an image once it is no longer selected.
// An Acquirer that also implements Releaser is told about superseded images.
type Releaser interface {
	Release(ref acquire.ImageRef)
}

type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

type Deps struct {
	Engine      Engine
	Acquirer    Acquirer
	Fetcher     Fetcher
	Permissions permission.Requester
	Logger      *slog.Logger
}

// Coordinator is the single writer of State. All mutations run on one loop
// goroutine in the order their triggering operations complete.
type Coordinator struct {
	engine   Engine
	acquirer Acquirer
	fetcher  Fetcher
	perms    permission.Requester
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan func()
	done   chan struct{}

	snapshot atomic.Pointer[State]

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	// owned by the loop goroutine
	state     State
	inflight  string
	attempted string
}

func New(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		engine:    deps.Engine,
		acquirer:  deps.Acquirer,
		fetcher:   deps.Fetcher,
		perms:     deps.Permissions,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		msgs:      make(chan func()),
		done:      make(chan struct{}),
		observers: make(map[int]Observer),
	}
	c.snapshot.Store(&State{})
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.msgs:
			fn()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.msgs <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the loop. In-flight classifications are abandoned.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.done
}

// State returns the latest published snapshot.
func (c *Coordinator) State() State {
	return c.snapshot.Load().clone()
}

// Subscribe registers o and returns a function that removes it.
func (c *Coordinator) Subscribe(o Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Coordinator) emit(ev Event) {
	c.obsMu.Lock()
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	c.obsMu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

// commit publishes the loop's state. Callers must be on the loop goroutine.
func (c *Coordinator) commit() {
	s := c.state.clone()
	c.snapshot.Store(&s)
	c.emit(Event{Kind: StateChanged, State: s.clone()})
}

func (c *Coordinator) notify(kind EventKind, err error, ref *acquire.ImageRef) {
	c.emit(Event{Kind: kind, State: c.State(), Err: err, Image: ref})
}

// Start initializes the runtime, loads the model and asks for permissions.
// Only a runtime failure is returned; a failed model load is reported to
// observers and can be retried with ReloadModel.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.engine.InitRuntime(ctx); err != nil {
		c.logger.Error("Failed to initialize runtime", slog.String("error", err.Error()))
		return err
	}
	if err := c.do(func() {
		c.state.RuntimeReady = true
		c.commit()
	}); err != nil {
		return err
	}

	if err := c.ReloadModel(ctx); err != nil && errors.Is(err, ErrClosed) {
		return err
	}
	c.requestPermissions(ctx)
	return nil
}

// ReloadModel loads the model if it is not ready yet.
func (c *Coordinator) ReloadModel(ctx context.Context) error {
	if err := c.engine.LoadModel(ctx); err != nil {
		c.logger.Error("Failed to load model", slog.String("error", err.Error()))
		if derr := c.do(func() { c.notify(ModelLoadFailed, err, nil) }); derr != nil {
			return derr
		}
		return err
	}
	return c.do(func() {
		if c.state.ModelReady {
			return
		}
		c.state.ModelReady = true
		c.commit()
		c.maybeClassify()
	})
}

func (c *Coordinator) requestPermissions(ctx context.Context) {
	if c.perms == nil {
		return
	}
	for _, kind := range []permission.Kind{permission.CameraRoll, permission.Camera} {
		res, err := c.perms.Request(ctx, kind)
		if err == nil && res.Status == permission.Granted {
			continue
		}
		if err == nil {
			err = fmt.Errorf("%s permission %s", kind, res.Status)
			c.logger.Warn("Permission denied", slog.String("kind", string(kind)))
		} else {
			c.logger.Error("Permission request failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		}
		_ = c.do(func() {
			c.emit(Event{Kind: PermissionDenied, State: c.State(), Err: err, Permission: kind})
		})
	}
}

// Acquire asks the user for an image. A cancellation leaves the state as it
// was; a new image replaces the selection, clears predictions and starts
// classification.
func (c *Coordinator) Acquire(ctx context.Context, source acquire.Source) (acquire.Outcome, error) {
	out, err := c.acquirer.Acquire(ctx, source)
	if err != nil {
		c.logger.Error("Failed to acquire image", slog.String("source", string(source)), slog.String("error", err.Error()))
		_ = c.do(func() { c.notify(AcquisitionFailed, err, nil) })
		return out, err
	}
	if out.Cancelled {
		return out, nil
	}

	ref := out.Image
	applied := false
	if err := c.do(func() {
		applied = true
		prev := c.state.Selected
		c.state.Selected = &ref
		c.state.Predictions = nil
		c.commit()
		c.maybeClassify()
		if prev != nil && prev.URI != ref.URI {
			c.release(*prev)
		}
	}); err != nil {
		if !applied {
			c.release(ref)
		}
		return out, err
	}
	c.logger.Info("Image selected", slog.String("id", ref.ID), slog.String("uri", ref.URI))
	return out, nil
}

// Retry classifies the current selection again after a failure.
func (c *Coordinator) Retry(ctx context.Context) error {
	var err error
	if derr := c.do(func() {
		if c.state.Selected == nil {
			err = ErrNothingSelected
			return
		}
		if c.inflight == c.state.Selected.ID {
			return
		}
		c.attempted = ""
		c.maybeClassify()
	}); derr != nil {
		return derr
	}
	return err
}

func (c *Coordinator) release(ref acquire.ImageRef) {
	if r, ok := c.acquirer.(Releaser); ok {
		r.Release(ref)
	}
}

// maybeClassify starts the classify sub-flow for the current selection when
// nothing is in flight. Runs on the loop goroutine.
func (c *Coordinator) maybeClassify() {
	sel := c.state.Selected
	if sel == nil || c.state.Predictions != nil || !c.state.ModelReady {
		return
	}
	if c.inflight != "" || c.attempted == sel.ID {
		return
	}
	ref := *sel
	c.inflight = ref.ID
	c.attempted = ref.ID
	go func() {
		preds, err := c.classify(c.ctx, ref)
		select {
		case c.msgs <- func() { c.finish(ref, preds, err) }:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) finish(ref acquire.ImageRef, preds []inference.Prediction, err error) {
	c.inflight = ""
	if c.state.Selected == nil || c.state.Selected.ID != ref.ID {
		c.logger.Debug("Discarding stale classification", slog.String("id", ref.ID))
		c.maybeClassify()
		return
	}
	if err != nil {
		c.logger.Error("Classification failed", slog.String("id", ref.ID), slog.String("error", err.Error()))
		c.notify(ClassificationFailed, err, &ref)
		return
	}
	c.state.Predictions = preds
	c.commit()
	c.logger.Info("Classification done", slog.String("id", ref.ID), slog.Int("predictions", len(preds)))
}

func (c *Coordinator) classify(ctx context.Context, ref acquire.ImageRef) ([]inference.Prediction, error) {
	data, err := c.fetcher.Fetch(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	grid, err := decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromGrid(grid)
	if err != nil {
		return nil, err
	}
	preds, err := c.engine.Classify(ctx, t)
	if err != nil {
		return nil, err
	}
	if preds == nil {
		preds = []inference.Prediction{}
	}
	return preds, nil
}
