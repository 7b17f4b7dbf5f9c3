// Package registry owns the authoritative knock set, rebuilds the capture
// session when it changes, and saves it when the daemon halts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"cok/internal/action"
	"cok/internal/capture"
	"cok/internal/engine"
	"cok/internal/knock"
	"cok/internal/metrics"
	"cok/internal/model"
	"cok/pkg/wellknown"
)

// ErrHalted is returned once Halt has run.
var ErrHalted = errors.New("registry halted")

// Saver persists the descriptor set on halt.
type Saver interface {
	SaveDescriptors(ctx context.Context, descs []*model.Descriptor) error
}

type Config struct {
	// Interface is the capture device; empty means discover one.
	Interface   string
	Promiscuous bool
}

type Option func(*Registry)

func WithSaver(s Saver) Option {
	return func(r *Registry) { r.saver = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithKnockOptions is passed to every knock the registry builds.
func WithKnockOptions(opts ...knock.Option) Option {
	return func(r *Registry) { r.knockOpts = append(r.knockOpts, opts...) }
}

type session struct {
	src        capture.Source
	listenerID int
	cancel     context.CancelFunc
	done       chan struct{}
}

// Registry serializes every change to the knock set. A change takes a
// snapshot of the running knocks, applies the edit, and rebuilds.
type Registry struct {
	cfg       Config
	env       *action.Env
	newSource func() capture.Source
	saver     Saver
	logger    *slog.Logger
	knockOpts []knock.Option

	mu      sync.Mutex
	descs   []*model.Descriptor
	active  *engine.Dispatcher
	session *session
	halted  bool
	done    chan struct{}
}

func New(cfg Config, env *action.Env, newSource func() capture.Source, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		env:       env,
		newSource: newSource,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load installs descriptors read at startup. Invalid ones are logged and
// skipped, and entries sharing an identity are merged as SetKnock would.
// Capture starts when at least one knock is installed.
func (r *Registry) Load(descs []*model.Descriptor) int {
	valid := make([]*model.Descriptor, 0, len(descs))
	for _, d := range descs {
		c, err := validated(d)
		if err != nil {
			r.logger.Error("Failed to load stored knock", "error", err)
			continue
		}
		valid = append(valid, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || len(valid) == 0 {
		return 0
	}
	r.changeLocked(func() {
		for _, c := range valid {
			if r.mergeLocked(c) == model.SetOverridden {
				r.logger.Warn("Merged duplicate stored knock", "knock", c.Desc())
			}
		}
	})
	return len(valid)
}

// SetKnock updates the installed knock with the same identity or installs d as new.
func (r *Registry) SetKnock(d *model.Descriptor) model.SetResult {
	c, err := validated(d)
	if err != nil {
		r.logger.Error("Failed to set knock", "error", err)
		return model.SetError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return model.SetError
	}

	var result model.SetResult
	r.changeLocked(func() { result = r.mergeLocked(c) })
	r.logger.Info("Knock set", "knock", c.Desc(), "result", result.String())
	if shared := wellknown.SharedPorts(c); len(shared) > 0 {
		r.logger.Warn("Knock listens on well-known service ports", "knock", c.Desc(), "ports", shared)
	}
	return result
}

// mergeLocked updates the descriptor with c's identity or appends c.
func (r *Registry) mergeLocked(c *model.Descriptor) model.SetResult {
	for _, existing := range r.descs {
		if existing.Equal(c) {
			existing.Update(c)
			return model.SetOverridden
		}
	}
	r.descs = append(r.descs, c)
	return model.SetNew
}

func (r *Registry) RemoveKnock(d *model.Descriptor) model.RemoveResult {
	if d == nil {
		return model.RemoveError
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted || !slices.ContainsFunc(r.descs, d.Equal) {
		return model.RemoveError
	}

	r.changeLocked(func() {
		r.descs = slices.DeleteFunc(r.descs, d.Equal)
	})
	r.logger.Info("Knock removed", "knock", d.Desc())
	return model.RemoveRemoved
}

// ListKnocks returns copies of the live descriptors, chain state included.
func (r *Registry) ListKnocks() []*model.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotLocked()
	out := make([]*model.Descriptor, len(r.descs))
	for i, d := range r.descs {
		out[i] = d.Clone()
	}
	return out
}

// Halt stops capture, saves the live descriptors and refuses further
// changes. It can only run once.
func (r *Registry) Halt(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return ErrHalted
	}
	r.halted = true
	defer close(r.done)
	// Stopping first waits out the packet in flight, so the snapshot is final.
	r.stopSessionLocked()
	r.snapshotLocked()

	var saveErr error
	if r.saver != nil {
		r.logger.Info("Saving knocks", "count", len(r.descs))
		if saveErr = r.saver.SaveDescriptors(ctx, r.descs); saveErr != nil {
			saveErr = fmt.Errorf("failed to save knocks: %w", saveErr)
		}
	}
	r.active = nil
	metrics.ActiveKnocks.Set(0)
	return saveErr
}

// Done is closed when Halt has run.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Capturing reports whether a capture session is running.
func (r *Registry) Capturing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Filter is the filter installed for the current knock set.
func (r *Registry) Filter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.Filter()
}

func validated(d *model.Descriptor) (*model.Descriptor, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", model.ErrInvalidDescriptor)
	}
	c := d.Clone()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// snapshotLocked refreshes r.descs from the running knocks so chain
// cursors and replay ledgers survive the next rebuild.
func (r *Registry) snapshotLocked() {
	if r.active == nil {
		return
	}
	knocks := r.active.Knocks()
	descs := make([]*model.Descriptor, 0, len(knocks))
	for _, k := range knocks {
		descs = append(descs, k.Descriptor())
	}
	r.descs = descs
}

// changeLocked applies edit to a fresh snapshot of the running knocks and
// rebuilds. While a capture session runs, the snapshot, the edit and the
// build all happen inside SwapListener, so no packet can advance a knock
// whose state has already been copied.
func (r *Registry) changeLocked(edit func()) {
	if r.session != nil && r.session.ended() {
		r.stopSessionLocked()
	}
	if r.session == nil {
		r.snapshotLocked()
		edit()
		r.installLocked(r.buildLocked())
		return
	}

	var d *engine.Dispatcher
	r.session.listenerID = r.session.src.SwapListener(r.session.listenerID, func() capture.Listener {
		r.snapshotLocked()
		edit()
		d = r.buildLocked()
		return d.Dispatch
	})
	r.installLocked(d)
}

// buildLocked turns r.descs into a new active dispatcher. Descriptors that
// fail to build are logged and dropped.
func (r *Registry) buildLocked() *engine.Dispatcher {
	knocks := make([]knock.Knock, 0, len(r.descs))
	kept := r.descs[:0]
	for _, d := range r.descs {
		k, err := knock.New(d, r.env, append([]knock.Option{knock.WithLogger(r.logger)}, r.knockOpts...)...)
		if err != nil {
			r.logger.Error("Failed to build knock", "knock", d.Desc(), "error", err)
			continue
		}
		knocks = append(knocks, k)
		kept = append(kept, d)
	}
	r.descs = kept

	d := engine.NewDispatcher(knocks)
	r.active = d
	metrics.Rebuilds.Inc()
	metrics.ActiveKnocks.Set(float64(d.Len()))
	return d
}

// installLocked points capture at d. With no knocks the session is
// stopped; with no session one is started.
func (r *Registry) installLocked(d *engine.Dispatcher) {
	if d.Len() == 0 {
		r.stopSessionLocked()
		return
	}
	if r.session == nil {
		if err := r.startSessionLocked(d); err != nil {
			r.logger.Error("Failed to start capture", "error", err)
		}
		return
	}
	if err := r.session.src.SetFilter(d.Filter()); err != nil {
		r.logger.Error("Failed to set capture filter", "filter", d.Filter(), "error", err)
		r.stopSessionLocked()
		return
	}
	r.logger.Info("Capture filter updated", "filter", d.Filter(), "knocks", d.Len())
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (r *Registry) startSessionLocked(d *engine.Dispatcher) error {
	src := r.newSource()
	device := r.cfg.Interface
	if device == "" {
		var err error
		if device, err = src.FindDevice(); err != nil {
			return err
		}
		r.logger.Info("Found capture device", "device", device)
	}
	if err := src.Open(device, r.cfg.Promiscuous); err != nil {
		return err
	}
	if err := src.SetFilter(d.Filter()); err != nil {
		src.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		src:        src,
		listenerID: src.AddListener(d.Dispatch),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.session = s
	go func() {
		defer close(s.done)
		if err := src.Capture(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Capture stopped", "device", device, "error", err)
		}
	}()
	r.logger.Info("Capture started", "device", device, "filter", d.Filter(), "knocks", d.Len())
	return nil
}

func (r *Registry) stopSessionLocked() {
	s := r.session
	if s == nil {
		return
	}
	r.session = nil
	s.src.RemoveListener(s.listenerID)
	s.cancel()
	if err := s.src.Close(); err != nil {
		r.logger.Error("Failed to close capture device", "error", err)
	}
	<-s.done
	r.logger.Info("Capture stopped")
}
