// Package session drives the capture→encode→finalize lifecycle of screen
// recordings: one active session at a time, a hard duration cap, and an
// in-memory newest-first history of finished artifacts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/screenclip/backend/internal/capture"
)

// MaxDurationSeconds is the hard recording cap. Not configurable upward.
const MaxDurationSeconds = 180

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting_permission"
	StatusActive     Status = "active"
	// StatusStopped is functionally idle; a new Start may follow.
	StatusStopped Status = "stopped"
)

var (
	// ErrAlreadyActive is returned by Start while a session is underway.
	ErrAlreadyActive = errors.New("session: recording already in progress")
	// ErrNoArtifact is returned when an operation needs a current artifact.
	ErrNoArtifact = errors.New("session: no recording available")
)

// Notifier receives session lifecycle events (status changes, ticks,
// artifact-ready). Implementations must not block.
type Notifier interface {
	Publish(event string, payload interface{})
}

// Snapshot is a point-in-time view of the controller for status queries.
type Snapshot struct {
	Status         Status `json:"status"`
	Elapsed        int    `json:"elapsed"`
	CurrentID      string `json:"current_id,omitempty"`
	PreviewPlaying bool   `json:"preview_playing"`
}

// activeSession holds everything owned by one recording attempt. It is
// created on a successful Start and discarded on Stop; sources are released
// exactly once via the released guard.
type activeSession struct {
	display   capture.Source
	mic       capture.Source
	rec       capture.Recorder
	elapsed   int
	chunks    [][]byte
	stopping  bool
	finalized bool
	released  bool
	stopTick  chan struct{}
}

// Controller owns the single recording session and the artifact history.
type Controller struct {
	provider capture.Provider
	handles  *HandleRegistry
	notify   Notifier
	log      *zap.Logger

	maxSeconds   int
	tickInterval time.Duration
	now          func() time.Time
	newID        func() string

	mu             sync.Mutex
	status         Status
	sess           *activeSession
	gen            uint64
	cancelAcquire  context.CancelFunc
	current        *Artifact
	history        []*Artifact
	previewPlaying bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithTickInterval overrides the 1 s timer period (tests).
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.tickInterval = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDFunc overrides artifact ID generation (tests).
func WithIDFunc(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// NewController creates a controller over the given capture provider.
// notify may be nil.
func NewController(provider capture.Provider, handles *HandleRegistry, notify Notifier, log *zap.Logger, opts ...Option) *Controller {
	if handles == nil {
		handles = NewHandleRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		provider:     provider,
		handles:      handles,
		notify:       notify,
		log:          log,
		maxSeconds:   MaxDurationSeconds,
		tickInterval: time.Second,
		now:          time.Now,
		status:       StatusIdle,
	}
	c.newID = func() string {
		return "rec-" + strconv.FormatInt(c.now().UnixNano(), 36)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) publish(event string, payload interface{}) {
	if c.notify != nil {
		c.notify.Publish(event, payload)
	}
}

// Start acquires a display source and a microphone source (two independent
// fallible requests), combines them into one recorder, and begins the timed
// recording window. Any acquisition failure releases whatever was already
// acquired and leaves the controller idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusActive || c.status == StatusRequesting {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.status = StatusRequesting
	acquireCtx, cancel := context.WithCancel(ctx)
	c.cancelAcquire = cancel
	c.mu.Unlock()
	defer cancel()

	c.publish("status", Snapshot{Status: StatusRequesting})

	abort := func(display, mic capture.Source, err error) error {
		if display != nil {
			_ = display.Close()
			stopTracks(display)
		}
		if mic != nil {
			_ = mic.Close()
			stopTracks(mic)
		}
		c.mu.Lock()
		c.status = StatusIdle
		c.cancelAcquire = nil
		c.mu.Unlock()
		c.publish("status", Snapshot{Status: StatusIdle})
		c.log.Warn("recording start aborted", zap.Error(err))
		return err
	}

	display, err := c.provider.RequestDisplay(acquireCtx)
	if err != nil {
		return abort(nil, nil, fmt.Errorf("acquire display: %w", err))
	}
	mic, err := c.provider.RequestMicrophone(acquireCtx)
	if err != nil {
		return abort(display, nil, fmt.Errorf("acquire microphone: %w", err))
	}
	// Stop may have aborted while the second request was resolving.
	if acquireCtx.Err() != nil {
		return abort(display, mic, capture.ErrCancelled)
	}

	rec, err := c.provider.NewRecorder(display, mic)
	if err != nil {
		return abort(display, mic, fmt.Errorf("build recorder: %w", err))
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	sess := &activeSession{
		display:  display,
		mic:      mic,
		rec:      rec,
		stopTick: make(chan struct{}),
	}
	c.sess = sess
	c.mu.Unlock()

	onData := func(chunk []byte) {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A flush callback can land after teardown; drop it.
		if c.gen != gen || sess.finalized {
			return
		}
		sess.chunks = append(sess.chunks, chunk)
	}

	if err := rec.Start(onData); err != nil {
		c.mu.Lock()
		sess.finalized = true
		c.sess = nil
		c.mu.Unlock()
		return abort(display, mic, fmt.Errorf("start encoder: %w", err))
	}

	c.mu.Lock()
	c.status = StatusActive
	c.cancelAcquire = nil
	c.mu.Unlock()

	go c.runTimer(sess)

	c.log.Info("recording started")
	c.publish("status", Snapshot{Status: StatusActive})
	return nil
}

// runTimer drives Tick once per interval until the session stops.
func (c *Controller) runTimer(sess *activeSession) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-sess.stopTick:
			return
		}
	}
}

// Tick advances the elapsed counter by one second and enforces the duration
// cap: the session is stopped synchronously the moment it reaches the limit,
// so duration never exceeds MaxDurationSeconds.
func (c *Controller) Tick() {
	c.mu.Lock()
	if c.status != StatusActive || c.sess == nil || c.sess.stopping {
		c.mu.Unlock()
		return
	}
	c.sess.elapsed++
	elapsed := c.sess.elapsed
	capped := elapsed >= c.maxSeconds
	c.mu.Unlock()

	c.publish("tick", Snapshot{Status: StatusActive, Elapsed: elapsed})
	if capped {
		if err := c.Stop(context.Background()); err != nil {
			c.log.Error("auto-stop at duration cap failed", zap.Error(err))
		}
	}
}

// Stop ends the active session: halts the encoder, waits for the buffered
// data to flush, assembles the artifact, and releases all capture tracks.
// Tracks are released even if finalization fails. Stop when idle is a no-op;
// Stop while permission is still being requested aborts the acquisition.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusIdle, StatusStopped:
		c.mu.Unlock()
		return nil
	case StatusRequesting:
		// Abort path: cancel the in-flight acquisition; Start's error path
		// releases anything already granted and restores idle.
		cancel := c.cancelAcquire
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}

	sess := c.sess
	if sess == nil || sess.stopping {
		c.mu.Unlock()
		return nil
	}
	sess.stopping = true
	close(sess.stopTick)
	c.mu.Unlock()

	// Blocks until the encoder has flushed buffered chunks through onData.
	flushErr := sess.rec.Stop(ctx)

	c.mu.Lock()
	sess.finalized = true
	chunks := sess.chunks
	elapsed := sess.elapsed
	c.sess = nil
	c.status = StatusStopped
	c.mu.Unlock()

	c.releaseSources(sess)

	if flushErr != nil {
		c.log.Error("recording finalize failed", zap.Error(flushErr), zap.Int("elapsed", elapsed))
		c.publish("recording_failed", map[string]string{"error": flushErr.Error()})
		c.publish("status", Snapshot{Status: StatusStopped})
		return fmt.Errorf("finalize recording: %w", flushErr)
	}

	var total int
	for _, ch := range chunks {
		total += len(ch)
	}
	if total == 0 {
		// Zero chunks delivered: suppress the artifact rather than keeping
		// an unplayable zero-byte clip around.
		c.log.Warn("recording produced no data, artifact suppressed", zap.Int("elapsed", elapsed))
		c.publish("status", Snapshot{Status: StatusStopped})
		return nil
	}

	payload := make([]byte, 0, total)
	for _, ch := range chunks {
		payload = append(payload, ch...)
	}

	artifact := &Artifact{
		ID:        c.newID(),
		Payload:   payload,
		Duration:  elapsed,
		CreatedAt: c.now(),
		Size:      int64(total),
	}
	artifact.Handle = c.handles.Create(artifact)

	c.mu.Lock()
	c.current = artifact
	c.history = append([]*Artifact{artifact}, c.history...)
	c.previewPlaying = false
	c.mu.Unlock()

	c.log.Info("recording stopped",
		zap.String("artifact_id", artifact.ID),
		zap.Int("duration", artifact.Duration),
		zap.Int64("size", artifact.Size),
	)
	c.publish("artifact_ready", artifact)
	c.publish("status", Snapshot{Status: StatusStopped, CurrentID: artifact.ID})
	return nil
}

// releaseSources stops all capture tracks exactly once.
func (c *Controller) releaseSources(sess *activeSession) {
	c.mu.Lock()
	if sess.released {
		c.mu.Unlock()
		return
	}
	sess.released = true
	c.mu.Unlock()

	for _, src := range []capture.Source{sess.display, sess.mic} {
		if src == nil {
			continue
		}
		stopTracks(src)
		if err := src.Close(); err != nil {
			c.log.Warn("release capture source", zap.Error(err))
		}
	}
}

func stopTracks(src capture.Source) {
	for _, t := range src.Tracks() {
		t.Stop()
	}
}

// TogglePreview flips the play/pause state of the current artifact's preview
// surface. Pure UI state, nothing persisted.
func (c *Controller) TogglePreview() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false, ErrNoArtifact
	}
	c.previewPlaying = !c.previewPlaying
	playing := c.previewPlaying
	go c.publish("preview_toggled", map[string]bool{"playing": playing})
	return playing, nil
}

// Status returns a point-in-time snapshot.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Status: c.status, PreviewPlaying: c.previewPlaying}
	if c.sess != nil {
		snap.Elapsed = c.sess.elapsed
	}
	if c.current != nil {
		snap.CurrentID = c.current.ID
	}
	return snap
}

// Current returns the most recently produced artifact, or nil.
func (c *Controller) Current() *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// History returns the artifact list, newest first.
func (c *Controller) History() []*Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Artifact, len(c.history))
	copy(out, c.history)
	return out
}

// Get returns an artifact from history by ID, or nil.
func (c *Controller) Get(id string) *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.history {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Evict removes an artifact from history and releases its playback handle.
func (c *Controller) Evict(id string) error {
	c.mu.Lock()
	var found *Artifact
	for i, a := range c.history {
		if a.ID == id {
			found = a
			c.history = append(c.history[:i], c.history[i+1:]...)
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		return ErrNoArtifact
	}
	if c.current == found {
		c.current = nil
		c.previewPlaying = false
	}
	c.mu.Unlock()

	c.handles.Release(found.Handle)
	return nil
}

// Close tears down the controller: stops any active session and releases
// every playback handle still held by history.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)

	c.mu.Lock()
	history := c.history
	c.history = nil
	c.current = nil
	c.mu.Unlock()

	for _, a := range history {
		c.handles.Release(a.Handle)
	}
	return err
}
