package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/screenclip/backend/internal/capture"
)

// fakeSource counts closes so tests can assert release-exactly-once.
type fakeSource struct {
	kind   capture.TrackKind
	mu     sync.Mutex
	closes int
	stops  int
	tracks []capture.Track
}

func newFakeSource(kind capture.TrackKind) *fakeSource {
	s := &fakeSource{kind: kind}
	s.tracks = []capture.Track{capture.NewStaticTrack(kind, func() {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
	})}
	return s
}

func (s *fakeSource) Tracks() []capture.Track { return s.tracks }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) trackStops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// fakeRecorder delivers scripted chunks: live ones on Start, flush ones
// during Stop (mimicking the encoder's asynchronous final flush).
type fakeRecorder struct {
	live    [][]byte
	flush   [][]byte
	stopErr error

	mu     sync.Mutex
	onData func([]byte)
	stops  int
}

func (r *fakeRecorder) Start(onData func([]byte)) error {
	r.mu.Lock()
	r.onData = onData
	r.mu.Unlock()
	for _, ch := range r.live {
		onData(ch)
	}
	return nil
}

func (r *fakeRecorder) Stop(context.Context) error {
	r.mu.Lock()
	r.stops++
	onData := r.onData
	r.mu.Unlock()
	for _, ch := range r.flush {
		onData(ch)
	}
	return r.stopErr
}

type fakeProvider struct {
	displayErr error
	micErr     error
	micBlocks  bool // RequestMicrophone waits for ctx cancellation

	mu        sync.Mutex
	displays  []*fakeSource
	mics      []*fakeSource
	recorders []*fakeRecorder
	nextRec   func() *fakeRecorder
}

func (p *fakeProvider) RequestDisplay(ctx context.Context) (capture.Source, error) {
	if p.displayErr != nil {
		return nil, p.displayErr
	}
	src := newFakeSource(capture.TrackVideo)
	p.mu.Lock()
	p.displays = append(p.displays, src)
	p.mu.Unlock()
	return src, nil
}

func (p *fakeProvider) RequestMicrophone(ctx context.Context) (capture.Source, error) {
	if p.micBlocks {
		<-ctx.Done()
		return nil, capture.ErrCancelled
	}
	if p.micErr != nil {
		return nil, p.micErr
	}
	src := newFakeSource(capture.TrackAudio)
	p.mu.Lock()
	p.mics = append(p.mics, src)
	p.mu.Unlock()
	return src, nil
}

func (p *fakeProvider) NewRecorder(display, mic capture.Source) (capture.Recorder, error) {
	var rec *fakeRecorder
	if p.nextRec != nil {
		rec = p.nextRec()
	} else {
		rec = &fakeRecorder{live: [][]byte{[]byte("chunk")}}
	}
	p.mu.Lock()
	p.recorders = append(p.recorders, rec)
	p.mu.Unlock()
	return rec, nil
}

// newTestController disables the autonomous timer so tests drive Tick.
func newTestController(p *fakeProvider, opts ...Option) *Controller {
	opts = append([]Option{WithTickInterval(time.Hour)}, opts...)
	return NewController(p, NewHandleRegistry(), nil, nil, opts...)
}

func TestStartStopProducesArtifact(t *testing.T) {
	p := &fakeProvider{nextRec: func() *fakeRecorder {
		return &fakeRecorder{
			live:  [][]byte{[]byte("abc"), []byte("defg")},
			flush: [][]byte{[]byte("hi")},
		}
	}}
	c := newTestController(p)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Status().Status; got != StatusActive {
		t.Fatalf("status = %v, want active", got)
	}
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	a := c.Current()
	if a == nil {
		t.Fatal("no artifact produced")
	}
	if a.Duration != 5 {
		t.Errorf("duration = %d, want 5", a.Duration)
	}
	// Payload size equals the sum of delivered chunk sizes, flush included.
	if want := int64(len("abc") + len("defg") + len("hi")); a.Size != want {
		t.Errorf("size = %d, want %d", a.Size, want)
	}
	if string(a.Payload) != "abcdefghi" {
		t.Errorf("payload = %q", a.Payload)
	}
	if len(c.History()) != 1 || c.History()[0] != a {
		t.Error("history should contain exactly the new artifact")
	}
	if a.Handle == "" {
		t.Error("artifact has no playback handle")
	}
}

func TestStartWhileActiveRejected(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(p)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	if len(p.displays) != 1 {
		t.Errorf("acquired %d display sources, want 1", len(p.displays))
	}
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	c := newTestController(&fakeProvider{})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop while idle = %v, want nil", err)
	}
	if c.Current() != nil || len(c.History()) != 0 {
		t.Error("no artifact should exist after idle stop")
	}
}

func TestAutoStopAtDurationCap(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(p)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// No explicit stop: the 180th tick must stop the session itself, and
	// further ticks must not advance anything.
	for i := 0; i < 200; i++ {
		c.Tick()
	}
	if got := c.Status().Status; got != StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}
	a := c.Current()
	if a == nil {
		t.Fatal("auto-stop produced no artifact")
	}
	if a.Duration != MaxDurationSeconds {
		t.Errorf("duration = %d, want %d", a.Duration, MaxDurationSeconds)
	}
}

func TestDurationNeverExceedsCap(t *testing.T) {
	for _, ticks := range []int{0, 1, 179, 180, 181, 500} {
		p := &fakeProvider{}
		c := newTestController(p)
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		for i := 0; i < ticks; i++ {
			c.Tick()
		}
		_ = c.Stop(context.Background())
		if a := c.Current(); a != nil && (a.Duration < 0 || a.Duration > MaxDurationSeconds) {
			t.Errorf("ticks=%d: duration %d out of [0,%d]", ticks, a.Duration, MaxDurationSeconds)
		}
	}
}

func TestAudioAcquisitionFailureReleasesDisplay(t *testing.T) {
	p := &fakeProvider{micErr: capture.ErrPermissionDenied}
	c := newTestController(p)

	err := c.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want permission denied", err)
	}
	if got := c.Status().Status; got != StatusIdle {
		t.Fatalf("status = %v, want idle", got)
	}
	if c.Current() != nil || len(c.History()) != 0 {
		t.Error("no artifact should exist after failed acquisition")
	}
	if len(p.displays) != 1 {
		t.Fatalf("expected one display acquisition, got %d", len(p.displays))
	}
	if p.displays[0].closes == 0 {
		t.Error("display source was not released after audio failure")
	}
	if p.displays[0].trackStops() == 0 {
		t.Error("display tracks were not stopped after audio failure")
	}

	// The controller must be re-entrant after a failed start.
	p.micErr = nil
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
}

func TestSequentialSessionsHistoryNewestFirst(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(p)

	for _, ticks := range []int{5, 10} {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		for i := 0; i < ticks; i++ {
			c.Tick()
		}
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	h := c.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].Duration != 10 || h[1].Duration != 5 {
		t.Errorf("history durations = [%d %d], want [10 5]", h[0].Duration, h[1].Duration)
	}
	if c.Current() != h[0] {
		t.Error("current should be the most recently stopped artifact")
	}
}

func TestSourcesReleasedOnceEvenWhenFinalizeFails(t *testing.T) {
	p := &fakeProvider{nextRec: func() *fakeRecorder {
		return &fakeRecorder{live: [][]byte{[]byte("x")}, stopErr: errors.New("flush failed")}
	}}
	c := newTestController(p)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Tick()
	if err := c.Stop(context.Background()); err == nil {
		t.Fatal("Stop should surface finalize failure")
	}
	if c.Current() != nil || len(c.History()) != 0 {
		t.Error("failed finalization must not produce an artifact")
	}
	if p.displays[0].closes != 1 || p.mics[0].closes != 1 {
		t.Errorf("source closes = %d/%d, want 1/1", p.displays[0].closes, p.mics[0].closes)
	}
	if p.displays[0].trackStops() != 1 || p.mics[0].trackStops() != 1 {
		t.Errorf("track stops = %d/%d, want 1/1", p.displays[0].trackStops(), p.mics[0].trackStops())
	}
	// Stop again: already idle, must not double-release.
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if p.displays[0].closes != 1 {
		t.Error("display released more than once")
	}
}

func TestEmptyPayloadSuppressesArtifact(t *testing.T) {
	p := &fakeProvider{nextRec: func() *fakeRecorder { return &fakeRecorder{} }}
	c := newTestController(p)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Tick()
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Current() != nil || len(c.History()) != 0 {
		t.Error("zero-chunk session must not produce an artifact")
	}
	if p.displays[0].closes != 1 {
		t.Error("sources must still be released")
	}
}

func TestStopDuringAcquisitionAborts(t *testing.T) {
	p := &fakeProvider{micBlocks: true}
	c := newTestController(p)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	// Wait for the controller to enter the permission-prompt phase.
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().Status != StatusRequesting {
		if time.Now().After(deadline) {
			t.Fatal("controller never reached requesting state")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop during acquisition: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, capture.ErrCancelled) {
			t.Fatalf("Start = %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after abort")
	}

	if got := c.Status().Status; got != StatusIdle {
		t.Fatalf("status = %v, want idle", got)
	}
	if len(c.History()) != 0 {
		t.Error("aborted start must not produce an artifact")
	}
	if len(p.displays) == 1 && p.displays[0].closes == 0 {
		t.Error("display acquired before abort was not released")
	}
}

func TestLateFlushCallbackIgnored(t *testing.T) {
	var rec *fakeRecorder
	p := &fakeProvider{nextRec: func() *fakeRecorder {
		rec = &fakeRecorder{live: [][]byte{[]byte("data")}}
		return rec
	}}
	c := newTestController(p)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Tick()
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	before := c.Current().Size

	// A callback arriving after teardown must neither panic nor mutate the
	// finished artifact.
	rec.onData([]byte("straggler"))

	if got := c.Current().Size; got != before {
		t.Errorf("late chunk mutated artifact: size %d → %d", before, got)
	}
}

func TestDownloadFilename(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 987000000, time.UTC)
	a := &Artifact{CreatedAt: ts}
	if got, want := DownloadFilename(a), "screen-recording-2025-01-02T03:04:05.webm"; got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}

	// Non-UTC creation times normalize to UTC.
	loc := time.FixedZone("plus2", 2*3600)
	a = &Artifact{CreatedAt: time.Date(2025, 1, 2, 5, 4, 5, 0, loc)}
	if got, want := DownloadFilename(a), "screen-recording-2025-01-02T03:04:05.webm"; got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}
}

func TestTogglePreview(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(p)

	if _, err := c.TogglePreview(); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("toggle without artifact = %v, want ErrNoArtifact", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Tick()
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	playing, err := c.TogglePreview()
	if err != nil || !playing {
		t.Fatalf("first toggle = (%v, %v), want (true, nil)", playing, err)
	}
	playing, _ = c.TogglePreview()
	if playing {
		t.Error("second toggle should pause")
	}
}

func TestEvictReleasesHandle(t *testing.T) {
	p := &fakeProvider{}
	handles := NewHandleRegistry()
	c := NewController(p, handles, nil, nil, WithTickInterval(time.Hour))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Tick()
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	a := c.Current()
	if handles.Resolve(a.Handle) != a {
		t.Fatal("handle does not resolve to artifact")
	}
	if err := c.Evict(a.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if handles.Resolve(a.Handle) != nil {
		t.Error("handle still resolvable after eviction")
	}
	if c.Current() != nil || len(c.History()) != 0 {
		t.Error("evicted artifact still present")
	}
	if err := c.Evict(a.ID); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("second evict = %v, want ErrNoArtifact", err)
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	p := &fakeProvider{}
	handles := NewHandleRegistry()
	c := NewController(p, handles, nil, nil, WithTickInterval(time.Hour))

	for i := 0; i < 3; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		c.Tick()
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
	}
	if handles.Len() != 3 {
		t.Fatalf("live handles = %d, want 3", handles.Len())
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if handles.Len() != 0 {
		t.Errorf("live handles after close = %d, want 0", handles.Len())
	}
}

func TestTimeBasedArtifactIDsAreUnique(t *testing.T) {
	p := &fakeProvider{}
	var fake int64
	c := newTestController(p, WithClock(func() time.Time {
		fake++
		return time.Unix(0, fake)
	}))

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.Tick()
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		id := c.Current().ID
		if seen[id] {
			t.Fatalf("duplicate artifact ID %q", id)
		}
		seen[id] = true
	}
	if len(c.History()) != 10 {
		t.Errorf("history length = %d, want 10", len(c.History()))
	}
}

func TestHistoryAfterNSessions(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(p)
	const n = 4
	for i := 0; i < n; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		for j := 0; j <= i; j++ {
			c.Tick()
		}
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	h := c.History()
	if len(h) != n {
		t.Fatalf("history length = %d, want %d", len(h), n)
	}
	for i := 0; i < n; i++ {
		if want := n - i; h[i].Duration != want {
			t.Errorf("history[%d].Duration = %d, want %d", i, h[i].Duration, want)
		}
	}
}

func ExampleDownloadFilename() {
	a := &Artifact{CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	fmt.Println(DownloadFilename(a))
	// Output: screen-recording-2025-01-02T03:04:05.webm
}
