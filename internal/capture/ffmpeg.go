package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FFmpegConfig holds device settings for local capture.
type FFmpegConfig struct {
	BinaryPath   string // ffmpeg binary; empty = "ffmpeg" from PATH
	DisplayInput string // e.g. ":0.0" for x11grab
	AudioInput   string // e.g. "default" for pulse
	FrameRate    int    // capture frame rate; 0 = 30
}

// FFmpegProvider grants local display and microphone sources and muxes them
// with an ffmpeg child process emitting WebM to stdout.
type FFmpegProvider struct {
	cfg FFmpegConfig
	log *zap.Logger
}

// NewFFmpegProvider creates a provider for local device capture.
func NewFFmpegProvider(cfg FFmpegConfig, log *zap.Logger) *FFmpegProvider {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "ffmpeg"
	}
	if cfg.DisplayInput == "" {
		cfg.DisplayInput = ":0.0"
	}
	if cfg.AudioInput == "" {
		cfg.AudioInput = "default"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpegProvider{cfg: cfg, log: log}
}

// CheckAvailable verifies the ffmpeg binary is installed.
func (p *FFmpegProvider) CheckAvailable() error {
	out, err := exec.Command(p.cfg.BinaryPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if !strings.Contains(string(out), "ffmpeg version") {
		return fmt.Errorf("ffmpeg not properly installed")
	}
	return nil
}

// deviceSource describes a local device picked for capture. Tracks carry no
// per-track hardware handle; the ffmpeg process owns the devices while it
// runs, so release is a bookkeeping stop.
type deviceSource struct {
	input  string
	kind   TrackKind
	tracks []Track
	mu     sync.Mutex
	closed bool
}

func (s *deviceSource) Tracks() []Track { return s.tracks }

func (s *deviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.tracks {
		t.Stop()
	}
	return nil
}

// RequestDisplay grants the configured X11 display as a video source.
func (p *FFmpegProvider) RequestDisplay(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	if os.Getenv("DISPLAY") == "" && strings.HasPrefix(p.cfg.DisplayInput, ":") {
		return nil, fmt.Errorf("display %q: %w", p.cfg.DisplayInput, ErrNoDevice)
	}
	src := &deviceSource{input: p.cfg.DisplayInput, kind: TrackVideo}
	src.tracks = []Track{NewStaticTrack(TrackVideo, nil)}
	return src, nil
}

// RequestMicrophone grants the configured pulse audio device.
func (p *FFmpegProvider) RequestMicrophone(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	src := &deviceSource{input: p.cfg.AudioInput, kind: TrackAudio}
	src.tracks = []Track{NewStaticTrack(TrackAudio, nil)}
	return src, nil
}

// NewRecorder builds an ffmpeg mux over the two device sources.
func (p *FFmpegProvider) NewRecorder(display, mic Source) (Recorder, error) {
	d, ok := display.(*deviceSource)
	if !ok {
		return nil, fmt.Errorf("display source is not a local device")
	}
	m, ok := mic.(*deviceSource)
	if !ok {
		return nil, fmt.Errorf("microphone source is not a local device")
	}
	return &ffmpegRecorder{
		bin:       p.cfg.BinaryPath,
		display:   d.input,
		audio:     m.input,
		frameRate: p.cfg.FrameRate,
		log:       p.log,
	}, nil
}

// ffmpegRecorder runs ffmpeg with x11grab + pulse inputs, VP8/Opus WebM to
// stdout, and forwards stdout reads to onData until the process exits.
type ffmpegRecorder struct {
	bin       string
	display   string
	audio     string
	frameRate int
	log       *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	stopped bool
}

func (r *ffmpegRecorder) Start(onData func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("recorder already started")
	}

	cmd := exec.Command(r.bin,
		"-f", "x11grab", "-framerate", fmt.Sprintf("%d", r.frameRate), "-i", r.display,
		"-f", "pulse", "-i", r.audio,
		"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8",
		"-c:a", "libopus",
		"-f", "webm",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		reader := bufio.NewReaderSize(stdout, 64*1024)
		buf := make([]byte, 32*1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err != nil {
				if err != io.EOF {
					r.log.Warn("ffmpeg stdout read", zap.Error(err))
				}
				break
			}
		}
		_ = cmd.Wait()
	}()
	return nil
}

// Stop asks ffmpeg to finish ("q" on stdin flushes the container trailer),
// then waits for the reader goroutine to drain remaining output.
func (r *ffmpegRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.cmd == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cmd := r.cmd
	stdin := r.stdin
	done := r.done
	r.mu.Unlock()

	if stdin != nil {
		_, _ = io.WriteString(stdin, "q")
		_ = stdin.Close()
	}

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("ffmpeg did not flush in time")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}
