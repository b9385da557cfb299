package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP payload types written into the SDP handed to ffmpeg (must match the
// rewrite in forwardRTP).
const (
	payloadTypeVideo = 96
	payloadTypeAudio = 97
	rtpBufferSize    = 1500
)

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// WebRTCConfig holds signaling and mux settings for browser capture.
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	FFmpegPath string // mux binary; empty = "ffmpeg"
	WorkDir    string // SDP scratch files; empty = os.TempDir()
}

// WebRTCProvider receives a browser's screen-share and microphone tracks
// over a pion PeerConnection. The browser performs the actual permission
// prompts; a denial is signaled back and surfaced as ErrPermissionDenied to
// the pending request. Video and audio arrivals are awaited independently.
type WebRTCProvider struct {
	cfg WebRTCConfig
	log *zap.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	videoC chan trackResult
	audioC chan trackResult
}

type trackResult struct {
	track *webrtc.TrackRemote
	err   error
}

// NewWebRTCProvider creates a browser-backed capture provider.
func NewWebRTCProvider(cfg WebRTCConfig, log *zap.Logger) *WebRTCProvider {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebRTCProvider{
		cfg:    cfg,
		log:    log,
		videoC: make(chan trackResult, 1),
		audioC: make(chan trackResult, 1),
	}
}

// HandleOffer accepts the browser's SDP offer and returns the answer. Tracks
// arriving on the connection satisfy pending RequestDisplay/RequestMicrophone
// calls.
func (p *WebRTCProvider) HandleOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc != nil {
		_ = p.pc.Close()
		p.pc = nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.deliverTrack(track)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	<-gathered
	p.pc = pc
	return pc.LocalDescription(), nil
}

func (p *WebRTCProvider) deliverTrack(track *webrtc.TrackRemote) {
	ch := p.videoC
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		ch = p.audioC
	}
	select {
	case ch <- trackResult{track: track}:
	default:
		p.log.Warn("unexpected extra track dropped", zap.String("kind", track.Kind().String()))
	}
}

// SignalDenied reports that the browser refused access to a source kind.
func (p *WebRTCProvider) SignalDenied(kind TrackKind) {
	ch := p.videoC
	if kind == TrackAudio {
		ch = p.audioC
	}
	select {
	case ch <- trackResult{err: ErrPermissionDenied}:
	default:
	}
}

func (p *WebRTCProvider) await(ctx context.Context, ch chan trackResult, kind TrackKind) (Source, error) {
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return newRemoteSource(res.track, kind), nil
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// RequestDisplay waits for the browser's screen-share video track.
func (p *WebRTCProvider) RequestDisplay(ctx context.Context) (Source, error) {
	return p.await(ctx, p.videoC, TrackVideo)
}

// RequestMicrophone waits for the browser's microphone audio track.
func (p *WebRTCProvider) RequestMicrophone(ctx context.Context) (Source, error) {
	return p.await(ctx, p.audioC, TrackAudio)
}

// Close tears down the peer connection.
func (p *WebRTCProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc != nil {
		err := p.pc.Close()
		p.pc = nil
		return err
	}
	return nil
}

// remoteSource wraps one browser track as a Source.
type remoteSource struct {
	remote *webrtc.TrackRemote
	kind   TrackKind
	mu     sync.Mutex
	closed bool
	tracks []Track
}

func newRemoteSource(remote *webrtc.TrackRemote, kind TrackKind) *remoteSource {
	s := &remoteSource{remote: remote, kind: kind}
	s.tracks = []Track{NewStaticTrack(kind, func() { _ = s.Close() })}
	return s
}

func (s *remoteSource) Tracks() []Track { return s.tracks }

func (s *remoteSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// NewRecorder builds an RTP-to-WebM mux: RTP from both remote tracks is
// relayed over loopback UDP into an ffmpeg process that remuxes the VP8 and
// Opus streams (no transcode) into WebM chunks on stdout.
func (p *WebRTCProvider) NewRecorder(display, mic Source) (Recorder, error) {
	d, ok := display.(*remoteSource)
	if !ok {
		return nil, fmt.Errorf("display source is not a browser track")
	}
	m, ok := mic.(*remoteSource)
	if !ok {
		return nil, fmt.Errorf("microphone source is not a browser track")
	}
	return &rtpMuxRecorder{
		bin:     p.cfg.FFmpegPath,
		workDir: p.cfg.WorkDir,
		video:   d.remote,
		audio:   m.remote,
		log:     p.log,
	}, nil
}

// rtpMuxRecorder relays RTP packets to ffmpeg UDP inputs described by a
// generated SDP and streams the muxed WebM from stdout.
type rtpMuxRecorder struct {
	bin     string
	workDir string
	video   *webrtc.TrackRemote
	audio   *webrtc.TrackRemote
	log     *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	sdpPath   string
	videoConn *net.UDPConn
	audioConn *net.UDPConn
	done      chan struct{}
	stopped   bool
}

func muxSDP(videoPort, audioPort int) string {
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		fmt.Sprintf("m=video %d RTP/AVP %d\r\na=rtpmap:%d VP8/90000\r\n", videoPort, payloadTypeVideo, payloadTypeVideo) +
		fmt.Sprintf("m=audio %d RTP/AVP %d\r\na=rtpmap:%d opus/48000/2\r\n", audioPort, payloadTypeAudio, payloadTypeAudio)
}

func freeUDPPort(fallback int) int {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fallback
	}
	port := l.LocalAddr().(*net.UDPAddr).Port
	l.Close()
	return port
}

func (r *rtpMuxRecorder) Start(onData func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("recorder already started")
	}

	videoPort := freeUDPPort(5000)
	audioPort := freeUDPPort(5002)

	sdpPath := filepath.Join(r.workDir, fmt.Sprintf("capture-%d.sdp", time.Now().UnixNano()))
	if err := os.WriteFile(sdpPath, []byte(muxSDP(videoPort, audioPort)), 0600); err != nil {
		return fmt.Errorf("write sdp: %w", err)
	}

	cmd := exec.Command(r.bin,
		"-protocol_whitelist", "file,udp,rtp",
		"-f", "sdp", "-i", sdpPath,
		"-c", "copy",
		"-f", "webm",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(sdpPath)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		_ = os.Remove(sdpPath)
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	videoAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", videoPort))
	audioAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", audioPort))
	videoConn, err1 := net.DialUDP("udp", nil, videoAddr)
	audioConn, err2 := net.DialUDP("udp", nil, audioAddr)
	if err1 != nil || err2 != nil {
		_ = cmd.Process.Kill()
		if videoConn != nil {
			videoConn.Close()
		}
		if audioConn != nil {
			audioConn.Close()
		}
		_ = os.Remove(sdpPath)
		return fmt.Errorf("udp dial: %v / %v", err1, err2)
	}

	r.cmd = cmd
	r.sdpPath = sdpPath
	r.videoConn = videoConn
	r.audioConn = audioConn
	r.done = make(chan struct{})

	go r.forwardRTP(r.video, videoConn, payloadTypeVideo)
	go r.forwardRTP(r.audio, audioConn, payloadTypeAudio)

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
					r.log.Warn("mux stdout read", zap.Error(err))
				}
				break
			}
		}
		_ = cmd.Wait()
	}()
	return nil
}

// forwardRTP copies packets from the remote track to ffmpeg, rewriting the
// payload type (lower 7 bits of the second byte) to match the SDP.
func (r *rtpMuxRecorder) forwardRTP(track *webrtc.TrackRemote, conn *net.UDPConn, pt byte) {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := track.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		if n >= 2 {
			buf[1] = (buf[1] & 0x80) | pt
			if _, err := conn.Write(buf[:n]); err != nil {
				rtpBufferPool.Put(ptr)
				return
			}
		}
		rtpBufferPool.Put(ptr)
	}
}

// Stop closes the UDP inputs so ffmpeg sees end of stream, then drains the
// remaining muxed output.
func (r *rtpMuxRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.cmd == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cmd := r.cmd
	videoConn := r.videoConn
	audioConn := r.audioConn
	sdpPath := r.sdpPath
	done := r.done
	r.videoConn = nil
	r.audioConn = nil
	r.mu.Unlock()

	if videoConn != nil {
		_ = videoConn.Close()
	}
	if audioConn != nil {
		_ = audioConn.Close()
	}

	// ffmpeg keeps reading the SDP inputs until killed; interrupt lets it
	// write the WebM trailer before exiting.
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	var err error
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		err = fmt.Errorf("mux did not flush in time")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		err = ctx.Err()
	}
	_ = os.Remove(sdpPath)
	return err
}
