package capture

import (
	"strings"
	"testing"
)

func TestStaticTrackReleasesOnce(t *testing.T) {
	calls := 0
	track := NewStaticTrack(TrackVideo, func() { calls++ })

	track.Stop()
	track.Stop()

	if calls != 1 {
		t.Errorf("release calls = %d, want 1", calls)
	}
	if track.Kind() != TrackVideo {
		t.Errorf("kind = %v, want video", track.Kind())
	}
}

func TestStaticTrackNilRelease(t *testing.T) {
	track := NewStaticTrack(TrackAudio, nil)
	track.Stop() // must not panic
}

func TestMuxSDPDescribesBothStreams(t *testing.T) {
	sdp := muxSDP(5004, 5006)

	for _, want := range []string{
		"m=video 5004",
		"m=audio 5006",
		"VP8/90000",
		"opus/48000/2",
	} {
		if !strings.Contains(sdp, want) {
			t.Errorf("sdp missing %q:\n%s", want, sdp)
		}
	}
	if !strings.HasPrefix(sdp, "v=0\r\n") {
		t.Error("sdp must start with v=0")
	}
}
