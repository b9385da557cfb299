package session

import (
	"sync"
	"time"
)

// Artifact is a finished, immutable recorded clip.
type Artifact struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"-"`
	Handle    string    `json:"handle"`
	Duration  int       `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// DownloadFilename returns the conventional save-to-disk name for an
// artifact: screen-recording-<ISO8601 UTC seconds>.webm.
func DownloadFilename(a *Artifact) string {
	return "screen-recording-" + a.CreatedAt.UTC().Format("2006-01-02T15:04:05") + ".webm"
}

// HandleRegistry pairs every playback handle with an explicit release.
// Handles keep the artifact payload reachable for viewers; releasing the
// handle is what frees that memory, so create/release must stay balanced.
type HandleRegistry struct {
	mu      sync.Mutex
	entries map[string]*Artifact
}

// NewHandleRegistry creates an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{entries: make(map[string]*Artifact)}
}

// Create registers a playback handle for the artifact and returns it.
func (r *HandleRegistry) Create(a *Artifact) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := "clip/" + a.ID
	r.entries[handle] = a
	return handle
}

// Resolve returns the artifact behind a handle, or nil if released.
func (r *HandleRegistry) Resolve(handle string) *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[handle]
}

// Release invalidates a handle. Releasing an unknown or already-released
// handle is a no-op, so teardown paths can call it unconditionally.
func (r *HandleRegistry) Release(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, handle)
}

// Len reports how many handles are currently live.
func (r *HandleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
