package transport

import (
	"errors"
	"sync"
)

var ErrCameraExists = errors.New("transport already pooled for camera and video id")

type poolKey struct {
	cameraID string
	videoID  string
}

type poolEntry struct {
	t    Transport
	refs int
}

// Pool maps (camera id, video id) pairs to open transports so that a second
// subscriber for the same pair attaches to the existing transport. A camera
// may have several video ids, e.g. live and playback on a reused connection.
type Pool struct {
	mu      sync.Mutex
	entries map[poolKey]*poolEntry
}

func NewPool() *Pool {
	return &Pool{entries: make(map[poolKey]*poolEntry)}
}

func (p *Pool) ContainsCameraByVideoID(videoID string) bool {
	_, ok := p.GetCameraByVideoID(videoID)
	return ok
}

// GetCameraByVideoID returns the transport serving videoID.
func (p *Pool) GetCameraByVideoID(videoID string) (Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		if k.videoID == videoID {
			return e.t, true
		}
	}
	return nil, false
}

// AddCamera pools t with one reference.
func (p *Pool) AddCamera(cameraID, videoID string, t Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{cameraID, videoID}
	if _, ok := p.entries[k]; ok {
		return ErrCameraExists
	}
	p.entries[k] = &poolEntry{t: t, refs: 1}
	return nil
}

// RemoveCamera removes the exact (cameraID, videoID) pair regardless of its
// references and returns its transport, or nil.
func (p *Pool) RemoveCamera(cameraID, videoID string) Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{cameraID, videoID}
	e, ok := p.entries[k]
	if !ok {
		return nil
	}
	delete(p.entries, k)
	return e.t
}

// Acquire adds a reference to a pooled transport.
func (p *Pool) Acquire(cameraID, videoID string) (Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[poolKey{cameraID, videoID}]
	if !ok {
		return nil, false
	}
	e.refs++
	return e.t, true
}

// Release drops a reference. When it was the last one the pair is removed
// and its transport returned for the caller to close.
func (p *Pool) Release(cameraID, videoID string) (Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{cameraID, videoID}
	e, ok := p.entries[k]
	if !ok {
		return nil, false
	}
	e.refs--
	if e.refs > 0 {
		return nil, false
	}
	delete(p.entries, k)
	return e.t, true
}

// Clear empties the pool and returns the transports it held.
func (p *Pool) Clear() []Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transport, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.t)
	}
	p.entries = make(map[poolKey]*poolEntry)
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Transports returns the pooled transports.
func (p *Pool) Transports() []Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transport, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.t)
	}
	return out
}
