package server

import (
	"sort"
	"sync"

	"github.com/omochice/wired-socket/pkg/protocol"
)

// Hub tracks the logged-in peers of a server by user id.
type Hub struct {
	peers map[uint32]*peer
	mu    sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		peers: make(map[uint32]*peer),
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.id] = p
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
}

func (h *Hub) get(id uint32) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// Count returns the number of logged-in peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// snapshot returns the peers ordered by user id.
func (h *Hub) snapshot() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// members returns the peers that joined chat.
func (h *Hub) members(chat uint32) []*peer {
	var out []*peer
	for _, p := range h.snapshot() {
		if p.inChat(chat) {
			out = append(out, p)
		}
	}
	return out
}

// broadcast sends msg to every member of chat. Failed sends are logged by
// the peer and do not stop the broadcast.
func (h *Hub) broadcast(chat uint32, msg *protocol.Message) {
	for _, p := range h.members(chat) {
		p.send(msg)
	}
}

func (h *Hub) closeAll() {
	for _, p := range h.snapshot() {
		p.close()
	}
}
