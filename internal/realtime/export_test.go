package realtime

import "net/http"

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}

func snapshotClients(h *Hub) map[*Client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*Client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}
