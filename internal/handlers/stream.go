package handlers

import (
	"net/http"
)

// Subscribe opens the long-lived event stream for a chat. The relay replays
// current stream state, then forwards queued events until a terminal event,
// reader disconnect, or the connection lifetime ceiling.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	chat, err := h.ownedChat(r)
	if err != nil {
		h.AppError(w, err)
		return
	}

	if err := h.relay.Serve(w, r, chat.ID.String()); err != nil {
		// Headers are already written once streaming starts; only pre-stream
		// failures can still produce a JSON error.
		h.AppError(w, err)
	}
}
