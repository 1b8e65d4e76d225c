package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// RegisterRoutes mounts the WebSocket endpoint and its REST companions:
//
//	GET /ws                        upgrade, optional ?last_ts=
//	GET /api/v1/stream/latest      last payload per channel
//	GET /api/v1/stream/missed      ?channel=&from=&to= replay for gap backfill
func RegisterRoutes(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		hub.Attach(conn, r.URL.Query().Get("last_ts"))
	})

	mux.HandleFunc("GET /api/v1/stream/latest", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]json.RawMessage)
		for ch, data := range hub.Latest() {
			out[ch] = data
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/v1/stream/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		channel := q.Get("channel")
		from, errFrom := strconv.ParseInt(q.Get("from"), 10, 64)
		to, errTo := strconv.ParseInt(q.Get("to"), 10, 64)
		if channel == "" || errFrom != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel and from are required"})
			return
		}
		if errTo != nil {
			to = hub.ChannelSeq(channel)
		}
		envelopes := hub.ReplayRange(channel, from, to)
		msgs := make([]json.RawMessage, len(envelopes))
		for i, e := range envelopes {
			msgs[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channel":  channel,
			"seq":      hub.ChannelSeq(channel),
			"messages": msgs,
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
