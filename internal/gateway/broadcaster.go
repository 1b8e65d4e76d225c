package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Broadcast sends data published on channel to every client subscribed to
// it. The envelope is assembled by hand and carries a global seq plus a
// per-channel channel_seq for client-side gap detection.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now().UTC()

	if h.OnLatency != nil {
		if srcTS := signalTS(data); !srcTS.IsZero() {
			if d := now.Sub(srcTS); d >= 0 {
				h.OnLatency(d)
			}
		}
	}

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	seq := h.seq
	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(replayDepth)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')

	rb.Push(channelSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			// slow consumer; it will catch up through /missed
		}
	}
}

// signalTS extracts signal.timestamp from a published signal envelope.
func signalTS(data []byte) time.Time {
	var partial struct {
		Signal struct {
			TS time.Time `json:"timestamp"`
		} `json:"signal"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return time.Time{}
	}
	return partial.Signal.TS
}
