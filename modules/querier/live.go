package querier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/vantage-obs/vantage/pkg/model"
)

const (
	pingInterval = 30 * time.Second
	// a peer silent for two ping intervals is considered gone
	pongWait = 2 * pingInterval
	// deadline for draining the send buffer on server close
	closeDrainWait = 2 * time.Second

	liveTailLimit = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the query API is same-infrastructure; dashboards connect cross-origin
	CheckOrigin: func(*http.Request) bool { return true },
}

type liveFrame struct {
	Type    string      `json:"type"` // "rows" or "dropped"
	Rows    []model.Row `json:"rows,omitempty"`
	Dropped uint64      `json:"dropped,omitempty"`
}

// liveBuffer is the per-connection bounded send queue. On overflow the
// oldest frame is dropped and the drop is reported in-band; the connection
// stays up.
type liveBuffer struct {
	mtx     sync.Mutex
	frames  []liveFrame
	cap     int
	dropped uint64
	notify  chan struct{}
}

func newLiveBuffer(capacity int) *liveBuffer {
	return &liveBuffer{cap: capacity, notify: make(chan struct{}, 1)}
}

func (b *liveBuffer) push(f liveFrame) {
	b.mtx.Lock()
	if len(b.frames) >= b.cap {
		b.frames = b.frames[1:]
		b.dropped++
	}
	b.frames = append(b.frames, f)
	b.mtx.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// pop returns the next frame. When drops happened since the last pop, a
// control frame reporting them is returned first.
func (b *liveBuffer) pop() (liveFrame, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.dropped > 0 {
		f := liveFrame{Type: "dropped", Dropped: b.dropped}
		b.dropped = 0
		return f, true
	}
	if len(b.frames) == 0 {
		return liveFrame{}, false
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, true
}

func (b *liveBuffer) len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.frames)
}

func (q *Querier) handleLive(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := log.With(q.logger, "remote", conn.RemoteAddr().String(), "service", service)
	level.Debug(logger).Log("msg", "live connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	buf := newLiveBuffer(q.cfg.LiveBufferSize)

	// reader: consumes pongs and detects peer close
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// poller: tails storage from the connection's cursor. Ids pack publish
	// time, so id order gives per-connection monotonic timestamps.
	go func() {
		cursor := uint64(time.Now().UnixMilli()) << 20
		ticker := time.NewTicker(q.cfg.LivePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rows, err := q.store.TailRows(ctx, service, cursor, liveTailLimit)
				if err != nil {
					level.Warn(logger).Log("msg", "live tail failed", "err", err)
					continue
				}
				if len(rows) == 0 {
					continue
				}
				cursor = rows[len(rows)-1].ID
				buf.push(liveFrame{Type: "rows", Rows: rows})
			}
		}
	}()

	// writer: drains the buffer and keeps the heartbeat
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			// drain what is buffered, bounded
			deadline := time.Now().Add(closeDrainWait)
			for {
				f, ok := buf.pop()
				if !ok || time.Now().After(deadline) {
					break
				}
				conn.SetWriteDeadline(deadline)
				if err := conn.WriteJSON(f); err != nil {
					break
				}
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-buf.notify:
			for {
				f, ok := buf.pop()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}
	}
}
