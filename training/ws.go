package training

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ProgressEvent is the payload fanned out to websocket subscribers after
// each pipeline step and on terminal transitions.
type ProgressEvent struct {
	JobID    uint64  `json:"job_id"`
	Progress float64 `json:"progress"`
	Step     string  `json:"current_step"`
	Status   string  `json:"status"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ProgressHub fans progress events out to websocket subscribers per job.
// Subscribers on a finished job receive the terminal event and are then
// dropped.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[uint64]map[*websocket.Conn]struct{}
}

// NewProgressHub returns an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{subscribers: make(map[uint64]map[*websocket.Conn]struct{})}
}

// Subscribe upgrades the request and registers the connection for one job's
// events. The read loop only watches for the client closing the socket.
func (h *ProgressHub) Subscribe(w http.ResponseWriter, r *http.Request, jobID uint64) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.subscribers[jobID] == nil {
		h.subscribers[jobID] = make(map[*websocket.Conn]struct{})
	}
	h.subscribers[jobID][conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(jobID, conn)
				return
			}
		}
	}()
	return nil
}

// Publish sends an event to every subscriber of the job. Send failures drop
// the subscriber; terminal events drop everyone after delivery.
func (h *ProgressHub) Publish(event ProgressEvent) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subscribers[event.JobID]))
	for conn := range h.subscribers[event.JobID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("training: websocket send for job %d failed: %v", event.JobID, err)
			h.drop(event.JobID, conn)
		}
	}

	if IsTerminal(event.Status) {
		h.closeJob(event.JobID)
	}
}

func (h *ProgressHub) drop(jobID uint64, conn *websocket.Conn) {
	h.mu.Lock()
	if subs, ok := h.subscribers[jobID]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subscribers, jobID)
		}
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *ProgressHub) closeJob(jobID uint64) {
	h.mu.Lock()
	subs := h.subscribers[jobID]
	delete(h.subscribers, jobID)
	h.mu.Unlock()

	for conn := range subs {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "training finished"))
		_ = conn.Close()
	}
}
