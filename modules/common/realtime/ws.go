package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"photo-enhance-server/modules/common/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// 브라우저 클라이언트는 별도 도메인에서 접속
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message - websocket으로 전송되는 메시지
type Message struct {
	Type string     `json:"type"`
	Job  *model.Job `json:"job"`
}

// ServeJob upgrades the request and streams snapshots of jobID, starting with
// current. The connection is closed after a terminal snapshot is written.
func (h *Hub) ServeJob(w http.ResponseWriter, r *http.Request, current *model.Job) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ [Realtime] WebSocket upgrade failed: %v", err)
		return
	}

	jobID := current.ID
	log.Printf("🔍 [Realtime] New WebSocket subscriber for job %s", jobID)

	sub := h.Subscribe(jobID)
	done := make(chan struct{})
	go readPump(conn, done)
	h.writePump(conn, sub, current, done)
}

// readPump - 클라이언트 메시지는 무시하고 종료만 감지
func readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ [Realtime] WebSocket read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber, current *model.Job, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.Unsubscribe(sub)
		conn.Close()
	}()

	last := current
	if err := writeJob(conn, last); err != nil || last.Status.IsTerminal() {
		closeConn(conn)
		return
	}

	for {
		select {
		case job, ok := <-sub.C:
			if !ok {
				closeConn(conn)
				return
			}
			// 이미 보낸 것보다 오래된 스냅샷은 건너뜀
			if job.UpdatedAt.Before(last.UpdatedAt) {
				continue
			}
			last = job
			if err := writeJob(conn, job); err != nil {
				log.Printf("⚠️ [Realtime] WebSocket write error: %v", err)
				return
			}
			if job.Status.IsTerminal() {
				log.Printf("🏁 [Realtime] Job %s reached %s, closing stream", job.ID, job.Status)
				closeConn(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeJob(conn *websocket.Conn, job *model.Job) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Message{Type: "job_update", Job: job})
}

func closeConn(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
