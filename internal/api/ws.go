package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket bridge onto the broadcast hub. Clients subscribe to topics
// (presence channels, their own session kick topic) via the query string and
// receive every payload published there. Inbound frames are published back
// into the hub, which is how web clients deliver presence track payloads.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 8192
)

// wsFrame is the envelope for inbound publishes.
type wsFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// wsDelivery is the envelope for outbound deliveries.
type wsDelivery struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		writeError(w, http.StatusBadRequest, "missing topics query param")
		return
	}
	topics := strings.Split(topicsParam, ",")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	send := make(chan wsDelivery, 64)
	done := make(chan struct{})

	// One hub subscription per requested topic, all funneled to one socket.
	var cancels []func()
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		ch, cancel := s.hub.Listen(topic)
		cancels = append(cancels, cancel)

		go func(topic string, ch <-chan []byte) {
			for {
				select {
				case <-done:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					select {
					case send <- wsDelivery{Topic: topic, Payload: payload}:
					default:
						// Slow socket: drop rather than block the hub.
					}
				}
			}
		}(topic, ch)
	}

	go s.wsWritePump(conn, send, done)
	go s.wsReadPump(conn, done, cancels)
}

func (s *Server) wsReadPump(conn *websocket.Conn, done chan struct{}, cancels []func()) {
	defer func() {
		close(done)
		for _, cancel := range cancels {
			cancel()
		}
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Topic == "" {
			log.Printf("api: dropping malformed websocket frame: %v", err)
			continue
		}
		if err := s.hub.Notify(context.Background(), frame.Topic, frame.Payload); err != nil {
			log.Printf("api: websocket publish to %s failed: %v", frame.Topic, err)
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, send <-chan wsDelivery, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case delivery := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			encoded, err := json.Marshal(delivery)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
