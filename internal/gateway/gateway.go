// Package gateway terminates client websocket connections: inbound audio
// frames and control messages, outbound synthesized audio and session
// events.
//
// Wire format: binary messages carry one audio payload prefixed with a
// single type byte (0x01), in both directions. Text messages are JSON:
// control requests from the client, session events to the client.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/orchestrator"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/session"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

const (
	frameTypeAudio byte = 0x01

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

type controlMessage struct {
	Type string `json:"type"`
}

// Control message types accepted from clients.
const (
	controlInterrupt = "interrupt"
	controlClose     = "close"
)

type Gateway struct {
	orch     *orchestrator.Orchestrator
	voices   *voice.Store
	audioCfg config.AudioConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New wires the gateway to the orchestrator. hub must be the notifier the
// orchestrator's sessions publish to.
func New(orch *orchestrator.Orchestrator, voices *voice.Store, audioCfg config.AudioConfig, hub *Hub, logger *slog.Logger) *Gateway {
	return &Gateway{
		orch:     orch,
		voices:   voices,
		audioCfg: audioCfg,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// Hub returns the event notifier feeding connected clients.
func (g *Gateway) Hub() *Hub { return g.hub }

// Register mounts the gateway's routes.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/session", g.handleSession)
	mux.HandleFunc("/v1/voices", g.handleVoices)
}

func (g *Gateway) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"default":  g.voices.Default(),
		"profiles": g.voices.IDs(),
	})
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	voiceID := r.URL.Query().Get("voice")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	sess, err := g.orch.OpenSession(voiceID)
	if err != nil {
		g.logger.Warn("session rejected", slog.String("voice", voiceID), slog.Any("error", err))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	g.logger.Info("client connected",
		slog.String("session_id", sess.ID()),
		slog.String("remote", r.RemoteAddr))

	events := g.hub.subscribe(sess.ID())
	defer g.hub.unsubscribe(sess.ID())

	opened, _ := json.Marshal(map[string]string{
		"type":          "session_opened",
		"session_id":    sess.ID(),
		"voice_profile": sess.Profile().ID,
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, opened); err != nil {
		conn.Close()
		sess.Close(protocol.CloseReasonClient)
		return
	}

	go g.writePump(conn, sess, events)
	g.readPump(conn, sess)
}

// readPump consumes client messages until the connection drops or the
// session closes. It is the only reader on the connection.
func (g *Gateway) readPump(conn *websocket.Conn, sess *session.Session) {
	defer func() {
		conn.Close()
		sess.Close(protocol.CloseReasonClient)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var lastStamp time.Time
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if len(payload) < 2 || payload[0] != frameTypeAudio {
				continue
			}
			// The wire carries no timestamps; they are synthesized here
			// and kept strictly monotonic. Frame ordering is enforced in
			// audio.FrameBuffer for callers that stamp frames themselves.
			stamp := time.Now()
			if !stamp.After(lastStamp) {
				stamp = lastStamp.Add(time.Microsecond)
			}
			lastStamp = stamp
			err := sess.Ingest(protocol.AudioFrame{
				SessionID:  sess.ID(),
				Timestamp:  stamp,
				SampleRate: g.audioCfg.SampleRate,
				Channels:   g.audioCfg.Channels,
				PCM:        payload[1:],
			})
			if errors.Is(err, session.ErrClosed) {
				return
			}
			if err != nil {
				g.logger.Warn("frame rejected",
					slog.String("session_id", sess.ID()), slog.Any("error", err))
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				g.logger.Warn("bad control message", slog.String("session_id", sess.ID()))
				continue
			}
			switch ctrl.Type {
			case controlInterrupt:
				sess.Interrupt()
			case controlClose:
				return
			}
		}
	}
}

// writePump is the only writer on the connection: synthesized audio as
// binary frames, events as JSON text, plus keepalive pings.
func (g *Gateway) writePump(conn *websocket.Conn, sess *session.Session, events <-chan protocol.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case chunk := <-sess.Output():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload := make([]byte, 1+len(chunk.PCM))
			payload[0] = frameTypeAudio
			copy(payload[1:], chunk.PCM)
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.CloseReason())
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}
