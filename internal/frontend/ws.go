package frontend

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
)

const wsWriteTimeout = 5 * time.Second

// controlMessage is a client-pushed command, mirroring the REST endpoints.
type controlMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"runId,omitempty"`
	NodeID  string `json:"nodeId,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
}

// handleEvents upgrades to a websocket, sends the init snapshot, and then
// relays bus events until the client goes away. Client control messages are
// dispatched to the engine inline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn(r.Context(), "Websocket accept failed", tag.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	events, cancel := s.bus.Subscribe(ctx)
	defer cancel()

	if err := s.sendInitSnapshot(ctx, conn); err != nil {
		logger.Warn(ctx, "Failed to send init snapshot", tag.Error(err))
		return
	}

	go s.readControlMessages(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				// Dropped for falling behind.
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := s.writeJSON(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// sendInitSnapshot gives the client a consistent starting state: the active
// run records and the current agent roster.
func (s *Server) sendInitSnapshot(ctx context.Context, conn *websocket.Conn) error {
	var activeRuns []*core.Run
	for _, runID := range s.engine.GetActiveRuns() {
		run, err := s.runs.GetRun(ctx, runID)
		if err != nil || run == nil {
			continue
		}
		activeRuns = append(activeRuns, run)
	}
	return s.writeJSON(ctx, conn, map[string]any{
		"type": "init",
		"data": map[string]any{
			"activeRuns": activeRuns,
			"agents":     s.watcher.ActiveAgents(),
		},
	})
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}

// readControlMessages processes client commands until the connection dies.
func (s *Server) readControlMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg controlMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		s.dispatchControl(ctx, msg)
	}
}

func (s *Server) dispatchControl(ctx context.Context, msg controlMessage) {
	var err error
	switch msg.Type {
	case "abort_run":
		_, err = s.engine.AbortMission(ctx, msg.RunID)
	case "retry_node":
		_, err = s.engine.RetryNode(ctx, msg.RunID, msg.NodeID)
	case "relay_message":
		err = s.engine.RelayMessage(ctx, msg.RunID, msg.From, msg.To, msg.Content)
	default:
		logger.Debug(ctx, "Ignoring unknown control message", tag.Status(msg.Type))
		return
	}
	if err != nil {
		logger.Warn(ctx, "Control message failed", tag.Status(msg.Type), tag.Run(msg.RunID), tag.Error(err))
	}
}
