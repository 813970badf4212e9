package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // single-user tool behind the host's own auth
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type        string `json:"type"` // watch, unwatch, run, cancel, generate
	Identity    string `json:"identity,omitempty"`
	Source      string `json:"source,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Context     string `json:"context,omitempty"`
	Repo        string `json:"repo,omitempty"`
	Path        string `json:"path,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Profile     string `json:"profile,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type     string                   `json:"type"`
	Identity string                   `json:"identity,omitempty"`
	Content  string                   `json:"content,omitempty"`
	Result   *sandbox.ExecutionResult `json:"result,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	// Cancelled on client disconnect
	ctx, cancel := context.WithCancel(context.Background())
	c := s.hub.Add(conn, cancel)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.hub.Remove(c.id)
		conn.Close()
	}()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Printf("websocket read error: %v", err)
			return
		}

		switch msg.Type {
		case "watch", "unwatch":
			if msg.Identity == "" {
				c.send(wsOutgoing{Type: "error", Content: "identity is required"})
				continue
			}
			if msg.Type == "watch" {
				s.hub.Watch(c.id, msg.Identity)
			} else {
				s.hub.Unwatch(c.id, msg.Identity)
			}
			c.send(wsOutgoing{Type: msg.Type + "ed", Identity: msg.Identity})
		case "cancel":
			if s.runner.Cancel(msg.Identity) {
				c.send(wsOutgoing{Type: "cancelled", Identity: msg.Identity})
			} else {
				c.send(wsOutgoing{Type: "error", Identity: msg.Identity, Content: "no run in flight"})
			}
		case "run":
			if msg.Identity == "" || msg.Source == "" {
				c.send(wsOutgoing{Type: "error", Content: "identity and source are required"})
				continue
			}
			s.hub.Watch(c.id, msg.Identity)
			wg.Add(1)
			go func(msg wsIncoming) {
				defer wg.Done()
				s.runWebSocket(ctx, c, msg)
			}(msg)
		case "generate":
			if msg.Instruction == "" {
				c.send(wsOutgoing{Type: "error", Content: "instruction is required"})
				continue
			}
			wg.Add(1)
			go func(msg wsIncoming) {
				defer wg.Done()
				s.generateWebSocket(ctx, c, msg)
			}(msg)
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

// runWebSocket submits a run whose output streams to every watcher of the
// identity, the submitting client included.
func (s *Server) runWebSocket(ctx context.Context, c *wsClient, msg wsIncoming) {
	runCtx := sandbox.WithOutput(ctx, s.hub.Publisher(msg.Identity))
	res, err := s.runner.Submit(runCtx, msg.Identity, program.NewSourceUnit(msg.Identity, msg.Source, program.OriginEditor))
	if err != nil {
		c.send(wsOutgoing{Type: "error", Identity: msg.Identity, Content: err.Error()})
		return
	}
	s.hub.PublishResult(msg.Identity, res)
}

// generateWebSocket streams generated text to the requesting client and
// finishes with the extracted code.
func (s *Server) generateWebSocket(ctx context.Context, c *wsClient, msg wsIncoming) {
	gen, req, provider, _, err := s.generation(ctx, generateRequest{
		Instruction: msg.Instruction,
		Context:     msg.Context,
		Repo:        msg.Repo,
		Path:        msg.Path,
		Provider:    msg.Provider,
		Model:       msg.Model,
		Profile:     msg.Profile,
	})
	if err != nil {
		c.send(wsOutgoing{Type: "error", Content: err.Error()})
		return
	}

	start := time.Now()
	reply, err := gen.GenerateStream(ctx, req, func(delta string) {
		c.send(wsOutgoing{Type: "text_delta", Content: delta})
	})
	s.metrics.ObserveGeneration(provider, err, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			c.send(wsOutgoing{Type: "error", Content: "interrupted"})
		} else {
			c.send(wsOutgoing{Type: "error", Content: err.Error()})
		}
		return
	}
	c.send(wsOutgoing{Type: "done", Content: llm.ExtractCode(reply)})
}

func wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}
