// Command polyd is a thin HTTP/WS host for C1-C7: it loads a config,
// builds one internal/backend.Backend, and exposes /status, /stats,
// /v1/model, /v1/task, and a websocket completion endpoint, mirroring the
// surface original_source/poly-server/src/bin/llmd.rs exposes. It carries
// no invariants of its own -- see SPEC_FULL.md §6's Non-goals.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/swdunlop/poly-go/internal/backend"
	"github.com/swdunlop/poly-go/internal/config"
	"github.com/swdunlop/poly-go/internal/session"
	"github.com/swdunlop/poly-go/internal/types"
)

func main() {
	configPath := flag.String("config", "poly.yaml", "path to the task/model configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.Log.Level)

	b, err := backend.New(&log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer b.Close()

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{Addr: addr, Handler: newRouter(&log, b)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func newRouter(log *zerolog.Logger, b *backend.Backend) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", handleStatus)
	mux.HandleFunc("/stats", handleStats(b))
	mux.HandleFunc("/v1/model", handleModel(b))
	mux.HandleFunc("/v1/task", handleTasks(b))
	mux.HandleFunc("/v1/complete", handleComplete(log, b))
	return mux
}

func handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStats(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.Stats())
	}
}

func handleModel(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"path": b.ModelPath()})
	}
}

func handleTasks(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"tasks": b.Tasks()})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Non-goal (SPEC_FULL.md §6): this process has no CORS/auth layer, so
	// every origin is accepted, matching llmd.rs's own lack of an origin
	// check ahead of its claims middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// completeRequest is one message a client sends on the connection. The Task
// field only matters on the first message, which establishes the session;
// every later message reuses that session's KV-cache for another prompt
// (spec.md §9: "preserving the KV-cache for subsequent prompts on the same
// transport connection"). Reset asks the session to collapse its cache back
// to the task's prefix before (or instead of, if Prompt is empty) running
// Prompt, for spec.md §3's "destroyed... or on explicit reset" clause.
type completeRequest struct {
	Task   string `json:"task"`
	Prompt string `json:"prompt"`
	Reset  bool   `json:"reset"`
}

// completeEvent is the envelope streamed back over the socket, one per
// emitted fragment, ending with a final `done` event carrying the
// accumulated stats. A bare `reset` event answers a Reset-only message that
// carried no prompt.
type completeEvent struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	Stats *types.InferenceStats  `json:"stats,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// handleComplete upgrades to a websocket and loops reading completeRequests
// off it for as long as the connection stays open, running each against the
// same *session.Session -- the way llmd.rs's socket_task_handler loops
// `rx_prompt.blocking_recv()` against one session built once outside the
// loop, instead of tearing the session down after a single prompt.
func handleComplete(log *zerolog.Logger, b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx := r.Context()
		var sess *session.Session
		var sessionLog zerolog.Logger

		for {
			var req completeRequest
			if err := conn.ReadJSON(&req); err != nil {
				if sess == nil {
					_ = conn.WriteJSON(completeEvent{Type: "error", Error: err.Error()})
				} else {
					sessionLog.Debug().Err(err).Msg("connection closed")
				}
				return
			}

			if sess == nil {
				sess, err = b.NewSession(req.Task)
				if err != nil {
					_ = conn.WriteJSON(completeEvent{Type: "error", Error: err.Error()})
					return
				}
				sessionLog = log.With().Str("task", req.Task).Logger()
			}

			if req.Reset {
				if err := sess.Reset(); err != nil {
					_ = conn.WriteJSON(completeEvent{Type: "error", Error: err.Error()})
					continue
				}
				if req.Prompt == "" {
					_ = conn.WriteJSON(completeEvent{Type: "reset"})
					continue
				}
			}

			requestID := uuid.NewString()
			requestLog := sessionLog.With().Str("request_id", requestID).Logger()

			stats, err := sess.Complete(ctx, types.PromptRequest{RequestID: requestID, Prompt: req.Prompt}, func(resp types.InferenceResponse) (types.InferenceFeedback, error) {
				tok, ok := resp.(types.InferredToken)
				if !ok {
					return types.Continue, nil
				}
				if werr := conn.WriteJSON(completeEvent{Type: "token", Text: tok.Text}); werr != nil {
					requestLog.Debug().Err(werr).Msg("client disconnected mid-stream")
					return types.Halt, nil
				}
				return types.Continue, nil
			})
			if err != nil {
				requestLog.Warn().Err(err).Msg("completion failed")
				_ = conn.WriteJSON(completeEvent{Type: "error", Error: err.Error()})
				continue
			}

			_ = conn.WriteJSON(completeEvent{Type: "done", Stats: &stats})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
