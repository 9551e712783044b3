package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/lock"
	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/orderstate"
	"github.com/sells-group/order-cli/internal/store"
)

const maxBodyBytes = 1 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for merging order extractions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "serve", cfg.Anthropic.Key != "")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Engine, env.Store),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the conversation endpoints.
type api struct {
	engine *orderstate.Engine
	store  store.Store
}

// buildRouter wires the HTTP routes.
func buildRouter(engine *orderstate.Engine, st store.Store) http.Handler {
	a := &api{engine: engine, store: st}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", a.getState)
		r.Get("/snapshots", a.listSnapshots)
		r.Post("/extractions", a.postExtraction)
		r.Post("/messages", a.postMessage)
	})

	return r
}

type extractionRequest struct {
	MessageID  model.MessageID `json:"message_id"`
	Extraction json.RawMessage `json:"extraction"`
}

type messageRequest struct {
	MessageID model.MessageID `json:"message_id"`
	Text      string          `json:"text"`
}

type mergeResponse struct {
	State   *model.CumulativeOrderState `json:"state"`
	Changes *model.ChangeSet            `json:"changes"`
	Routing orderstate.Routing          `json:"routing"`
}

func newMergeResponse(res *orderstate.Result) mergeResponse {
	return mergeResponse{State: res.State.View(), Changes: res.Changes, Routing: res.Routing}
}

func (a *api) postExtraction(w http.ResponseWriter, r *http.Request) {
	var req extractionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeMessage(w, http.StatusBadRequest, "message_id is required")
		return
	}
	if len(req.Extraction) == 0 {
		writeMessage(w, http.StatusBadRequest, "extraction is required")
		return
	}

	ext, err := model.ParseExtraction(req.Extraction)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.engine.Apply(r.Context(), chi.URLParam(r, "id"), ext, req.MessageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMergeResponse(res))
}

func (a *api) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeMessage(w, http.StatusBadRequest, "message_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeMessage(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := a.engine.ProcessMessage(r.Context(), model.Message{
		ID:             req.MessageID,
		ConversationID: chi.URLParam(r, "id"),
		Content:        req.Text,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMergeResponse(res))
}

func (a *api) getState(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.GetState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("include_inactive") != "true" {
		st = st.View()
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.store.ListSnapshots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps engine and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case eris.Is(err, model.ErrInvalidExtraction), eris.Is(err, orderstate.ErrMissingMessageID),
		eris.Is(err, model.ErrMessageIDInUse):
		return http.StatusBadRequest
	case eris.Is(err, model.ErrStateNotFound):
		return http.StatusNotFound
	case eris.Is(err, lock.ErrNotAcquired), eris.Is(err, model.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case eris.Is(err, model.ErrMessageIDInUse):
		writeMessage(w, status, "message_id is already used by another conversation")
	case status == http.StatusBadRequest:
		writeMessage(w, status, err.Error())
	case status == http.StatusNotFound:
		writeMessage(w, status, "conversation not found")
	case status == http.StatusConflict:
		writeMessage(w, status, "conversation is busy, try again")
	default:
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeMessage(w, status, "processing failed, try again")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
