package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"scenesync/auth"
	"scenesync/core"
	"scenesync/relay"
	"scenesync/session"
)

// maxBodyBytes bounds state and command bodies.
const maxBodyBytes = 1 << 20

type Relay interface {
	Get(ctx context.Context, id string) (*core.Row, error)
	UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error)
	SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error)
	ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error)
	Sessions(ctx context.Context) ([]relay.SessionInfo, error)
}

// Routes mounts the session API. Writes require a token for the session when
// issuer is enabled.
func Routes(r chi.Router, svc Relay, issuer *auth.Issuer, baseURL string) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", HandleCreate(issuer, baseURL))
		r.Get("/", HandleList(svc))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", HandleGet(svc))
			r.Group(func(r chi.Router) {
				r.Use(issuer.RequireSession("id"))
				r.Put("/state", HandlePutState(svc))
				r.Put("/command", HandlePutCommand(svc))
				r.Delete("/command", HandleClearCommand(svc))
			})
		})
	})
}

// HandleCreate mints a session id and, when auth is on, its write token.
func HandleCreate(issuer *auth.Issuer, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := session.NewID()
		token, err := issuer.Issue(id)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to issue session token")
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}

		logrus.WithField("session_id", id).Info("Session created successfully")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, session.Ticket{
			ID:            id,
			ControllerURL: session.WithToken(session.ControllerURL(baseURL, id), token),
			Token:         token,
		})
	}
}

// HandleList lists known sessions, busiest first.
func HandleList(svc Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.Sessions(r.Context())
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list sessions")
			http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []relay.SessionInfo{}
		}
		render.JSON(w, r, list)
	}
}

// HandleGet returns the session row.
func HandleGet(svc Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		row, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, id, err, "Failed to get session")
			return
		}
		render.JSON(w, r, row)
	}
}

func HandlePutState(svc Relay) http.HandlerFunc {
	return handleWrite("state", svc.UpsertState)
}

func HandlePutCommand(svc Relay) http.HandlerFunc {
	return handleWrite("command", svc.SetCommand)
}

func handleWrite(kind string, write func(ctx context.Context, id string, body json.RawMessage) (*core.RowChange, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			logrus.WithField("error", err).Error("Failed to read request body")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if _, err := write(r.Context(), id, body); err != nil {
			writeError(w, id, err, "Failed to write "+kind)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleClearCommand nulls the command field, only while it still holds the
// command stamped with the optional stamp query parameter.
func HandleClearCommand(svc Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := svc.ClearCommand(r.Context(), id, r.URL.Query().Get("stamp")); err != nil {
			writeError(w, id, err, "Failed to clear command")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeError(w http.ResponseWriter, id string, err error, msg string) {
	log := logrus.WithFields(logrus.Fields{"session_id": id, "error": err})
	switch {
	case errors.Is(err, core.ErrRowNotFound):
		log.Debug("Session row not found")
		http.Error(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, relay.ErrInvalidJSON):
		log.Warn("Rejected non-JSON body")
		http.Error(w, "Body must be JSON", http.StatusBadRequest)
	default:
		log.Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
