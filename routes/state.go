package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/victorjacobs/go-duco/bridge"
	"go.uber.org/zap"
)

// Bridge is what the HTTP API needs from the reconciler.
type Bridge interface {
	Nodes() []bridge.NodeState
	Set(ctx context.Context, id bridge.NodeIdentity, on bool) error
	Discover(ctx context.Context) error
}

type nodeResponse struct {
	Id            string     `json:"id"`
	Name          string     `json:"name"`
	Serial        string     `json:"serial"`
	Model         string     `json:"model,omitempty"`
	Host          string     `json:"host"`
	Node          int        `json:"node"`
	On            *bool      `json:"on"`
	Level         string     `json:"level,omitempty"`
	Available     bool       `json:"available"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
}

type stateResponse struct {
	Nodes []nodeResponse `json:"nodes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func State(b Bridge, log *zap.SugaredLogger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		resp := stateResponse{Nodes: []nodeResponse{}}

		for _, state := range b.Nodes() {
			node := nodeResponse{
				Id:        string(state.Accessory.ID),
				Name:      state.Accessory.Name,
				Serial:    state.Accessory.Serial,
				Model:     state.Accessory.Model,
				Host:      state.Accessory.Host,
				Node:      state.Accessory.Node,
				On:        state.On,
				Level:     string(state.Level),
				Available: state.Available,
			}
			if !state.Refreshed.IsZero() {
				refreshed := state.Refreshed
				node.LastRefreshed = &refreshed
			}
			resp.Nodes = append(resp.Nodes, node)
		}

		writeJSON(w, log, http.StatusOK, resp)
	}
}

// SetNode handles PUT /nodes/:id/:state where state is on or off.
func SetNode(b Bridge, log *zap.SugaredLogger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var on bool
		switch ps.ByName("state") {
		case "on":
			on = true
		case "off":
			on = false
		default:
			writeJSON(w, log, http.StatusBadRequest, errorResponse{Error: "state must be on or off"})
			return
		}

		id := bridge.NodeIdentity(ps.ByName("id"))
		if err := b.Set(r.Context(), id, on); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, bridge.ErrUnknownNode) {
				status = http.StatusNotFound
			} else if errors.Is(err, bridge.ErrWriteFailed) {
				status = http.StatusBadGateway
			}

			log.Warnw("Could not set node", "id", id, "on", on, "error", err)
			writeJSON(w, log, status, errorResponse{Error: err.Error()})
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Discover starts a discovery pass in the background.
func Discover(b Bridge, log *zap.SugaredLogger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		go func() {
			if err := b.Discover(context.Background()); err != nil {
				log.Warnw("Manual discovery failed", "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, status int, v any) {
	marshaled, err := json.Marshal(v)
	if err != nil {
		log.Errorw("error marshaling", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(marshaled)
}
