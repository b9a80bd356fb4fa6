// Package admin serves a read-only HTTP view of the emulated cluster for
// test harnesses that want to inspect the daemon without speaking its wire
// protocol.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
)

// Runner runs fn on the goroutine that owns the cluster state.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

type api struct {
	loop  Runner
	state *cluster.State
	log   logrus.FieldLogger
}

// NewRouter returns the admin routes:
//
//	GET /health        liveness
//	GET /state         full snapshot
//	GET /nodes/{pnn}   one node
func NewRouter(loop Runner, state *cluster.State, log logrus.FieldLogger) *mux.Router {
	a := &api{loop: loop, state: state, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", a.handleState).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{pnn}", a.handleNode).Methods(http.MethodGet)
	return r
}

func (a *api) snapshot(r *http.Request) (cluster.Snapshot, error) {
	var snap cluster.Snapshot
	err := a.loop.Do(r.Context(), func() { snap = a.state.Snapshot() })
	return snap, err
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := a.snapshot(r); err != nil {
		http.Error(w, "reactor stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r)
	if err != nil {
		a.log.WithError(err).Warn("state snapshot failed")
		http.Error(w, "reactor stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (a *api) handleNode(w http.ResponseWriter, r *http.Request) {
	pnn, err := strconv.ParseUint(mux.Vars(r)["pnn"], 10, 32)
	if err != nil {
		http.Error(w, "bad pnn", http.StatusBadRequest)
		return
	}
	snap, err := a.snapshot(r)
	if err != nil {
		http.Error(w, "reactor stopped", http.StatusServiceUnavailable)
		return
	}
	if pnn >= uint64(len(snap.Nodes)) {
		http.Error(w, "no such node", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap.Nodes[pnn])
}
