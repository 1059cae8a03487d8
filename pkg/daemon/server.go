package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

// Server exposes the daemon over a unix socket. Request/response endpoints
// speak plain JSON; the launch endpoint streams newline-delimited JSON reply
// messages until the terminal one.
type Server struct {
	daemon *Daemon
	mux    *http.ServeMux
	http   *http.Server
}

func NewServer(d *Daemon) *Server {
	s := &Server{
		daemon: d,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/launch", s.handleLaunch)
	s.mux.HandleFunc("GET /v1/instances", s.handleList)
	s.mux.HandleFunc("GET /v1/instances/{name}", s.handleInfo)
	s.mux.HandleFunc("POST /v1/instances/{name}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/instances/{name}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/instances/{name}/suspend", s.handleSuspend)
	s.mux.HandleFunc("DELETE /v1/instances/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/metrics-opt-in", s.handleOptIn)

	s.http = &http.Server{Handler: s.mux}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on the unix socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return errors.Errorf("creating socket directory: %w", err)
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Errorf("listening on %s: %w", socketPath, err)
	}

	zerolog.Ctx(ctx).Info().Str("socket", socketPath).Msg("daemon listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Errorf("serving: %w", err)
	}
	return nil
}

// ndjsonStream writes each launch reply as one JSON line, flushing so the
// client sees progress as it happens.
type ndjsonStream struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	return &ndjsonStream{enc: json.NewEncoder(w), flusher: flusher}
}

func (s *ndjsonStream) Send(reply *api.LaunchReply) error {
	if err := s.enc.Encode(reply); err != nil {
		return errors.Errorf("writing reply: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.daemon.Factory.Backend(),
	})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req api.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}

	stream := newNDJSONStream(w)
	if err := s.daemon.Pipeline.Run(r.Context(), &req, stream); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("launch failed")
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances := s.daemon.Registry.List()
	infos := make([]api.InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, s.daemon.instanceInfo(r.Context(), inst))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	inst, err := s.daemon.Registry.Get(r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.instanceInfo(r.Context(), inst))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, vm machine.VirtualMachine) error {
		return vm.Start(ctx)
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	s.lifecycle(w, r, func(ctx context.Context, vm machine.VirtualMachine) error {
		return vm.Stop(ctx, force)
	})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, vm machine.VirtualMachine) error {
		return vm.Suspend(ctx)
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := s.daemon.Registry.Get(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := inst.VM.Delete(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.daemon.Registry.Remove(name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	var reply api.OptInReply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.daemon.OptIn.Record(reply.Status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(reply.Status)})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(context.Context, machine.VirtualMachine) error) {

	name := r.PathValue("name")
	inst, err := s.daemon.Registry.Get(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := op(r.Context(), inst.VM); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.daemon.Registry.SyncState(name)
	writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": string(inst.VM.CurrentState()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
