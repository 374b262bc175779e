package proofsvc

import (
	"encoding/json"
	"net/http"

	"github.com/10yihang/pcdsync/internal/pcd"
)

// Handler serves the proof backend HTTP API over any pcd.ProofService. The
// simulate command uses it with a Local prover.
type Handler struct {
	svc pcd.ProofService
	mux *http.ServeMux
}

// NewHandler creates the HTTP API for svc.
func NewHandler(svc pcd.ProofService) *Handler {
	h := &Handler{svc: svc, mux: http.NewServeMux()}
	h.mux.HandleFunc(initPath, h.handleInit)
	h.mux.HandleFunc(updatePath, h.handleUpdate)
	h.mux.HandleFunc(verifyPath, h.handleVerify)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	st, err := h.svc.Init(r.Context(), req.InitialNotes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, &stateEnvelope{PcdState: st})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req pcd.UpdateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.State == nil {
		writeError(w, http.StatusBadRequest, errMissingState)
		return
	}
	res, err := h.svc.Update(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, res)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req stateEnvelope
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.PcdState == nil {
		writeError(w, http.StatusBadRequest, errMissingState)
		return
	}
	res, err := h.svc.Verify(r.Context(), req.PcdState)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, res)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&errorBody{Error: err.Error()})
}
