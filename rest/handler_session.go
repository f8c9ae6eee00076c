package rest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/songzhibin97/wizard-engine/wizard"
)

type startSessionRequest struct {
	Variant types.FlowVariant `json:"variant"`
}

type jumpRequest struct {
	Step int `json:"step"`
}

type setFieldRequest struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type actionRequest struct {
	Kind    types.ActionKind       `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type actionResponse struct {
	Record  types.ExternalActionRecord `json:"record"`
	Session types.FlowState            `json:"session"`
}

type stepsResponse struct {
	Variant types.FlowVariant      `json:"variant"`
	Steps   []types.StepDescriptor `json:"steps"`
}

type stepStatusResponse struct {
	Steps []wizard.StepStatus    `json:"steps"`
	Gaps  []types.ValidationGap `json:"gaps"`
}

func (s *Server) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.Start(r.Context(), req.Variant)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, state)
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.Get(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleDiscardSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Discard(r.Context(), id); err != nil {
		respondWithErr(w, err)
		return
	}
	if s.revealer != nil {
		s.revealer.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleNext(w http.ResponseWriter, r *http.Request) {
	s.navigate(w, r, s.engine.Next)
}

func (s *Server) HandleBack(w http.ResponseWriter, r *http.Request) {
	s.navigate(w, r, s.engine.Back)
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uint64) (types.FlowState, error)) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := fn(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleJump(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req jumpRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.JumpTo(r.Context(), id, req.Step)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleRestartSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req startSessionRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.Restart(r.Context(), id, req.Variant)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleSetField(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req setFieldRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "field name is required")
		return
	}
	state, err := s.engine.SetField(r.Context(), id, req.Name, req.Value)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleSetVariant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req startSessionRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.SetVariant(r.Context(), id, req.Variant)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

func (s *Server) HandleStepStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.engine.StepStatus(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	gaps, err := s.engine.Gaps(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	if gaps == nil {
		gaps = []types.ValidationGap{}
	}
	respondWithJSON(w, http.StatusOK, stepStatusResponse{Steps: status, Gaps: gaps})
}

// HandleRunAction runs an external action. A failed action answers 502 with
// the failure; the session keeps its step and fields.
func (s *Server) HandleRunAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actionRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		respondWithError(w, http.StatusBadRequest, "action kind is required")
		return
	}

	rec, state, err := s.engine.RunAction(r.Context(), id, req.Kind, req.Payload)
	if f, ok := gatewayFailure(err); ok {
		f.Record = rec.ID
		respondWithJSON(w, http.StatusBadGateway, f)
		return
	}
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, actionResponse{Record: rec, Session: state})
}

func (s *Server) HandleFlowSteps(w http.ResponseWriter, r *http.Request) {
	variant, err := steps.ParseVariant(mux.Vars(r)["variant"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, stepsResponse{Variant: variant, Steps: s.engine.Steps(variant)})
}
