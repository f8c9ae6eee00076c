package rest

import (
	"errors"
	"net/http"

	"github.com/songzhibin97/wizard-engine/conversation"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/types"
)

type startConversationRequest struct {
	Flow string `json:"flow"`
}

type messageRequest struct {
	Input string `json:"input"`
}

type outcomeResponse struct {
	Previous   types.Phase            `json:"previous"`
	Phase      types.Phase            `json:"phase"`
	Intent     string                 `json:"intent,omitempty"`
	Reply      types.Message          `json:"reply"`
	Reprompted bool                   `json:"reprompted"`
	Generated  map[string]interface{} `json:"generated,omitempty"`
	Prospects  []prospect.Prospect    `json:"prospects,omitempty"`
}

type converseResponse struct {
	Outcome      outcomeResponse         `json:"outcome"`
	Conversation types.ConversationState `json:"conversation"`
	Failure      *failureResponse        `json:"failure,omitempty"`
}

func (s *Server) HandleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.StartConversation(r.Context(), req.Flow)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, state)
}

func (s *Server) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.GetConversation(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// HandleConverse feeds one user message to a chat. Unrecognized input is a
// normal 200 answer with reprompted set. A failed collaborator call still
// answers 200 because the apology is part of the conversation; the failure is
// attached to the body.
func (s *Server) HandleConverse(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req messageRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, state, err := s.engine.Converse(r.Context(), id, req.Input)
	resp := converseResponse{
		Outcome: outcomeResponse{
			Previous:   out.Previous,
			Phase:      out.Phase,
			Intent:     out.Intent,
			Reply:      out.Reply,
			Reprompted: out.Reprompted,
			Generated:  out.Generated,
			Prospects:  out.Prospects,
		},
		Conversation: state,
	}
	if f, ok := gatewayFailure(err); ok {
		resp.Failure = &f
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil && !errors.Is(err, conversation.ErrUnrecognizedInput) {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleRestartConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.engine.RestartConversation(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}
