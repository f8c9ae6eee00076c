package rest

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/types"
)

type searchRequest struct {
	// Conversation, when set, searches with the criteria that chat collected.
	Conversation uint64            `json:"conversation,omitempty"`
	Criteria     prospect.Criteria `json:"criteria"`
}

type searchResponse struct {
	Criteria  prospect.Criteria   `json:"criteria"`
	Prospects []prospect.Prospect `json:"prospects"`
}

type revealRequest struct {
	Session uint64 `json:"session"`
	Field   string `json:"field"`
}

type revealResponse struct {
	Contact string          `json:"contact"`
	Field   prospect.Field  `json:"field"`
	Value   string          `json:"value"`
	Source  prospect.Source `json:"source"`
}

type createListRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type mergeRequest struct {
	Contacts  []types.Contact     `json:"contacts,omitempty"`
	Prospects []prospect.Prospect `json:"prospects,omitempty"`
}

type mergeResponse struct {
	Added int               `json:"added"`
	List  types.ContactList `json:"list"`
}

func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		respondWithError(w, http.StatusServiceUnavailable, "prospect search is not configured")
		return
	}
	var req searchRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	criteria := req.Criteria
	if req.Conversation != 0 {
		c, err := s.engine.ProspectCriteria(r.Context(), req.Conversation)
		if err != nil {
			respondWithErr(w, err)
			return
		}
		criteria = c
	}

	found, err := s.searcher.Search(r.Context(), criteria)
	if err != nil {
		respondWithErr(w, gatewayError("search", err))
		return
	}
	if found == nil {
		found = []prospect.Prospect{}
	}
	respondWithJSON(w, http.StatusOK, searchResponse{Criteria: criteria, Prospects: found})
}

// HandleReveal returns one contact detail, paying for it at most once per
// session.
func (s *Server) HandleReveal(w http.ResponseWriter, r *http.Request) {
	if s.revealer == nil {
		respondWithError(w, http.StatusServiceUnavailable, "contact reveal is not configured")
		return
	}
	contactID := mux.Vars(r)["id"]
	var req revealRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	field, err := prospect.ParseField(req.Field)
	if err != nil {
		respondWithErr(w, err)
		return
	}

	value, source, err := s.revealer.Reveal(r.Context(), req.Session, contactID, field)
	if err != nil {
		respondWithErr(w, gatewayError("reveal", err))
		return
	}
	respondWithJSON(w, http.StatusOK, revealResponse{Contact: contactID, Field: field, Value: value, Source: source})
}

func (s *Server) HandleCreateList(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "lists are not configured")
		return
	}
	var req createListRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "list name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	list, err := s.docs.CreateList(r.Context(), req.ID, req.Name)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, list)
}

func (s *Server) HandleLists(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "lists are not configured")
		return
	}
	lists, err := s.docs.Lists(r.Context())
	if err != nil {
		respondWithErr(w, err)
		return
	}
	if lists == nil {
		lists = []types.ContactList{}
	}
	respondWithJSON(w, http.StatusOK, lists)
}

func (s *Server) HandleGetList(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "lists are not configured")
		return
	}
	list, err := s.docs.GetList(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

// HandleMergeContacts adds contacts to a list, skipping IDs already present.
func (s *Server) HandleMergeContacts(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "lists are not configured")
		return
	}
	listID := mux.Vars(r)["id"]
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	contacts := append([]types.Contact(nil), req.Contacts...)
	for _, p := range req.Prospects {
		contacts = append(contacts, p.Contact())
	}

	added, err := s.docs.MergeContacts(r.Context(), listID, contacts)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	list, err := s.docs.GetList(r.Context(), listID)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, mergeResponse{Added: added, List: list})
}

func (s *Server) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondWithError(w, http.StatusServiceUnavailable, "documents are not configured")
		return
	}
	doc, err := s.docs.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, doc)
}
