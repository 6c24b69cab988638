package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/memoryd/memoryd/internal/engine"
	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/search"
)

type createRequest struct {
	Persona            string            `json:"persona,omitempty"`
	Content            string            `json:"content"`
	Tags               []string          `json:"tags,omitempty"`
	Importance         *float64          `json:"importance,omitempty"`
	Emotion            string            `json:"emotion,omitempty"`
	PhysicalState      string            `json:"physical_state,omitempty"`
	MentalState        string            `json:"mental_state,omitempty"`
	Environment        string            `json:"environment,omitempty"`
	RelationshipStatus string            `json:"relationship_status,omitempty"`
	ActionTag          string            `json:"action_tag,omitempty"`
	ContextUpdates     map[string]string `json:"context_updates,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Create(r.Context(), persona(r, req.Persona), engine.CreateRequest{
		Content:            req.Content,
		Tags:               req.Tags,
		Importance:         req.Importance,
		Emotion:            req.Emotion,
		PhysicalState:      req.PhysicalState,
		MentalState:        req.MentalState,
		Environment:        req.Environment,
		RelationshipStatus: req.RelationshipStatus,
		ActionTag:          req.ActionTag,
		ContextUpdates:     req.ContextUpdates,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type filterPayload struct {
	TagsAny            []string `json:"tags_any,omitempty"`
	TagsAll            []string `json:"tags_all,omitempty"`
	DateFrom           string   `json:"date_from,omitempty"`
	DateTo             string   `json:"date_to,omitempty"`
	MinImportance      *float64 `json:"min_importance,omitempty"`
	Emotion            string   `json:"emotion,omitempty"`
	ActionTag          string   `json:"action_tag,omitempty"`
	Environment        string   `json:"environment,omitempty"`
	PhysicalState      string   `json:"physical_state,omitempty"`
	MentalState        string   `json:"mental_state,omitempty"`
	RelationshipStatus string   `json:"relationship_status,omitempty"`
	ImportanceWeight   float64  `json:"importance_weight,omitempty"`
	RecencyWeight      float64  `json:"recency_weight,omitempty"`
	FuzzyMatch         bool     `json:"fuzzy_match,omitempty"`
	FuzzyThreshold     int      `json:"fuzzy_threshold,omitempty"`
}

func (f *filterPayload) toFilters() *search.Filters {
	if f == nil {
		return nil
	}
	return &search.Filters{
		TagsAny:            f.TagsAny,
		TagsAll:            f.TagsAll,
		DateFrom:           f.DateFrom,
		DateTo:             f.DateTo,
		MinImportance:      f.MinImportance,
		Emotion:            f.Emotion,
		ActionTag:          f.ActionTag,
		Environment:        f.Environment,
		PhysicalState:      f.PhysicalState,
		MentalState:        f.MentalState,
		RelationshipStatus: f.RelationshipStatus,
		ImportanceWeight:   f.ImportanceWeight,
		RecencyWeight:      f.RecencyWeight,
		FuzzyMatch:         f.FuzzyMatch,
		FuzzyThreshold:     f.FuzzyThreshold,
	}
}

type searchRequest struct {
	Persona  string         `json:"persona,omitempty"`
	Selector string         `json:"selector"`
	K        int            `json:"k,omitempty"`
	Filters  *filterPayload `json:"filters,omitempty"`
}

type memoryHit struct {
	Memory *models.Memory `json:"memory"`
	Score  float64        `json:"score"`
}

type searchResponse struct {
	Results []memoryHit `json:"results"`
}

func toHits(results []search.Result) searchResponse {
	out := searchResponse{Results: make([]memoryHit, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, memoryHit{Memory: r.Memory, Score: r.Score})
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.engine.Read(r.Context(), persona(r, req.Persona), req.Selector, req.K, req.Filters.toFilters())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHits(results))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	results, err := s.engine.Read(r.Context(), persona(r, ""), key, 1, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(results) == 0 {
		s.writeError(w, &engine.NotFoundError{Persona: persona(r, ""), Selector: key})
		return
	}
	writeJSON(w, http.StatusOK, memoryHit{Memory: results[0].Memory, Score: results[0].Score})
}

type updateRequest struct {
	Persona            string   `json:"persona,omitempty"`
	Selector           string   `json:"selector"`
	Content            *string  `json:"content,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Importance         *float64 `json:"importance,omitempty"`
	Emotion            *string  `json:"emotion,omitempty"`
	PhysicalState      *string  `json:"physical_state,omitempty"`
	MentalState        *string  `json:"mental_state,omitempty"`
	Environment        *string  `json:"environment,omitempty"`
	RelationshipStatus *string  `json:"relationship_status,omitempty"`
	ActionTag          *string  `json:"action_tag,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Update(r.Context(), persona(r, req.Persona), engine.UpdateRequest{
		Selector:           req.Selector,
		Content:            req.Content,
		Tags:               req.Tags,
		Importance:         req.Importance,
		Emotion:            req.Emotion,
		PhysicalState:      req.PhysicalState,
		MentalState:        req.MentalState,
		Environment:        req.Environment,
		RelationshipStatus: req.RelationshipStatus,
		ActionTag:          req.ActionTag,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type deleteRequest struct {
	Persona  string `json:"persona,omitempty"`
	Selector string `json:"selector"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Delete(r.Context(), persona(r, req.Persona), req.Selector)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteByKey(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Delete(r.Context(), persona(r, ""), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Stats(r.Context(), persona(r, ""))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type rebuildRequest struct {
	Persona string `json:"persona,omitempty"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p := persona(r, req.Persona)
	if err := s.engine.Rebuild(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt", "persona": p})
}

// handleCleanup runs the duplicate detector on demand and reports where
// the suggestions were written.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p := persona(r, req.Persona)
	if s.workers == nil {
		s.writeError(w, &engine.ValidationError{Field: "cleanup", Reason: "maintenance workers not configured"})
		return
	}
	if err := s.workers.DetectDuplicates(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scanned", "persona": p})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sc, err := s.engine.GetSessionContext(r.Context(), persona(r, ""))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type contextRequest struct {
	Persona     string            `json:"persona,omitempty"`
	Updates     map[string]string `json:"updates,omitempty"`
	Promise     string            `json:"promise,omitempty"`
	Goal        string            `json:"goal,omitempty"`
	Item        string            `json:"item,omitempty"`
	Name        string            `json:"name,omitempty"`
	Date        string            `json:"date,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Description string            `json:"description,omitempty"`
	Emotion     string            `json:"emotion,omitempty"`
	Trigger     string            `json:"trigger,omitempty"`
}

func (s *Server) contextHandler(fn func(r *http.Request, p string, req contextRequest) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contextRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		res, err := fn(r, persona(r, req.Persona), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.UpdateContext(r.Context(), p, req.Updates)
	})(w, r)
}

func (s *Server) handleSetPromise(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.SetPromise(r.Context(), p, req.Promise)
	})(w, r)
}

func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.SetGoal(r.Context(), p, req.Goal)
	})(w, r)
}

func (s *Server) handleAddFavourite(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.AddFavourite(r.Context(), p, req.Item)
	})(w, r)
}

func (s *Server) handleAddAnniversary(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.AddAnniversary(r.Context(), p, req.Name, req.Date)
	})(w, r)
}

func (s *Server) handleRecordSensation(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.RecordSensation(r.Context(), p, req.Kind, req.Description)
	})(w, r)
}

func (s *Server) handleRecordEmotionFlow(w http.ResponseWriter, r *http.Request) {
	s.contextHandler(func(r *http.Request, p string, req contextRequest) (interface{}, error) {
		return s.engine.RecordEmotionFlow(r.Context(), p, req.Emotion, req.Trigger)
	})(w, r)
}
