package handlers

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
	"github.com/3leaps/autorun/pkg/ledger"
)

// StageView is one row of the stage listing.
type StageView struct {
	Index  int                `json:"index"`
	Name   string             `json:"name"`
	Title  string             `json:"title"`
	Kind   catalog.Kind       `json:"kind"`
	State  ledger.State       `json:"state"`
	Status ledger.StageStatus `json:"status"`
}

// StagesResponse is the body of GET /v1/stages.
type StagesResponse struct {
	Dir    string      `json:"dir"`
	Prefix string      `json:"prefix"`
	Stages []StageView `json:"stages"`
}

// ProgressResponse is the body of GET /v1/stages/{stage}/progress.
type ProgressResponse struct {
	Stage    string            `json:"stage"`
	Known    bool              `json:"known"`
	Line     string            `json:"line"`
	Progress launcher.Progress `json:"progress"`
}

// Stages serves ledger state for one run directory.
type Stages struct {
	Ledger *ledger.Ledger
	Stages []catalog.Stage
}

// NewStages creates the stage handlers.
func NewStages(l *ledger.Ledger, stages []catalog.Stage) *Stages {
	return &Stages{Ledger: l, Stages: stages}
}

// Views reports the ledger state of every catalog stage.
func (h *Stages) Views() ([]StageView, error) {
	views := make([]StageView, 0, len(h.Stages))
	for _, s := range h.Stages {
		st, err := h.Ledger.Status(s)
		if err != nil {
			return nil, err
		}
		views = append(views, StageView{
			Index:  s.Index,
			Name:   s.Name,
			Title:  s.Title,
			Kind:   s.Kind,
			State:  st.State(),
			Status: st,
		})
	}
	return views, nil
}

// List reports every stage of the catalog.
func (h *Stages) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.Views()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StagesResponse{Dir: h.Ledger.Dir(), Prefix: h.Ledger.Prefix(), Stages: views})
}

// Progress reports the latest info file snapshot of a stage.
func (h *Stages) Progress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stage")
	s, ok := catalog.Find(h.Stages, name)
	if !ok {
		respondWithError(w, r, apperrors.Precondition("progress", name, "unknown stage"))
		return
	}
	path := h.Ledger.Path(s.Name, catalog.ArtifactInfo)
	data, err := h.Ledger.ReadFile(path)
	if os.IsNotExist(err) {
		respondWithError(w, r, apperrors.Precondition("progress", path, "stage has not reported progress"))
		return
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	p := launcher.ParseProgress(data)
	writeJSON(w, http.StatusOK, ProgressResponse{Stage: s.Name, Known: p.Known(), Line: p.Line(s.Name), Progress: p})
}
