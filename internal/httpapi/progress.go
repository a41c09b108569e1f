package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"clinicdash.org/internal/practice"
)

type progressResponse struct {
	Entry practice.ProgressEntry `json:"entry"`
	Goal  practice.Goal          `json:"goal"`
}

func (a *API) submitProgress(w http.ResponseWriter, r *http.Request) {
	var entry practice.ProgressEntry
	if err := decodeJSON(w, r, &entry); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry.GoalID = mux.Vars(r)["id"]
	stored, goal, err := a.gw.Progress.Submit(r.Context(), authContext(r), entry)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, progressResponse{Entry: stored, Goal: goal})
}

func (a *API) listGoalProgress(w http.ResponseWriter, r *http.Request) {
	ac := authContext(r)
	goalID := mux.Vars(r)["id"]
	// Resolve the goal first so a foreign goal id reads as missing rather than
	// as an empty list.
	if _, err := a.gw.Goals.Get(r.Context(), ac, goalID); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	if opts.Filters == nil {
		opts.Filters = make(map[string]string)
	}
	opts.Filters["goal_id"] = goalID
	items, err := a.gw.Progress.List(r.Context(), ac, opts)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeList(w, items)
}

func (a *API) listProgress(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	items, err := a.gw.Progress.List(r.Context(), authContext(r), opts)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeList(w, items)
}

func (a *API) getProgress(w http.ResponseWriter, r *http.Request) {
	e, err := a.gw.Progress.Get(r.Context(), authContext(r), mux.Vars(r)["id"])
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
