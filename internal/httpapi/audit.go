package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"clinicdash.org/internal/practice"
)

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	items, err := a.gw.Audit.List(r.Context(), authContext(r), opts)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeList(w, items)
}

func (a *API) getAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := a.gw.Audit.Get(r.Context(), authContext(r), mux.Vars(r)["id"])
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// amendAudit only succeeds for service contexts; dashboard callers always get
// a denial, which keeps the trail append-only from the outside.
func (a *API) amendAudit(w http.ResponseWriter, r *http.Request) {
	var patch practice.AuditPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.gw.Audit.Amend(r.Context(), authContext(r), mux.Vars(r)["id"], patch)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) removeAudit(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.Audit.Remove(r.Context(), authContext(r), mux.Vars(r)["id"]); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
