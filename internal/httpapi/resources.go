package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/gateway"
	"clinicdash.org/internal/store"
)

// Query keys that shape a list call rather than filter it.
var reservedQuery = map[string]bool{
	"clinic_id": true,
	"limit":     true,
	"offset":    true,
	"unmask":    true,
}

type resourceHandlers[T gateway.Entity, P gateway.Patch[T]] struct {
	res *gateway.Resource[T, P]
}

// mountResource registers list/create on path and get/update/delete on
// path/{id}.
func mountResource[T gateway.Entity, P gateway.Patch[T]](r *mux.Router, path string, res *gateway.Resource[T, P]) {
	h := resourceHandlers[T, P]{res: res}
	r.HandleFunc(path, h.list).Methods(http.MethodGet)
	r.HandleFunc(path, h.create).Methods(http.MethodPost)
	r.HandleFunc(path+"/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc(path+"/{id}", h.update).Methods(http.MethodPatch)
	r.HandleFunc(path+"/{id}", h.remove).Methods(http.MethodDelete)
}

func (h resourceHandlers[T, P]) list(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	items, err := h.res.List(r.Context(), authContext(r), opts)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeList(w, items)
}

func (h resourceHandlers[T, P]) get(w http.ResponseWriter, r *http.Request) {
	var opts []gateway.ReadOption
	if unmask, _ := strconv.ParseBool(r.URL.Query().Get("unmask")); unmask {
		opts = append(opts, gateway.Unmasked())
	}
	v, err := h.res.Get(r.Context(), authContext(r), mux.Vars(r)["id"], opts...)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h resourceHandlers[T, P]) create(w http.ResponseWriter, r *http.Request) {
	var v T
	if err := decodeJSON(w, r, &v); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.res.Create(r.Context(), authContext(r), v)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h resourceHandlers[T, P]) update(w http.ResponseWriter, r *http.Request) {
	var patch P
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.res.Update(r.Context(), authContext(r), mux.Vars(r)["id"], patch)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h resourceHandlers[T, P]) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.res.Delete(r.Context(), authContext(r), mux.Vars(r)["id"]); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listOptions turns query parameters into gateway list options. Keys other
// than the reserved ones become field filters, which the gateway validates.
func listOptions(q url.Values) (gateway.ListOptions, error) {
	var ve authz.ValidationError
	limit, err := parseInt(q.Get("limit"), store.DefaultLimit, 1, store.MaxLimit)
	if err != nil {
		ve.Add("limit", err.Error())
	}
	offset, err := parseInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		ve.Add("offset", err.Error())
	}
	unmask := false
	if raw := q.Get("unmask"); raw != "" {
		if unmask, err = strconv.ParseBool(raw); err != nil {
			ve.Add("unmask", "must be a boolean")
		}
	}
	if err := ve.Err(); err != nil {
		return gateway.ListOptions{}, err
	}

	opts := gateway.ListOptions{
		ClinicID: strings.TrimSpace(q.Get("clinic_id")),
		Limit:    limit,
		Offset:   offset,
		Unmask:   unmask,
	}
	for k, vals := range q {
		if reservedQuery[k] || len(vals) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string]string)
		}
		opts.Filters[k] = vals[0]
	}
	return opts, nil
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}
