package backend

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/logger"
)

// ignoredAttributesHeader reports the body fields an insert or update
// silently skipped.
const ignoredAttributesHeader = "Ignored-Attributes"

func (b *Backend) configureRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: configure /db routes")

	// fixed segments before the {id} wildcards
	router.HandleFunc("/db/{entity}/count", b.countHandler).Methods(http.MethodGet)
	router.HandleFunc("/db/{entity}/batch", b.deleteBatchHandler).Methods(http.MethodDelete)
	router.HandleFunc("/db/{entity}/{id}/chown", b.chownHandler).Methods(http.MethodPost)
	router.HandleFunc("/db/{entity}/{id}/chgrp", b.chgrpHandler).Methods(http.MethodPost)
	router.HandleFunc("/db/{entity}/{id}/{attribute}/{filename}", b.binaryHandler).Methods(http.MethodGet)
	router.HandleFunc("/db/{entity}/{id}", b.readHandler).Methods(http.MethodGet)
	router.HandleFunc("/db/{entity}/{id}", b.updateHandler).Methods(http.MethodPut)
	router.HandleFunc("/db/{entity}/{id}", b.deleteHandler).Methods(http.MethodDelete)
	router.HandleFunc("/db/{entity}", b.insertHandler).Methods(http.MethodPost)
	router.HandleFunc("/db/{entity}", b.listHandler).Methods(http.MethodGet)
	router.HandleFunc("/db/{entity}", b.deleteByQueryHandler).Methods(http.MethodDelete)
}

func statusOf(err error) int {
	switch core.KindOf(err) {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindPermissionDenied:
		return http.StatusForbidden
	case core.KindValidation:
		return http.StatusUnprocessableEntity
	case core.KindNotImplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Errorln(err)
		message = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func readBody(r *http.Request) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, core.InvalidArgumentf("invalid request body: %s", err)
	}
	return body, nil
}

func (b *Backend) insertHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, skipped, err := b.Insert(r.Context(), mux.Vars(r)["entity"], body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(skipped) > 0 {
		w.Header().Set(ignoredAttributesHeader, strings.Join(skipped, ", "))
	}
	writeJSON(w, http.StatusCreated, item)
}

func (b *Backend) listHandler(w http.ResponseWriter, r *http.Request) {
	items, q, err := b.List(r.Context(), mux.Vars(r)["entity"], r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if q.Format == "csv" {
		b.writeCSV(w, r, q, items)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (b *Backend) countHandler(w http.ResponseWriter, r *http.Request) {
	count, err := b.Count(r.Context(), mux.Vars(r)["entity"], r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (b *Backend) readHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := b.Read(r.Context(), vars["entity"], vars["id"], r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (b *Backend) updateHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	item, skipped, err := b.Update(r.Context(), vars["entity"], vars["id"], body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(skipped) > 0 {
		w.Header().Set(ignoredAttributesHeader, strings.Join(skipped, ", "))
	}
	writeJSON(w, http.StatusOK, item)
}

func (b *Backend) deleteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted, err := b.Delete(r.Context(), vars["entity"], vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (b *Backend) deleteBatchHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID []string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, core.InvalidArgumentf("invalid request body: %s", err))
		return
	}
	deleted, err := b.DeleteBatch(r.Context(), mux.Vars(r)["entity"], body.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (b *Backend) deleteByQueryHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, core.NotImplementedf("deleting by query is not supported"))
}

func (b *Backend) chownHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	item, err := b.Chown(r.Context(), vars["entity"], vars["id"], body["owner"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (b *Backend) chgrpHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	group, _ := body["group"].(string)
	perms, _ := body["permissions"].(float64)
	vars := mux.Vars(r)
	item, err := b.Chgrp(r.Context(), vars["entity"], vars["id"], group, access.Permission(perms))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (b *Backend) binaryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mimetype, data, err := b.ReadBinary(r.Context(),
		vars["entity"], vars["id"], vars["attribute"], vars["filename"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Disposition", `attachment; filename="`+vars["filename"]+`"`)
	_, _ = w.Write(data)
}
