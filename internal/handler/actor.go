package handler

import (
	"net/http"
	"strconv"

	"medex/internal/middleware"
	"medex/internal/workflow"
)

// actorFromRequest assembles the workflow actor from the authenticated
// context. On failure it writes the 401 response and returns false.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (workflow.Actor, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return workflow.Actor{}, false
	}
	role, _ := middleware.RoleFromContext(r.Context())
	city, _ := middleware.CityFromContext(r.Context())
	return workflow.Actor{ID: userID, Role: role, City: city}, true
}

// pagination reads limit/offset query parameters with sane defaults.
func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
