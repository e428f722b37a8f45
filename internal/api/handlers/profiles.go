package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/profiles"
)

// ProfileListResponse is the body of GET /api/v1/profiles.
type ProfileListResponse struct {
	Data []profiles.Profile `json:"data"`
}

// ListProfiles handles GET /api/v1/profiles.
func (h *ScanHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	if h.defaults.Profiles == nil {
		writeJSON(w, r, http.StatusOK, ProfileListResponse{Data: []profiles.Profile{}})
		return
	}
	writeJSON(w, r, http.StatusOK, ProfileListResponse{Data: h.defaults.Profiles.GetAll()})
}

// GetProfile handles GET /api/v1/profiles/{name}.
func (h *ScanHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.defaults.Profiles == nil {
		writeError(w, r, http.StatusNotFound,
			errors.NewConfigFieldError(errors.CodeNotFound, "unknown profile", "profile", name))
		return
	}

	profile, err := h.defaults.Profiles.Get(name)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, profile)
}
