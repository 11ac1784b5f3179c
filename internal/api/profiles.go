// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/existential-birds/amelia/internal/httputil"
	"github.com/existential-birds/amelia/internal/store"
)

// ProfilesHandler serves the /api/profiles endpoint family.
type ProfilesHandler struct {
	backend store.Backend
}

// NewProfilesHandler returns a handler managing backend's driver profiles.
func NewProfilesHandler(backend store.Backend) *ProfilesHandler {
	return &ProfilesHandler{backend: backend}
}

// RegisterRoutes registers the profile routes on mux.
func (h *ProfilesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/profiles", h.handleList)
	mux.HandleFunc("POST /api/profiles", h.handleCreate)
	mux.HandleFunc("PUT /api/profiles/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/profiles/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/profiles/{id}/activate", h.handleActivate)
}

func (h *ProfilesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.backend.Profiles().List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profiles)
}

func decodeProfile(r *http.Request) (store.Profile, error) {
	var p store.Profile
	err := json.NewDecoder(r.Body).Decode(&p)
	return p, err
}

func (h *ProfilesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProfile(r)
	if err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := h.backend.Profiles().Create(r.Context(), p); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// handleUpdate updates a profile in place. ProfileRepository.Create performs
// an upsert keyed on ID (leaving Active untouched), so no separate Update
// method is needed here.
func (h *ProfilesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProfile(r)
	if err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	p.ID = r.PathValue("id")
	if err := h.backend.Profiles().Create(r.Context(), p); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *ProfilesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.backend.Profiles().Delete(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ProfilesHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.backend.Profiles().SetActive(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
