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

	"github.com/existential-birds/amelia/internal/httputil"
	"github.com/existential-birds/amelia/internal/store"
)

// SettingsHandler serves the /api/settings endpoint.
type SettingsHandler struct {
	backend store.Backend
}

// NewSettingsHandler returns a handler reading/writing backend's single
// ServerSettings row.
func NewSettingsHandler(backend store.Backend) *SettingsHandler {
	return &SettingsHandler{backend: backend}
}

// RegisterRoutes registers the settings routes on mux.
func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/settings", h.handleGet)
	mux.HandleFunc("PUT /api/settings", h.handlePut)
}

func (h *SettingsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	settings, err := h.backend.Settings().Get(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var settings store.ServerSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if err := h.backend.Settings().Put(r.Context(), settings); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}
