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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/store/memory"
)

func TestSettingsHandler_GetReturnsDefaults(t *testing.T) {
	backend := memory.New()
	h := NewSettingsHandler(backend)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	h.handleGet(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got store.ServerSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, store.DefaultServerSettings(), got)
}

func TestSettingsHandler_PutPersistsAndRoundTrips(t *testing.T) {
	backend := memory.New()
	h := NewSettingsHandler(backend)

	body := `{"MaxConcurrent":1}`
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.handlePut(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := backend.Settings().Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MaxConcurrent)
}

func TestSettingsHandler_PutRejectsMalformedBody(t *testing.T) {
	backend := memory.New()
	h := NewSettingsHandler(backend)

	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	h.handlePut(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
