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

func TestProfilesHandler_CreateAssignsIDWhenOmitted(t *testing.T) {
	backend := memory.New()
	h := NewProfilesHandler(backend)

	body := `{"Name":"default","DriverKind":"cliagent"}`
	req := httptest.NewRequest(http.MethodPost, "/api/profiles", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.handleCreate(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
}

func TestProfilesHandler_UpdateUsesPathIDAndUpsert(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	require.NoError(t, backend.Profiles().Create(ctx, store.Profile{ID: "p1", Name: "old", DriverKind: "cliagent"}))
	h := NewProfilesHandler(backend)

	body := `{"Name":"new","DriverKind":"httpagent","Model":"gpt"}`
	req := httptest.NewRequest(http.MethodPut, "/api/profiles/p1", bytes.NewBufferString(body))
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()
	h.handleUpdate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := backend.Profiles().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Name)
	assert.Equal(t, "httpagent", stored.DriverKind)
}

func TestProfilesHandler_ActivateSetsActiveProfile(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	require.NoError(t, backend.Profiles().Create(ctx, store.Profile{ID: "p1", Name: "a", DriverKind: "cliagent"}))
	require.NoError(t, backend.Profiles().Create(ctx, store.Profile{ID: "p2", Name: "b", DriverKind: "cliagent"}))
	require.NoError(t, backend.Profiles().SetActive(ctx, "p1"))
	h := NewProfilesHandler(backend)

	req := httptest.NewRequest(http.MethodPost, "/api/profiles/p2/activate", nil)
	req.SetPathValue("id", "p2")
	rec := httptest.NewRecorder()
	h.handleActivate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	active, err := backend.Profiles().GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", active.ID)
}

func TestProfilesHandler_DeleteRemovesProfile(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	require.NoError(t, backend.Profiles().Create(ctx, store.Profile{ID: "p1", Name: "a", DriverKind: "cliagent"}))
	h := NewProfilesHandler(backend)

	req := httptest.NewRequest(http.MethodDelete, "/api/profiles/p1", nil)
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()
	h.handleDelete(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, err := backend.Profiles().Get(ctx, "p1")
	assert.Error(t, err)
}
