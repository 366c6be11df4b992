package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capsulehub/capsuled/internal/api/middleware"
	"github.com/capsulehub/capsuled/pkg/manifest"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

// RecipeHandler serves per-capsule parameter presets.
type RecipeHandler struct {
	store *store.GORMStore
}

// NewRecipeHandler creates a recipe handler.
func NewRecipeHandler(st *store.GORMStore) *RecipeHandler {
	return &RecipeHandler{store: st}
}

// recipeView is the API shape of one recipe, with the parameter map
// decoded from its JSON column.
type recipeView struct {
	*models.Recipe
	Params map[string]any `json:"params"`
}

func viewRecipe(recipe *models.Recipe) recipeView {
	return recipeView{Recipe: recipe, Params: recipe.Params()}
}

// List returns a capsule's recipes, newest first.
func (h *RecipeHandler) List(w http.ResponseWriter, r *http.Request) {
	capsule, err := h.store.GetCapsule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	recipes, err := h.store.ListRecipes(r.Context(), capsule.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	views := make([]recipeView, 0, len(recipes))
	for _, recipe := range recipes {
		views = append(views, viewRecipe(recipe))
	}
	WriteJSONOK(w, map[string]any{"recipes": views})
}

type recipeRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// maxRecipeName bounds the recipe name; the column tag alone does not
// enforce it on sqlite.
const maxRecipeName = 80

// normalizeRecipeParams validates the raw parameter map against the
// capsule manifest: unknown names are dropped, values coerced and
// clamped. A map with no surviving entry is a validation failure.
func normalizeRecipeParams(capsule *models.Capsule, raw map[string]any) (map[string]any, error) {
	m, result := manifest.Parse([]byte(capsule.ManifestJSON))
	if !result.Valid {
		return nil, models.ErrRecipeNoParams
	}
	normalized := m.NormalizeParams(raw)
	if len(normalized) == 0 {
		return nil, models.ErrRecipeNoParams
	}
	return normalized, nil
}

// Create saves a recipe against a capsule.
func (h *RecipeHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	capsule, err := h.store.GetCapsule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	var req recipeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "name is required")
		return
	}
	if len(name) > maxRecipeName {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "name exceeds 80 characters")
		return
	}

	params, err := normalizeRecipeParams(capsule, req.Params)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	recipe := &models.Recipe{
		ID:        uuid.NewString(),
		CapsuleID: capsule.ID,
		AuthorID:  user.ID,
		Name:      name,
	}
	if err := recipe.SetParams(params); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if _, err := h.store.CreateRecipe(r.Context(), recipe); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONCreated(w, viewRecipe(recipe))
}

// mutableRecipe loads a recipe under a capsule and checks the actor may
// modify it: recipe author, capsule owner, or moderator.
func (h *RecipeHandler) mutableRecipe(r *http.Request) (*models.Recipe, *models.Capsule, error) {
	user := middleware.UserFrom(r.Context())

	capsule, err := h.store.GetCapsule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, nil, err
	}
	recipe, err := h.store.GetRecipe(r.Context(), chi.URLParam(r, "recipeId"))
	if err != nil {
		return nil, nil, err
	}
	if recipe.CapsuleID != capsule.ID {
		return nil, nil, models.ErrRecipeNotFound
	}
	if recipe.AuthorID != user.ID && capsule.OwnerID != user.ID && !user.Moderator {
		return nil, nil, models.ErrRecipeForbidden
	}
	return recipe, capsule, nil
}

// Update overwrites a recipe's name and parameters.
func (h *RecipeHandler) Update(w http.ResponseWriter, r *http.Request) {
	recipe, capsule, err := h.mutableRecipe(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	var req recipeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		if len(name) > maxRecipeName {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "name exceeds 80 characters")
			return
		}
		recipe.Name = name
	}
	if req.Params != nil {
		params, err := normalizeRecipeParams(capsule, req.Params)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		if err := recipe.SetParams(params); err != nil {
			WriteDomainError(w, r, err)
			return
		}
	}

	if err := h.store.UpdateRecipe(r.Context(), recipe); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSONOK(w, viewRecipe(recipe))
}

// Delete removes a recipe.
func (h *RecipeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	recipe, _, err := h.mutableRecipe(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := h.store.DeleteRecipe(r.Context(), recipe.ID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteNoContent(w)
}
