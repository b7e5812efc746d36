package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/store"
)

func drinkParam(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if s, err := url.PathUnescape(name); err == nil {
		return s
	}
	return name
}

func (h *Handlers) apiListDrinks(w http.ResponseWriter, r *http.Request) {
	recipes, err := h.engine.DB().ListRecipes()
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recipes == nil {
		recipes = []*store.Recipe{}
	}
	h.jsonOK(w, recipes)
}

func (h *Handlers) apiGetDrink(w http.ResponseWriter, r *http.Request) {
	recipe, err := h.engine.DB().GetRecipe(drinkParam(r))
	if err != nil {
		h.recipeError(w, err)
		return
	}
	h.jsonOK(w, recipe)
}

// apiSaveDrink creates or replaces the recipe named in the path.
func (h *Handlers) apiSaveDrink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Steps []store.RecipeStep `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	recipe := &store.Recipe{Name: drinkParam(r), Steps: req.Steps}
	if err := h.engine.DB().SaveRecipe(recipe, actor(r)); err != nil {
		h.recipeError(w, err)
		return
	}
	saved, err := h.engine.DB().GetRecipe(recipe.Drink)
	if err != nil {
		h.recipeError(w, err)
		return
	}
	h.jsonOK(w, saved)
}

func (h *Handlers) apiDeleteDrink(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DB().DeleteRecipe(drinkParam(r), actor(r)); err != nil {
		h.recipeError(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "deleted"})
}

// apiOrderDrink queues quantity orders built from the drink's recipe.
func (h *Handlers) apiOrderDrink(w http.ResponseWriter, r *http.Request) {
	quantity := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			h.jsonError(w, "invalid quantity", http.StatusBadRequest)
			return
		}
		quantity = n
	}
	drink := drinkParam(r)
	ids, err := h.engine.SubmitDrink(r.Context(), drink, quantity)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRecipeNotFound):
			h.jsonError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, protocol.ErrMalformed), errors.Is(err, store.ErrInvalidRecipe):
			h.jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("submit drink", zap.String("drink", drink), zap.Int("queued", len(ids)), zap.Error(err))
			h.jsonStatus(w, http.StatusServiceUnavailable, map[string]any{
				"error":        err.Error(),
				"activity_ids": ids,
			})
		}
		return
	}
	h.jsonStatus(w, http.StatusAccepted, map[string]any{
		"drink":        store.DrinkKey(drink),
		"activity_ids": ids,
	})
}

func (h *Handlers) recipeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRecipeNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidRecipe):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}
