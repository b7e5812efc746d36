package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

var (
	ErrRecipeNotFound = errors.New("recipe not found")
	ErrInvalidRecipe  = errors.New("invalid recipe")
)

// RecipeStep is one machine step of a drink recipe.
type RecipeStep struct {
	Ingredient string             `json:"ingredient"`
	Machine    string             `json:"machine"`
	Action     string             `json:"action"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// Recipe lists the steps that make one unit of a drink, in order.
type Recipe struct {
	Drink     string       `json:"drink"`
	Name      string       `json:"name"`
	Steps     []RecipeStep `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DrinkKey is the catalog key for a drink name.
func DrinkKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks that every step names a known machine and an action.
func (r *Recipe) Validate() error {
	if DrinkKey(r.Name) == "" {
		return fmt.Errorf("%w: missing drink name", ErrInvalidRecipe)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidRecipe, r.Name)
	}
	for i, s := range r.Steps {
		if _, err := protocol.ParseMachine(s.Machine); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidRecipe, i+1, err)
		}
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("%w: step %d: missing action", ErrInvalidRecipe, i+1)
		}
	}
	return nil
}

// Order expands the recipe into one order for a single unit of the drink.
// Steps become actions numbered from 1 in recipe order.
func (r *Recipe) Order(activityID string) (*protocol.Order, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	o := &protocol.Order{
		ActivityID:  activityID,
		Name:        "Make " + r.Name,
		Description: "Make " + r.Name + " follow recipe.",
		Actions:     make([]protocol.Action, 0, len(r.Steps)),
	}
	for i, s := range r.Steps {
		m, _ := protocol.ParseMachine(s.Machine)
		params := make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			params[k] = v
		}
		o.Actions = append(o.Actions, protocol.Action{
			ActionID:   actionID(s),
			Machine:    m,
			Mode:       s.Action,
			Parameters: params,
			Sequence:   i + 1,
		})
	}
	return o, nil
}

// actionID labels a step as <action>_<ingredient>.
func actionID(s RecipeStep) string {
	ingredient := strings.ReplaceAll(strings.TrimSpace(s.Ingredient), " ", "_")
	if ingredient == "" {
		return s.Action
	}
	return s.Action + "_" + ingredient
}

const recipeSelectCols = `drink, name, steps, created_at, updated_at`

func scanRecipe(row interface{ Scan(...any) error }) (*Recipe, error) {
	var r Recipe
	var steps string
	var createdAt, updatedAt any
	if err := row.Scan(&r.Drink, &r.Name, &steps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, fmt.Errorf("recipe %s steps: %w", r.Drink, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// SaveRecipe creates or replaces the recipe for r.Name and records the
// change.
func (db *DB) SaveRecipe(r *Recipe, actor string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.Drink = DrinkKey(r.Name)
	r.Name = strings.TrimSpace(r.Name)
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	action := "create"
	if _, err := db.GetRecipe(r.Drink); err == nil {
		action = "update"
	}
	_, err = db.Exec(db.Q(`INSERT INTO recipes (drink, name, steps) VALUES (?, ?, ?)
		ON CONFLICT (drink) DO UPDATE SET name=excluded.name, steps=excluded.steps, updated_at=datetime('now','localtime')`),
		r.Drink, r.Name, string(steps))
	if err != nil {
		return fmt.Errorf("save recipe %s: %w", r.Drink, err)
	}
	return db.AppendAudit("recipe", r.Drink, action, "", string(steps), actor)
}

func (db *DB) GetRecipe(drink string) (*Recipe, error) {
	row := db.QueryRow(db.Q(`SELECT `+recipeSelectCols+` FROM recipes WHERE drink=?`), DrinkKey(drink))
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, drink)
	}
	return r, err
}

func (db *DB) ListRecipes() ([]*Recipe, error) {
	rows, err := db.Query(`SELECT ` + recipeSelectCols + ` FROM recipes ORDER BY drink`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recipes []*Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	return recipes, rows.Err()
}

func (db *DB) DeleteRecipe(drink, actor string) error {
	res, err := db.Exec(db.Q(`DELETE FROM recipes WHERE drink=?`), DrinkKey(drink))
	if err != nil {
		return fmt.Errorf("delete recipe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRecipeNotFound, drink)
	}
	return db.AppendAudit("recipe", DrinkKey(drink), "delete", "", "", actor)
}
