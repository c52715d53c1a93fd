package flows

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryArtifactStore is a process-local ArtifactStore. Production
// deployments swap in an object-storage implementation behind the same
// interface.
type MemoryArtifactStore struct {
	mu    sync.Mutex
	blobs map[string]string
}

var _ ArtifactStore = (*MemoryArtifactStore)(nil)

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string]string)}
}

func (s *MemoryArtifactStore) Put(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.blobs[id] = ref
	return id, nil
}

func (s *MemoryArtifactStore) Delete(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, artifactID)
	return nil
}

// MemoryRecipeStore is a process-local RecipeStore keyed by recipe id.
type MemoryRecipeStore struct {
	mu      sync.Mutex
	recipes map[string]storedRecipe
}

type storedRecipe struct {
	householdID string
	recipeJSON  string
}

var _ RecipeStore = (*MemoryRecipeStore)(nil)

func NewMemoryRecipeStore() *MemoryRecipeStore {
	return &MemoryRecipeStore{recipes: make(map[string]storedRecipe)}
}

func (s *MemoryRecipeStore) SaveRecipe(ctx context.Context, householdID, recipeJSON string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.recipes[id] = storedRecipe{householdID: householdID, recipeJSON: recipeJSON}
	return id, nil
}

func (s *MemoryRecipeStore) DeleteRecipe(ctx context.Context, recipeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipes[recipeID]; !ok {
		return fmt.Errorf("recipe %s not found", recipeID)
	}
	delete(s.recipes, recipeID)
	return nil
}

// Count reports the number of stored recipes. Test helper.
func (s *MemoryRecipeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recipes)
}

// MemoryPantryStore is a process-local PantryStore holding a flat item
// list per household.
type MemoryPantryStore struct {
	mu    sync.Mutex
	items map[string][]string
}

var _ PantryStore = (*MemoryPantryStore)(nil)

func NewMemoryPantryStore() *MemoryPantryStore {
	return &MemoryPantryStore{items: make(map[string][]string)}
}

func (s *MemoryPantryStore) ListPantry(ctx context.Context, householdID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[householdID]
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemoryPantryStore) UpdatePantry(ctx context.Context, householdID, updateJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta, err := parseDelta(updateJSON)
	if err != nil {
		return fmt.Errorf("parse pantry update: %w", err)
	}
	items := s.items[householdID]
	for _, removed := range delta.Removed {
		items = removeItem(items, removed)
	}
	items = append(items, delta.Added...)
	s.items[householdID] = items
	return nil
}

func removeItem(items []string, target string) []string {
	out := items[:0]
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}
