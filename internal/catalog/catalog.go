// Package catalog manages the modification item catalog: the per-item field
// schemas the collection flow asks about. Definitions are validated at load
// time (field types, select options, condition references, dependency
// cycles) so the flow can assume well-formed, acyclic schemas at runtime.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

// Service is a read-through cache over the store's item definitions. Reads
// are served from memory; writes go through the store and refresh the cache.
type Service struct {
	store store.Store

	mu    sync.RWMutex
	items map[string]models.ItemDefinition
}

// New loads and validates all item definitions from the store. A malformed
// definition (including a field dependency cycle) fails startup rather than
// surfacing mid-conversation.
func New(s store.Store) (*Service, error) {
	defs, err := s.ListItemDefinitions()
	if err != nil {
		return nil, fmt.Errorf("failed to load item catalog: %w", err)
	}

	items := make(map[string]models.ItemDefinition, len(defs))
	for _, def := range defs {
		if err := ValidateDefinition(def); err != nil {
			slog.Error("catalog.New: invalid item definition", "error", err, "code", def.Code)
			return nil, fmt.Errorf("invalid item definition %s: %w", def.Code, err)
		}
		items[def.Code] = def
	}

	slog.Info("catalog.New: item catalog loaded", "items", len(items))
	return &Service{store: s, items: items}, nil
}

// GetItemDefinition returns the definition for an item code, or
// models.ErrUnknownItem when the code is not in the catalog.
func (s *Service) GetItemDefinition(ctx context.Context, code string) (*models.ItemDefinition, error) {
	s.mu.RLock()
	def, ok := s.items[code]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("item %s: %w", code, models.ErrUnknownItem)
	}
	copied := def
	return &copied, nil
}

// ListItems returns every definition in the catalog.
func (s *Service) ListItems(ctx context.Context) ([]models.ItemDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ItemDefinition, 0, len(s.items))
	for _, def := range s.items {
		out = append(out, def)
	}
	return out, nil
}

// UpsertItem validates and persists a definition, then refreshes the cache.
func (s *Service) UpsertItem(ctx context.Context, def models.ItemDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return fmt.Errorf("invalid item definition %s: %w", def.Code, err)
	}
	if err := s.store.SaveItemDefinition(def); err != nil {
		return fmt.Errorf("failed to save item definition %s: %w", def.Code, err)
	}
	s.mu.Lock()
	s.items[def.Code] = def
	s.mu.Unlock()
	slog.Info("catalog.UpsertItem: item definition saved", "code", def.Code, "fields", len(def.Fields))
	return nil
}

// ValidateDefinition checks an item definition for structural problems:
// missing code or field keys, unknown field types, selects without options,
// invalid patterns, conditions referencing unknown fields, and dependency
// cycles.
func ValidateDefinition(def models.ItemDefinition) error {
	if def.Code == "" {
		return fmt.Errorf("item code is empty")
	}
	byKey := make(map[string]models.FieldDefinition, len(def.Fields))
	for _, fd := range def.Fields {
		if fd.Key == "" {
			return fmt.Errorf("field with empty key")
		}
		if _, dup := byKey[fd.Key]; dup {
			return fmt.Errorf("duplicate field key %s", fd.Key)
		}
		if !models.IsValidFieldType(fd.Type) {
			return fmt.Errorf("field %s: unknown type %s", fd.Key, fd.Type)
		}
		if fd.Type == models.FieldTypeSelect && len(fd.Options) == 0 {
			return fmt.Errorf("field %s: select field without options", fd.Key)
		}
		if fd.Pattern != "" {
			if _, err := regexp.Compile(fd.Pattern); err != nil {
				return fmt.Errorf("field %s: invalid pattern: %w", fd.Key, err)
			}
		}
		byKey[fd.Key] = fd
	}

	for _, fd := range def.Fields {
		if fd.Condition == nil {
			continue
		}
		if _, ok := byKey[fd.Condition.Field]; !ok {
			return fmt.Errorf("field %s: condition references unknown field %s", fd.Key, fd.Condition.Field)
		}
	}

	return checkAcyclic(def.Fields)
}

// checkAcyclic walks the condition dependency edges with a three-color DFS
// and reports models.ErrCatalogCycle on a back edge.
func checkAcyclic(fields []models.FieldDefinition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byKey := make(map[string]models.FieldDefinition, len(fields))
	color := make(map[string]int, len(fields))
	for _, fd := range fields {
		byKey[fd.Key] = fd
	}

	var visit func(key string) error
	visit = func(key string) error {
		switch color[key] {
		case gray:
			return fmt.Errorf("field %s: %w", key, models.ErrCatalogCycle)
		case black:
			return nil
		}
		color[key] = gray
		if fd, ok := byKey[key]; ok && fd.Condition != nil {
			if err := visit(fd.Condition.Field); err != nil {
				return err
			}
		}
		color[key] = black
		return nil
	}

	for _, fd := range fields {
		if err := visit(fd.Key); err != nil {
			return err
		}
	}
	return nil
}
