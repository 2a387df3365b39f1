package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parcelview/persist/internal/record"
)

// Position places a panel on the dashboard grid.
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Size is a panel's extent as percentages of the dashboard.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PanelDescriptor describes one panel slot inside a layout. It references a
// panel id, not the panel's persisted state.
type PanelDescriptor struct {
	ID          string   `json:"id"`
	ContentType string   `json:"contentType"`
	Title       string   `json:"title,omitempty"`
	Position    Position `json:"position"`
	Size        Size     `json:"size"`
}

// LayoutConfig is a saved dashboard arrangement. A layout is either a system
// default (immutable seed data) or user-owned.
type LayoutConfig struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type"`
	Panels      []PanelDescriptor `json:"panels"`
	IsDefault   bool              `json:"isDefault,omitempty"`
	IsPublic    bool              `json:"isPublic,omitempty"`
}

// validateLayoutConfig rejects malformed layout payloads at write time.
func validateLayoutConfig(payload []byte) error {
	var lc LayoutConfig
	if err := json.Unmarshal(payload, &lc); err != nil {
		return err
	}
	if lc.Name == "" {
		return errors.New("name is required")
	}
	for i, p := range lc.Panels {
		if p.ID == "" {
			return fmt.Errorf("panel %d: id is required", i)
		}
		if p.ContentType == "" {
			return fmt.Errorf("panel %d: contentType is required", i)
		}
	}
	return nil
}

// Layouts is the persistence facade for dashboard layouts.
type Layouts struct {
	*Facade[LayoutConfig]
}

// NewLayouts creates the layout facade and installs its payload validator on
// the record store.
func NewLayouts(deps Deps) *Layouts {
	deps.Store.RegisterValidator(record.KindLayout, validateLayoutConfig)
	return &Layouts{newFacade[LayoutConfig](record.KindLayout, deps)}
}

// Create saves a layout under a fresh id.
func (l *Layouts) Create(ctx context.Context, layout LayoutConfig) (string, *Result[LayoutConfig], error) {
	id := uuid.NewString()
	res, err := l.Save(ctx, id, layout)
	if err != nil {
		return "", nil, err
	}
	return id, res, nil
}

// Save persists a layout. System default layouts are immutable: editing one
// is rejected, cloning is the supported path.
func (l *Layouts) Save(ctx context.Context, id string, layout LayoutConfig) (*Result[LayoutConfig], error) {
	if stored, ok, _ := l.deps.Store.Get(record.KindLayout, id); ok {
		var current LayoutConfig
		if err := json.Unmarshal(stored.Payload, &current); err == nil && current.IsDefault {
			return nil, fmt.Errorf("layout %s is a system default and cannot be edited; clone it instead", id)
		}
	}
	return l.Facade.Save(ctx, id, layout)
}

// Clone copies an existing layout under a new name and a fresh id. The copy
// is user-owned: the source's id and isDefault flag are stripped.
func (l *Layouts) Clone(ctx context.Context, id, newName string) (string, *Result[LayoutConfig], error) {
	res, found, err := l.Fetch(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("layout %s not found", id)
	}

	copied := res.Value
	copied.Name = newName
	copied.IsDefault = false

	newID := uuid.NewString()
	saved, err := l.Save(ctx, newID, copied)
	if err != nil {
		return "", nil, err
	}
	return newID, saved, nil
}
