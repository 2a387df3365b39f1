package facade

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/parcelview/persist/internal/record"
)

// FilterSet holds the active listing filters by field name (price range,
// property type, area, and so on). Values are opaque to the persistence
// layer.
type FilterSet map[string]json.RawMessage

// FilterPreset is a named, reusable filter configuration.
type FilterPreset struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Filters     FilterSet `json:"filters"`
	IsDefault   bool      `json:"isDefault,omitempty"`
}

// validateFilterPreset rejects malformed preset payloads at write time.
func validateFilterPreset(payload []byte) error {
	var fp FilterPreset
	if err := json.Unmarshal(payload, &fp); err != nil {
		return err
	}
	if fp.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// FilterPresets is the persistence facade for saved filter presets.
type FilterPresets struct {
	*Facade[FilterPreset]
}

// NewFilterPresets creates the filter-preset facade and installs its payload
// validator on the record store.
func NewFilterPresets(deps Deps) *FilterPresets {
	deps.Store.RegisterValidator(record.KindFilter, validateFilterPreset)
	return &FilterPresets{newFacade[FilterPreset](record.KindFilter, deps)}
}

// Create saves the current filters as a new preset under a fresh id.
func (p *FilterPresets) Create(ctx context.Context, preset FilterPreset) (string, *Result[FilterPreset], error) {
	id := uuid.NewString()
	res, err := p.Save(ctx, id, preset)
	if err != nil {
		return "", nil, err
	}
	return id, res, nil
}
