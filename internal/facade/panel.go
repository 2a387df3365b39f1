package facade

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parcelview/persist/internal/record"
)

// PanelState is the persisted state of one dashboard panel: what it renders
// and an opaque blob of panel-specific UI state (map viewport, grid sort
// order, and so on).
type PanelState struct {
	ContentType string          `json:"contentType"`
	State       json.RawMessage `json:"state,omitempty"`
}

// validatePanelState rejects malformed panel payloads at write time.
func validatePanelState(payload []byte) error {
	var ps PanelState
	if err := json.Unmarshal(payload, &ps); err != nil {
		return err
	}
	if ps.ContentType == "" {
		return errors.New("contentType is required")
	}
	if len(ps.State) > 0 && !json.Valid(ps.State) {
		return errors.New("state is not valid JSON")
	}
	return nil
}

// PanelStates is the persistence facade for panel state. Records are keyed
// by the panel's own id.
type PanelStates struct {
	*Facade[PanelState]
}

// NewPanelStates creates the panel-state facade and installs its payload
// validator on the record store.
func NewPanelStates(deps Deps) *PanelStates {
	deps.Store.RegisterValidator(record.KindPanel, validatePanelState)
	return &PanelStates{newFacade[PanelState](record.KindPanel, deps)}
}

// Remove drops a panel's state when the panel is removed from the dashboard.
func (p *PanelStates) Remove(ctx context.Context, panelID string) (bool, error) {
	return p.Delete(ctx, panelID)
}
