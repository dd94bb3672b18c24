// Package types provides the shared wire and storage types used by the
// offline queue, the sync transport and the reference authority so that
// none of them has to import another.
package types

import (
	"encoding/json"
	"fmt"
)

// ActionType names a deferred operation. The set is closed: new operations
// get a new variant, existing ones are never overloaded.
type ActionType string

const (
	ActionAddMeal    ActionType = "add_meal"
	ActionAddWeight  ActionType = "add_weight"
	ActionUpdateMeal ActionType = "update_meal"
	ActionDeleteMeal ActionType = "delete_meal"
)

// ActionTypes lists every supported ActionType in declaration order.
var ActionTypes = []ActionType{
	ActionAddMeal,
	ActionAddWeight,
	ActionUpdateMeal,
	ActionDeleteMeal,
}

// Valid reports whether t is one of the supported action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseActionType converts a string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

// QueuedAction is one deferred user intent awaiting remote application.
type QueuedAction struct {
	ID        string          `json:"id"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// SyncResult is the remote authority's acknowledgment for one action.
type SyncResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchRequest is the body posted to the batch endpoint.
type BatchRequest struct {
	Actions []QueuedAction `json:"actions"`
}

// BatchResponse carries exactly one SyncResult per submitted action.
type BatchResponse struct {
	Results []SyncResult `json:"results"`
}

// Summary is the outcome of draining the offline queue once.
type Summary struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
	Errors  int  `json:"errors"`
}

// MealPayload is the payload of add_meal and update_meal actions.
type MealPayload struct {
	MealID   string  `json:"meal_id"`
	Name     string  `json:"name"`
	Calories float64 `json:"calories"`
	EatenAt  string  `json:"eaten_at"` // RFC3339
	Notes    string  `json:"notes,omitempty"`
}

// WeightPayload is the payload of add_weight actions.
type WeightPayload struct {
	Weight float64 `json:"weight"`
	Date   string  `json:"date"` // YYYY-MM-DD
}

// MealRefPayload identifies a meal for delete_meal actions.
type MealRefPayload struct {
	MealID string `json:"meal_id"`
}
