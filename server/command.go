package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mlsorensen/godesk"
)

// Command is a command submission, over HTTP or the websocket.
type Command struct {
	Action   string   `json:"action" binding:"required"`
	Slot     int      `json:"slot,omitempty"`
	HeightCM *float64 `json:"height_cm,omitempty"`
	Position *int     `json:"position,omitempty"`
	Limit    string   `json:"limit,omitempty"`
	Feature  *uint8   `json:"feature,omitempty"`
	Value    *uint8   `json:"value,omitempty"`
}

// Actions accepted in Command.Action.
const (
	ActionMoveUp         = "move_up"
	ActionMoveDown       = "move_down"
	ActionStop           = "stop"
	ActionPreset         = "preset"
	ActionMoveToHeight   = "move_to_height"
	ActionMoveToPosition = "move_to_position"
	ActionSetLimit       = "set_limit"
	ActionClearLimits    = "clear_limits"
	ActionSetFeature     = "set_feature"
	ActionQueryFeature   = "query_feature"
)

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", godesk.ErrInvalidArgument, field)
}

// Execute runs cmd against desk.
func Execute(ctx context.Context, desk godesk.Desk, cmd Command) error {
	switch cmd.Action {
	case ActionMoveUp:
		return desk.MoveUp(ctx)
	case ActionMoveDown:
		return desk.MoveDown(ctx)
	case ActionStop:
		return desk.Stop(ctx)
	case ActionPreset:
		return desk.MoveToPreset(ctx, cmd.Slot)
	case ActionMoveToHeight:
		if cmd.HeightCM == nil {
			return missing("height_cm")
		}
		return desk.MoveToHeight(ctx, *cmd.HeightCM)
	case ActionMoveToPosition:
		if cmd.Position == nil {
			return missing("position")
		}
		return desk.MoveToPosition(ctx, *cmd.Position)
	case ActionSetLimit:
		if cmd.HeightCM == nil {
			return missing("height_cm")
		}
		kind, err := godesk.ParseLimitKind(cmd.Limit)
		if err != nil {
			return err
		}
		return desk.SetLimit(ctx, kind, *cmd.HeightCM)
	case ActionClearLimits:
		return desk.ClearLimits(ctx)
	case ActionSetFeature:
		if cmd.Feature == nil || cmd.Value == nil {
			return missing("feature and value")
		}
		return desk.SetFeature(ctx, godesk.FeatureID(*cmd.Feature), *cmd.Value)
	case ActionQueryFeature:
		if cmd.Feature == nil {
			return missing("feature")
		}
		return desk.QueryFeature(ctx, godesk.FeatureID(*cmd.Feature))
	}
	return fmt.Errorf("%w: unknown action %q", godesk.ErrInvalidArgument, cmd.Action)
}

// StatusFor maps a command error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, godesk.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, godesk.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, godesk.ErrWriteFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
