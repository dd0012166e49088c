package bertec

import "context"

// TreadmillCommand sets both belts. Velocities are in m/s, ramps in m/s².
type TreadmillCommand struct {
	LeftVel    float64
	LeftAccel  float64
	LeftDecel  float64
	RightVel   float64
	RightAccel float64
	RightDecel float64
}

// Symmetric returns a command driving both belts identically.
func Symmetric(vel, accel, decel float64) TreadmillCommand {
	return TreadmillCommand{
		LeftVel: vel, LeftAccel: accel, LeftDecel: decel,
		RightVel: vel, RightAccel: accel, RightDecel: decel,
	}
}

// Params renders the command the way the server parses it.
func (t TreadmillCommand) Params(decimalComma bool) map[string]any {
	return map[string]any{
		"leftVel":    formatDecimal(t.LeftVel, decimalComma),
		"leftAccel":  formatDecimal(t.LeftAccel, decimalComma),
		"leftDecel":  formatDecimal(t.LeftDecel, decimalComma),
		"rightVel":   formatDecimal(t.RightVel, decimalComma),
		"rightAccel": formatDecimal(t.RightAccel, decimalComma),
		"rightDecel": formatDecimal(t.RightDecel, decimalComma),
	}
}

// RunTreadmill sets belt speeds and ramps.
func (c *Client) RunTreadmill(ctx context.Context, cmd TreadmillCommand) (*Response, error) {
	return c.SendCommand(ctx, MethodRunTreadmill, cmd.Params(c.cfg.DecimalComma))
}

// RunIncline sets the incline angle in degrees.
func (c *Client) RunIncline(ctx context.Context, angle float64) (*Response, error) {
	return c.SendCommand(ctx, MethodRunIncline, map[string]any{"inclineAngle": angle})
}

// IsTreadmillMoving asks whether either belt is moving.
func (c *Client) IsTreadmillMoving(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, MethodIsTreadmillMoving, nil)
}

// IsInclineMoving asks whether the incline is changing.
func (c *Client) IsInclineMoving(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, MethodIsInclineMoving, nil)
}

// IsClientAuthenticated asks whether the server accepted this client.
func (c *Client) IsClientAuthenticated(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, MethodIsClientAuthenticated, nil)
}
