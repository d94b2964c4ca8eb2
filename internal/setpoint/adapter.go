package setpoint

import "math"

// AttitudeCommand is the inbound attitude message. Angles are in radians,
// thrust is taken as-is.
type AttitudeCommand struct {
	Roll    float64 `json:"roll"`
	Pitch   float64 `json:"pitch"`
	YawRate float64 `json:"yaw_rate"`
	Thrust  float64 `json:"thrust"`
}

// Vector3 mirrors a geometry vector in a motion command.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Twist is a generic motion command (linear + angular velocity).
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// Thrust mapping for the twist adapter: hover base plus linear.z gain.
const (
	TwistThrustBase = 33000
	TwistThrustGain = 20000
)

// FromRadians converts an attitude command in radians to a Setpoint in degrees.
func FromRadians(c AttitudeCommand) Setpoint {
	return Setpoint{
		Roll:    c.Roll / math.Pi * 180.0,
		Pitch:   c.Pitch / math.Pi * 180.0,
		YawRate: c.YawRate / math.Pi * 180.0,
		Thrust:  ClampThrust(c.Thrust),
	}
}

// FromTwist maps a motion command directly onto a Setpoint:
// linear.x is pitch, linear.y is roll, angular.z is yaw rate and
// linear.z scales thrust around the hover base.
func FromTwist(t Twist) Setpoint {
	return Setpoint{
		Pitch:   t.Linear.X,
		Roll:    t.Linear.Y,
		YawRate: t.Angular.Z,
		Thrust:  ClampThrust(math.Round(TwistThrustBase + t.Linear.Z*TwistThrustGain)),
	}
}
