package setpoint

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFromRadians(t *testing.T) {
	got := FromRadians(AttitudeCommand{Roll: math.Pi / 2, Pitch: 0, YawRate: 0, Thrust: 20000})

	if !almostEqual(got.Roll, 90.0) {
		t.Errorf("roll = %v, want 90", got.Roll)
	}
	if got.Pitch != 0 || got.YawRate != 0 {
		t.Errorf("pitch/yaw_rate = %v/%v, want 0/0", got.Pitch, got.YawRate)
	}
	if got.Thrust != 20000 {
		t.Errorf("thrust = %d, want 20000", got.Thrust)
	}
}

func TestFromRadiansNegativeAndFullTurn(t *testing.T) {
	got := FromRadians(AttitudeCommand{Roll: -math.Pi / 4, Pitch: math.Pi, YawRate: 2 * math.Pi, Thrust: 70000})

	if !almostEqual(got.Roll, -45) || !almostEqual(got.Pitch, 180) || !almostEqual(got.YawRate, 360) {
		t.Errorf("angles = %v/%v/%v, want -45/180/360", got.Roll, got.Pitch, got.YawRate)
	}
	if got.Thrust != MaxThrust {
		t.Errorf("thrust = %d, want clamped to %d", got.Thrust, MaxThrust)
	}
}

func TestFromTwist(t *testing.T) {
	tests := []struct {
		name string
		in   Twist
		want Setpoint
	}{
		{
			name: "scaled",
			in:   Twist{Linear: Vector3{X: 0.5, Y: -0.2, Z: 0.1}, Angular: Vector3{Z: 1.0}},
			want: Setpoint{Pitch: 0.5, Roll: -0.2, YawRate: 1.0, Thrust: 35000},
		},
		{
			name: "hover",
			in:   Twist{},
			want: Setpoint{Thrust: 33000},
		},
		{
			name: "full down clamps at zero",
			in:   Twist{Linear: Vector3{Z: -2}},
			want: Setpoint{Thrust: 0},
		},
		{
			name: "full up clamps at max",
			in:   Twist{Linear: Vector3{Z: 5}},
			want: Setpoint{Thrust: MaxThrust},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromTwist(tt.in); got != tt.want {
				t.Fatalf("FromTwist() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
