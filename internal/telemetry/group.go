// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Group names of the built-in log groups.
const (
	GroupPose            = "pose"
	GroupPoseIntegral    = "pose_integral"
	GroupAngularIntegral = "angular_integral"
	GroupVelocity        = "velocity"
)

// DefaultPeriod is the onboard sampling period used by the built-in groups.
const DefaultPeriod = 10 * time.Millisecond

// Group is a fixed, named bundle of onboard variables sampled together.
type Group struct {
	Name      string
	Period    time.Duration
	Variables []string
}

// DefaultGroups returns the four groups the bridge streams by default.
func DefaultGroups() []Group {
	return []Group{
		{
			Name:   GroupPose,
			Period: DefaultPeriod,
			Variables: []string{
				"stabilizer.roll", "stabilizer.pitch", "stabilizer.yaw", // angles
				"gyro.x", "gyro.y", "gyro.z", // angular velocity
			},
		},
		{
			Name:   GroupPoseIntegral,
			Period: DefaultPeriod,
			Variables: []string{
				"posCtl.Xi", "posCtl.Yi", "posCtl.Zi", // position controller
				"posCtl.VXi", "posCtl.VYi", "posCtl.VZi", // velocity controller
			},
		},
		{
			Name:   GroupAngularIntegral,
			Period: DefaultPeriod,
			Variables: []string{
				"pid_attitude.roll_outI", "pid_attitude.pitch_outI", "pid_attitude.yaw_outI",
				"pid_rate.roll_outI", "pid_rate.pitch_outI", "pid_rate.yaw_outI",
			},
		},
		{
			Name:   GroupVelocity,
			Period: DefaultPeriod,
			Variables: []string{
				"stateEstimate.vx", "stateEstimate.vy", "stateEstimate.vz",
			},
		},
	}
}

// Validate checks the group has a name, a positive period and unique variables.
func (g Group) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if g.Period <= 0 {
		return fmt.Errorf("group %q: period must be positive, got %s", g.Name, g.Period)
	}
	if len(g.Variables) == 0 {
		return fmt.Errorf("group %q: at least one variable is required", g.Name)
	}
	seen := make(map[string]struct{}, len(g.Variables))
	for _, v := range g.Variables {
		if v == "" {
			return fmt.Errorf("group %q: empty variable name", g.Name)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("group %q: duplicate variable %q", g.Name, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

type groupsFile struct {
	Groups []struct {
		Name      string   `yaml:"name"`
		PeriodMS  int      `yaml:"periodMs"`
		Variables []string `yaml:"variables"`
	} `yaml:"groups"`
}

// LoadGroups reads group definitions from a YAML file of the form
//
//	groups:
//	  - name: pose
//	    periodMs: 10
//	    variables: [stabilizer.roll, stabilizer.pitch]
func LoadGroups(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}
	return ParseGroups(data)
}

// ParseGroups decodes and validates YAML group definitions.
func ParseGroups(data []byte) ([]Group, error) {
	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse groups: %w", err)
	}
	if len(f.Groups) == 0 {
		return nil, fmt.Errorf("no groups defined")
	}

	groups := make([]Group, 0, len(f.Groups))
	names := make(map[string]struct{}, len(f.Groups))
	for _, raw := range f.Groups {
		g := Group{
			Name:      raw.Name,
			Period:    time.Duration(raw.PeriodMS) * time.Millisecond,
			Variables: raw.Variables,
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := names[g.Name]; dup {
			return nil, fmt.Errorf("duplicate group %q", g.Name)
		}
		names[g.Name] = struct{}{}
		groups = append(groups, g)
	}
	return groups, nil
}
