package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultGroupsAreValidAndDisjoint(t *testing.T) {
	seen := make(map[string]string)
	for _, g := range DefaultGroups() {
		if err := g.Validate(); err != nil {
			t.Fatalf("group %s invalid: %v", g.Name, err)
		}
		for _, v := range g.Variables {
			if other, ok := seen[v]; ok {
				t.Errorf("variable %s declared by %s and %s", v, other, g.Name)
			}
			seen[v] = g.Name
		}
	}
	if len(DefaultGroups()) != 4 {
		t.Fatalf("got %d default groups, want 4", len(DefaultGroups()))
	}
}

func TestParseGroups(t *testing.T) {
	data := []byte(`
groups:
  - name: pose
    periodMs: 20
    variables: [stabilizer.roll, stabilizer.pitch]
  - name: battery
    periodMs: 100
    variables:
      - pm.vbat
`)
	groups, err := ParseGroups(data)
	if err != nil {
		t.Fatalf("ParseGroups() error = %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Period != 20*time.Millisecond || len(groups[0].Variables) != 2 {
		t.Errorf("pose group = %+v", groups[0])
	}
	if groups[1].Name != "battery" || groups[1].Variables[0] != "pm.vbat" {
		t.Errorf("battery group = %+v", groups[1])
	}
}

func TestParseGroupsErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "groups: []", "no groups"},
		{"no period", "groups: [{name: a, variables: [x]}]", "period"},
		{"no variables", "groups: [{name: a, periodMs: 10}]", "at least one variable"},
		{"duplicate variable", "groups: [{name: a, periodMs: 10, variables: [x, x]}]", "duplicate variable"},
		{"duplicate group", "groups: [{name: a, periodMs: 10, variables: [x]}, {name: a, periodMs: 10, variables: [y]}]", "duplicate group"},
		{"bad yaml", "groups: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGroups([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ParseGroups() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	if err := os.WriteFile(path, []byte("groups:\n  - name: v\n    periodMs: 10\n    variables: [stateEstimate.vx]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	groups, err := LoadGroups(path)
	if err != nil {
		t.Fatalf("LoadGroups() error = %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "v" {
		t.Fatalf("LoadGroups() = %+v", groups)
	}

	if _, err := LoadGroups(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadGroups() on missing file returned nil error")
	}
}

func TestShippedGroupsFileMatchesDefaults(t *testing.T) {
	groups, err := LoadGroups(filepath.Join("..", "..", "telemetry_groups.yaml"))
	if err != nil {
		t.Fatalf("LoadGroups() error = %v", err)
	}
	want := DefaultGroups()
	if len(groups) != len(want) {
		t.Fatalf("got %d groups, want %d", len(groups), len(want))
	}
	for i := range want {
		if groups[i].Name != want[i].Name || groups[i].Period != want[i].Period {
			t.Errorf("group %d = %s/%v, want %s/%v", i, groups[i].Name, groups[i].Period, want[i].Name, want[i].Period)
		}
		if strings.Join(groups[i].Variables, ",") != strings.Join(want[i].Variables, ",") {
			t.Errorf("%s variables = %v, want %v", want[i].Name, groups[i].Variables, want[i].Variables)
		}
	}
}
