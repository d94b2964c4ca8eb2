package link

import (
	"context"
	"errors"
	"testing"

	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in   string
		want URI
	}{
		{"radio://0/80/2M/E7E7E7E7E7", URI{Scheme: "radio", Host: "0", Path: []string{"80", "2M", "E7E7E7E7E7"}}},
		{"radio://0/80/2M", URI{Scheme: "radio", Host: "0", Path: []string{"80", "2M"}}},
		{"serial:///dev/ttyUSB0", URI{Scheme: "serial", Path: []string{"dev", "ttyUSB0"}}},
		{"sim://cf1", URI{Scheme: "sim", Host: "cf1"}},
	}
	for _, tt := range tests {
		got, err := ParseURI(tt.in)
		if err != nil {
			t.Fatalf("ParseURI(%q) error = %v", tt.in, err)
		}
		if got.Scheme != tt.want.Scheme || got.Host != tt.want.Host || len(got.Path) != len(tt.want.Path) {
			t.Fatalf("ParseURI(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		for i := range got.Path {
			if got.Path[i] != tt.want.Path[i] {
				t.Fatalf("ParseURI(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}

	for _, bad := range []string{"", "cf1", "radio://", "::"} {
		if _, err := ParseURI(bad); err == nil {
			t.Errorf("ParseURI(%q) succeeded", bad)
		}
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		scanned, target string
		want            bool
	}{
		{"radio://0/80/2M", "radio://0/80/2M", true},
		{"radio://0/80/2M", "radio://0/80/2M/E7E7E7E7E7", true},
		{"radio://0/70/2M", "radio://0/80/2M/E7E7E7E7E7", false},
		{"radio://1/80/2M", "radio://0/80/2M", false},
		{"radio://0/80/2M/E7E7E7E7E7", "radio://0/80/2M", false},
		{"sim://cf1", "sim://cf1", true},
		{"sim://cf1", "sim://cf2", false},
		{"garbage", "sim://cf1", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.scanned, tt.target); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.scanned, tt.target, got, tt.want)
		}
	}
}

type stubDriver struct {
	scheme string
	uris   []string
	err    error
	opened string
}

func (d *stubDriver) Scheme() string { return d.scheme }

func (d *stubDriver) Scan(context.Context) ([]string, error) { return d.uris, d.err }

func (d *stubDriver) Open(_ context.Context, uri string) (Conn, error) {
	d.opened = uri
	return nil, errors.New("stub")
}

func TestRegistry(t *testing.T) {
	a := &stubDriver{scheme: "a", uris: []string{"a://1"}}
	b := &stubDriver{scheme: "b", err: errors.New("no adapter")}
	r := NewRegistry(a, b)

	uris, err := r.Scan(context.Background())
	if err != nil || len(uris) != 1 || uris[0] != "a://1" {
		t.Fatalf("Scan() = %v, %v", uris, err)
	}

	_, _ = r.Open(context.Background(), "a://1")
	if a.opened != "a://1" {
		t.Fatalf("driver a opened %q", a.opened)
	}
	if _, err := r.Open(context.Background(), "radio://0/80/2M"); !errors.Is(err, ErrConnection) {
		t.Fatalf("Open(unknown scheme) = %v, want ErrConnection", err)
	}

	onlyFailing := NewRegistry(b)
	if _, err := onlyFailing.Scan(context.Background()); err == nil {
		t.Fatal("Scan() with every driver failing returned nil error")
	}
}

// compile-time check that Session can stand in for a Conn's send/subscribe side
var _ interface {
	SendSetpoint(context.Context, setpoint.Setpoint) error
	SendLatest(context.Context, func(bool) setpoint.Setpoint) error
	Subscribe(context.Context, LogConfig) (Subscription, error)
} = (*Session)(nil)

func TestNotifyDropsOvertakenTransitions(t *testing.T) {
	s := NewSession(&stubDriver{scheme: "a"})
	var got []State
	s.OnTransition(func(tr Transition) { got = append(got, tr.To) })

	// Close's Disconnected (seq 3) is delivered before Open's Connected
	// (seq 2) reaches notify.
	s.notify(Transition{To: Connecting, seq: 1})
	s.notify(Transition{To: Disconnected, seq: 3})
	s.notify(Transition{To: Connected, seq: 2})
	s.notify(Transition{To: Connecting, seq: 4})

	want := []State{Connecting, Disconnected, Connecting}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestTransitionsCarryIncreasingSequence(t *testing.T) {
	s := NewSession(&stubDriver{scheme: "a"})
	var seqs []uint64
	s.OnTransition(func(tr Transition) { seqs = append(seqs, tr.seq) })

	_ = s.Open(context.Background(), "a://1") // stub fails: Connecting, Failed
	_ = s.Close()

	if len(seqs) != 3 {
		t.Fatalf("got %d transitions, want 3", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}
}
