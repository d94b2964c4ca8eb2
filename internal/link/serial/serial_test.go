package serial

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

// vehicleEnd is the far side of a piped serial port.
type vehicleEnd struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (v *vehicleEnd) readFrame() frame {
	v.t.Helper()
	_ = v.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := v.r.ReadBytes('\n')
	if err != nil {
		v.t.Fatalf("vehicle read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		v.t.Fatalf("vehicle decode %q: %v", line, err)
	}
	return f
}

func (v *vehicleEnd) writeFrame(f frame) {
	v.t.Helper()
	b, _ := json.Marshal(f)
	_ = v.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := v.conn.Write(append(b, '\n')); err != nil {
		v.t.Fatalf("vehicle write: %v", err)
	}
}

func pipeDriver(t *testing.T) (*Driver, chan *vehicleEnd, chan goserial.OpenOptions) {
	ends := make(chan *vehicleEnd, 1)
	opened := make(chan goserial.OpenOptions, 1)
	d := NewDriver(115200)
	d.open = func(o goserial.OpenOptions) (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		opened <- o
		ends <- &vehicleEnd{t: t, conn: b, r: bufio.NewReader(b)}
		return a, nil
	}
	return d, ends, opened
}

func TestOpenUsesPortFromURI(t *testing.T) {
	d, ends, opened := pipeDriver(t)
	c, err := d.Open(context.Background(), "serial:///dev/ttyUSB3")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	<-ends

	o := <-opened
	if o.PortName != "/dev/ttyUSB3" || o.BaudRate != 115200 || o.ParityMode != goserial.PARITY_NONE {
		t.Fatalf("open options = %+v", o)
	}
}

func TestOpenErrors(t *testing.T) {
	d := NewDriver(9600)
	d.open = func(goserial.OpenOptions) (io.ReadWriteCloser, error) {
		return nil, errors.New("permission denied")
	}
	if _, err := d.Open(context.Background(), "serial:///dev/ttyUSB0"); !errors.Is(err, link.ErrConnection) {
		t.Fatalf("Open() error = %v, want ErrConnection", err)
	}
	if _, err := d.Open(context.Background(), "sim://cf1"); !errors.Is(err, link.ErrConnection) {
		t.Fatalf("Open(sim) error = %v, want ErrConnection", err)
	}
}

func TestSendSetpointFrame(t *testing.T) {
	d, ends, _ := pipeDriver(t)
	c, err := d.Open(context.Background(), "serial:///dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	v := <-ends

	errc := make(chan error, 1)
	go func() {
		errc <- c.SendSetpoint(context.Background(), setpoint.Setpoint{Roll: 1.5, Pitch: -2, YawRate: 10, Thrust: 30000})
	}()

	f := v.readFrame()
	if err := <-errc; err != nil {
		t.Fatalf("SendSetpoint() error = %v", err)
	}
	if f.Type != frameSetpoint || f.Roll != 1.5 || f.Pitch != -2 || f.YawRate != 10 || f.Thrust != 30000 {
		t.Fatalf("frame = %+v", f)
	}
}

func TestSubscribeRoutesLogFrames(t *testing.T) {
	d, ends, _ := pipeDriver(t)
	c, err := d.Open(context.Background(), "serial:///dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	v := <-ends

	type result struct {
		sub link.Subscription
		err error
	}
	subc := make(chan result, 1)
	go func() {
		s, err := c.Subscribe(context.Background(), link.LogConfig{
			Name:      "velocity",
			Period:    10 * time.Millisecond,
			Variables: []string{"stateEstimate.vx"},
		})
		subc <- result{s, err}
	}()

	start := v.readFrame()
	r := <-subc
	if r.err != nil {
		t.Fatalf("Subscribe() error = %v", r.err)
	}
	if start.Type != frameLogStart || start.PeriodMS != 10 || len(start.Vars) != 1 {
		t.Fatalf("log_start frame = %+v", start)
	}

	// entries for unknown ids are dropped
	v.writeFrame(frame{Type: frameLog, ID: start.ID + 100, Values: map[string]float64{"x": 1}})
	v.writeFrame(frame{Type: frameLog, ID: start.ID, Tick: 77, Values: map[string]float64{"stateEstimate.vx": 0.25}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := r.sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if e.Tick != 77 || e.Name != "velocity" || e.Values["stateEstimate.vx"] != 0.25 {
		t.Fatalf("entry = %+v", e)
	}

	closed := make(chan error, 1)
	go func() { closed <- r.sub.Close() }()
	stop := v.readFrame()
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if stop.Type != frameLogStop || stop.ID != start.ID {
		t.Fatalf("log_stop frame = %+v", stop)
	}
}

func TestConnectionLossClosesDone(t *testing.T) {
	d, ends, _ := pipeDriver(t)
	c, err := d.Open(context.Background(), "serial:///dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}
	v := <-ends
	_ = v.conn.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after port went away")
	}
	if c.Err() == nil {
		t.Fatal("Err() = nil after loss")
	}
	if err := c.SendSetpoint(context.Background(), setpoint.Neutral); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("SendSetpoint after loss = %v, want ErrClosed", err)
	}
}

func TestScanGlobsPatterns(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"ttyUSB1", "ttyUSB0", "other"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	d := NewDriver(9600)
	d.Patterns = []string{filepath.Join(dir, "ttyUSB*")}

	uris, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{"serial://" + filepath.Join(dir, "ttyUSB0"), "serial://" + filepath.Join(dir, "ttyUSB1")}
	if len(uris) != 2 || uris[0] != want[0] || uris[1] != want[1] {
		t.Fatalf("Scan() = %v, want %v", uris, want)
	}
}
