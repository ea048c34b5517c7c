package controller

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"picomotor-host/pkg/config"
	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
	"picomotor-host/pkg/sim"
	"picomotor-host/pkg/taskqueue"
	"picomotor-host/pkg/transport"
)

const stepSize = 1e-6

func simConfig() config.DeviceConfig {
	return config.DeviceConfig{
		Name:    "stage",
		Address: "sim",
		Axes: []config.AxisConfig{
			{Name: "x", StepSize: stepSize},
			{Name: "y", StepSize: stepSize, Inverted: true},
		},
	}
}

func newSimController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(simConfig(), log.New("test"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Terminate() })
	return c
}

func TestConstruction(t *testing.T) {
	c := newSimController(t)

	model, fw, _ := c.Identification()
	if model == "" || fw == "" {
		t.Errorf("Identification = (%q, %q), want non-empty model and firmware", model, fw)
	}
	axes := c.Axes()
	if len(axes) != 2 || axes[0] != "x" || axes[1] != "y" {
		t.Errorf("Axes = %v, want [x y]", axes)
	}

	pos := c.Position()
	if pos["x"] != 0 || pos["y"] != 0 {
		t.Errorf("initial Position = %v, want zeros", pos)
	}
	speed := c.Speed()
	// Default device speed is 31250 steps/s.
	want := 31250 * stepSize
	if math.Abs(speed["x"]-want) > want*0.01 {
		t.Errorf("Speed[x] = %g, want ~%g", speed["x"], want)
	}
}

func TestMoveRel(t *testing.T) {
	c := newSimController(t)

	shift := 1e-3 // 1000 steps, ~32 ms at default speed
	task, err := c.MoveRel(map[string]float64{"x": shift})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}

	pos := c.Position()
	if math.Abs(pos["x"]-shift) > stepSize {
		t.Errorf("Position[x] = %g, want %g within one step", pos["x"], shift)
	}
	if pos["y"] != 0 {
		t.Errorf("Position[y] = %g, want 0", pos["y"])
	}
}

func TestMoveRelDuration(t *testing.T) {
	c := newSimController(t)

	// Slow the axis down so the move takes a measurable time.
	if err := c.SetVelocity("x", 1000*stepSize); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	speed := c.Speed()["x"]
	if speed <= 0 {
		t.Fatalf("Speed[x] = %g after SetVelocity", speed)
	}

	shift := 500 * stepSize
	expected := shift / speed

	start := time.Now()
	task, err := c.MoveRel(map[string]float64{"x": shift})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}
	elapsed := time.Since(start).Seconds()

	if elapsed < expected*0.8 {
		t.Errorf("move finished in %.3f s, expected about %.3f s", elapsed, expected)
	}
	if elapsed > expected*3+0.5 {
		t.Errorf("move took %.3f s, expected about %.3f s", elapsed, expected)
	}
}

func TestMoveAbsInverted(t *testing.T) {
	c := newSimController(t)

	target := -0.5e-3
	task, err := c.MoveAbs(map[string]float64{"y": target})
	if err != nil {
		t.Fatalf("MoveAbs: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}

	pos := c.Position()
	if math.Abs(pos["y"]-target) > stepSize {
		t.Errorf("Position[y] = %g, want %g within one step", pos["y"], target)
	}
}

func TestMoveRelInverted(t *testing.T) {
	c := newSimController(t)

	task, err := c.MoveRel(map[string]float64{"y": 1e-4})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}

	pos := c.Position()
	if math.Abs(pos["y"]-1e-4) > stepSize {
		t.Errorf("Position[y] = %g, want 1e-4 within one step", pos["y"])
	}
}

func TestSubStepMoveDropped(t *testing.T) {
	c := newSimController(t)

	task, err := c.MoveRel(map[string]float64{"x": 0.4 * stepSize})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if task.State() != taskqueue.Completed {
		t.Errorf("State = %s, want completed without executing", task.State())
	}
	if pos := c.Position(); pos["x"] != 0 {
		t.Errorf("Position[x] = %g after dropped move, want 0", pos["x"])
	}
}

func TestMixedSubStepMove(t *testing.T) {
	c := newSimController(t)

	// The y delta is below one step and must be dropped; x still moves.
	task, err := c.MoveRel(map[string]float64{"x": 1e-4, "y": 0.3 * stepSize})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}

	pos := c.Position()
	if math.Abs(pos["x"]-1e-4) > stepSize {
		t.Errorf("Position[x] = %g, want 1e-4 within one step", pos["x"])
	}
	if pos["y"] != 0 {
		t.Errorf("Position[y] = %g, want 0", pos["y"])
	}
}

func TestUnknownAxis(t *testing.T) {
	c := newSimController(t)

	if _, err := c.MoveRel(map[string]float64{"z": 1e-3}); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("MoveRel unknown axis error = %v, want config error", err)
	}
	if _, err := c.MoveAbs(map[string]float64{"z": 1e-3}); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("MoveAbs unknown axis error = %v, want config error", err)
	}
}

func TestMoveAbsOutOfRange(t *testing.T) {
	c := newSimController(t)

	// ±2³¹ steps of 1 µm is about ±2147 m.
	if _, err := c.MoveAbs(map[string]float64{"x": 5000.0}); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("out-of-range MoveAbs error = %v, want config error", err)
	}
}

func TestCancelRunningMove(t *testing.T) {
	c := newSimController(t)

	if err := c.SetVelocity("x", 1000*stepSize); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}

	// ~2 s move at ~1000 steps/s.
	task, err := c.MoveRel(map[string]float64{"x": 2e-3})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if !task.Cancel() {
		t.Fatal("Cancel on a running move = false, want true")
	}
	if task.State() != taskqueue.Cancelled {
		t.Errorf("State = %s, want cancelled", task.State())
	}
	if _, err := task.Result(time.Second); !errors.IsCancellation(err) {
		t.Errorf("Result error = %v, want cancellation", err)
	}

	// The axis stopped partway and must not creep afterwards.
	pos := c.Position()["x"]
	if pos <= 0 || pos >= 2e-3 {
		t.Errorf("Position[x] after cancel = %g, want strictly between 0 and 2e-3", pos)
	}
	time.Sleep(200 * time.Millisecond)
	task2, err := c.MoveRel(map[string]float64{"y": 1e-5})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task2.Result(5 * time.Second); err != nil {
		t.Fatalf("Result after cancel: %v", err)
	}
	if after := c.Position()["x"]; math.Abs(after-pos) > stepSize {
		t.Errorf("Position[x] crept from %g to %g after cancellation", pos, after)
	}
}

func TestStopCancelsQueuedMoves(t *testing.T) {
	c := newSimController(t)

	if err := c.SetVelocity("x", 1000*stepSize); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}

	running, err := c.MoveRel(map[string]float64{"x": 2e-3})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	queued, err := c.MoveRel(map[string]float64{"x": 2e-3})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	c.Stop()

	if _, err := running.Result(time.Second); !errors.IsCancellation(err) {
		t.Errorf("running move Result = %v, want cancellation", err)
	}
	if _, err := queued.Result(time.Second); !errors.IsCancellation(err) {
		t.Errorf("queued move Result = %v, want cancellation", err)
	}
}

func TestSetVelocity(t *testing.T) {
	c := newSimController(t)

	if err := c.SetVelocity("x", 1000*stepSize); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	got := c.Speed()["x"]
	want := 1000 * stepSize
	// The velocity register granularity makes the round trip inexact.
	if math.Abs(got-want) > want*0.05 {
		t.Errorf("Speed[x] = %g, want ~%g", got, want)
	}
	if err := c.SetVelocity("z", 1e-3); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("SetVelocity unknown axis error = %v, want config error", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := newSimController(t)

	pos := c.Position()
	pos["x"] = 42
	if c.Position()["x"] == 42 {
		t.Error("mutating the returned position map leaked into the controller")
	}
}

func TestMoveMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	c, err := New(simConfig(), log.New("test"), reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Terminate()

	task, err := c.MoveRel(map[string]float64{"x": 1e-4})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); err != nil {
		t.Fatalf("Result: %v", err)
	}

	if v := c.movesStarted.Value(); v != 1 {
		t.Errorf("moves started = %g, want 1", v)
	}
	if v := c.movesCompleted.Value(); v != 1 {
		t.Errorf("moves completed = %g, want 1", v)
	}
}

func TestSetAcceleration(t *testing.T) {
	c := newSimController(t)

	want := 0.1 // m/s², 100000 steps/s²
	if err := c.SetAcceleration("x", want); err != nil {
		t.Fatalf("SetAcceleration: %v", err)
	}
	got, err := c.Acceleration("x")
	if err != nil {
		t.Fatalf("Acceleration: %v", err)
	}
	if math.Abs(got-want) > stepSize {
		t.Errorf("Acceleration[x] = %g, want ~%g", got, want)
	}

	if err := c.SetAcceleration("z", 0.1); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("SetAcceleration unknown axis error = %v, want config error", err)
	}
	if _, err := c.Acceleration("z"); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("Acceleration unknown axis error = %v, want config error", err)
	}
}

// flakyConn wraps the simulator and, when armed, flips one bit of the next
// reply so the exchange fails its integrity check.
type flakyConn struct {
	*sim.Simulator
	corrupt atomic.Bool
}

func (f *flakyConn) Read(p []byte) (int, error) {
	n, err := f.Simulator.Read(p)
	if n > 0 && f.corrupt.CompareAndSwap(true, false) {
		p[0] ^= 0x01
	}
	return n, err
}

// TestFailedMoveResynchronizes exercises the recovery path: a move whose
// exchange fails must end failed with the stored error, not be retried, and
// the channel must come back clean so the next move completes normally.
func TestFailedMoveResynchronizes(t *testing.T) {
	fc := &flakyConn{Simulator: sim.New(log.New("sim"))}
	c, err := newWithConn(fc, simConfig(), "binary", log.New("test"), nil)
	if err != nil {
		t.Fatalf("newWithConn: %v", err)
	}
	defer c.Terminate()

	fc.corrupt.Store(true)
	task, err := c.MoveRel(map[string]float64{"x": 1e-4})
	if err != nil {
		t.Fatalf("MoveRel: %v", err)
	}
	if _, err := task.Result(5 * time.Second); !errors.Is(err, errors.ErrChecksum) {
		t.Fatalf("Result error = %v, want checksum error", err)
	}
	if task.State() != taskqueue.Failed {
		t.Errorf("State = %s, want failed", task.State())
	}

	target := 2e-4
	task2, err := c.MoveAbs(map[string]float64{"x": target})
	if err != nil {
		t.Fatalf("MoveAbs after failure: %v", err)
	}
	if _, err := task2.Result(5 * time.Second); err != nil {
		t.Fatalf("Result after failure: %v", err)
	}
	if pos := c.Position()["x"]; math.Abs(pos-target) > stepSize {
		t.Errorf("Position[x] = %g after recovery, want %g within one step", pos, target)
	}
}

// scriptConn answers each query with the next scripted reply. The last
// scripted reply repeats, so an endless error stream is one line. Orders
// produce no reply, as on real hardware.
type scriptConn struct {
	mu      sync.Mutex
	sent    []string
	replies []string
	out     bytes.Buffer
}

func (s *scriptConn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, string(p))
	if bytes.ContainsRune(p, '?') && len(s.replies) > 0 {
		s.out.WriteString(s.replies[0])
		if len(s.replies) > 1 {
			s.replies = s.replies[1:]
		}
	}
	return len(p), nil
}

func (s *scriptConn) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, nil
	}
	return s.out.Read(p)
}

func (s *scriptConn) DrainInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	return nil
}

func (s *scriptConn) Close() error { return nil }

func (s *scriptConn) sentCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.sent {
		if msg == cmd {
			n++
		}
	}
	return n
}

// newDrainController wires a channel and ASCII commands over a scripted
// connection, enough of a controller for the resynchronization path.
func newDrainController(t *testing.T, sc *scriptConn) *Controller {
	t.Helper()
	ch := transport.NewChannel(sc, log.New("test"))
	cmds, err := NewCommandSet("ascii", ch)
	if err != nil {
		t.Fatalf("NewCommandSet: %v", err)
	}
	return &Controller{name: "drain", logger: log.New("test"), channel: ch, cmds: cmds}
}

func TestResynchronizeDrainsErrorQueue(t *testing.T) {
	sc := &scriptConn{replies: []string{
		"108, MOTOR NOT CONNECTED\r\n",
		"108, MOTOR NOT CONNECTED\r\n",
		"0, NO ERROR\r\n",
	}}
	c := newDrainController(t, sc)

	if err := c.resynchronize(); err != nil {
		t.Fatalf("resynchronize: %v", err)
	}
	if n := sc.sentCount("TB?\r"); n != 3 {
		t.Errorf("sent %d error queries, want 3", n)
	}
}

func TestResynchronizeGivesUpOnEndlessErrors(t *testing.T) {
	sc := &scriptConn{replies: []string{"108, MOTOR NOT CONNECTED\r\n"}}
	c := newDrainController(t, sc)

	err := c.resynchronize()
	if !errors.Is(err, errors.ErrHardware) {
		t.Fatalf("resynchronize error = %v, want hardware error", err)
	}
	if n := sc.sentCount("TB?\r"); n != drainErrorLimit {
		t.Errorf("sent %d error queries before giving up, want %d", n, drainErrorLimit)
	}
}

func TestAsciiCommandEncodings(t *testing.T) {
	sc := &scriptConn{replies: []string{"1500\r\n"}}
	ch := transport.NewChannel(sc, log.New("test"))
	cmds, err := NewCommandSet("ascii", ch)
	if err != nil {
		t.Fatalf("NewCommandSet: %v", err)
	}

	if err := cmds.SetVelocity(1, 2000); err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	if err := cmds.SetAcceleration(1, 200000); err != nil {
		t.Fatalf("SetAcceleration: %v", err)
	}
	if err := cmds.AbortAll(); err != nil {
		t.Fatalf("AbortAll: %v", err)
	}
	target, err := cmds.Target(1)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if target != 1500 {
		t.Errorf("Target = %d, want 1500", target)
	}

	want := []string{"1VA2000\r", "1AC200000\r", "AB\r", "1PA?\r"}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.sent) != len(want) {
		t.Fatalf("sent %q, want %q", sc.sent, want)
	}
	for i, msg := range want {
		if sc.sent[i] != msg {
			t.Errorf("command %d = %q, want %q", i, sc.sent[i], msg)
		}
	}
}

func TestAsciiRangeValidation(t *testing.T) {
	sc := &scriptConn{}
	ch := transport.NewChannel(sc, log.New("test"))
	cmds, err := NewCommandSet("ascii", ch)
	if err != nil {
		t.Fatalf("NewCommandSet: %v", err)
	}

	cases := []struct {
		name string
		call func() error
	}{
		{"velocity 0", func() error { return cmds.SetVelocity(1, 0) }},
		{"velocity 2001", func() error { return cmds.SetVelocity(1, 2001) }},
		{"acceleration 0", func() error { return cmds.SetAcceleration(1, 0) }},
		{"acceleration 200001", func() error { return cmds.SetAcceleration(1, 200001) }},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, errors.ErrConfig) {
			t.Errorf("%s: error = %v, want config error", tc.name, err)
		}
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.sent) != 0 {
		t.Errorf("out-of-range values reached the wire: %q", sc.sent)
	}
}

func TestBinaryTargetAndAbort(t *testing.T) {
	s := sim.New(log.New("sim"))
	ch := transport.NewChannel(s, log.New("test"))
	cmds, err := NewCommandSet("binary", ch)
	if err != nil {
		t.Fatalf("NewCommandSet: %v", err)
	}

	if err := cmds.MoveAbs(1, 500); err != nil {
		t.Fatalf("MoveAbs: %v", err)
	}
	target, err := cmds.Target(1)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if target != 500 {
		t.Errorf("Target = %d, want 500", target)
	}

	if err := cmds.AbortAll(); err != nil {
		t.Fatalf("AbortAll: %v", err)
	}
	for axis := 1; axis <= 4; axis++ {
		mv, err := cmds.Moving(axis)
		if err != nil {
			t.Fatalf("Moving(%d): %v", axis, err)
		}
		if mv {
			t.Errorf("axis %d still moving after abort", axis)
		}
	}
}

func TestTerminateIdempotent(t *testing.T) {
	c, err := New(simConfig(), log.New("test"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := c.Terminate(); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
}
