// Package controller implements the motion-orchestration engine for one
// multi-axis picomotor controller: axis/unit model, queued cancellable
// moves, time-bounded polling and atomically published telemetry.
package controller

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"picomotor-host/pkg/config"
	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
	"picomotor-host/pkg/taskqueue"
	"picomotor-host/pkg/transport"
)

// positionRefreshInterval is how often the published position snapshot is
// refreshed while axes are moving.
const positionRefreshInterval = 100 * time.Millisecond

// maxPollSleep caps the wait between poll iterations.
const maxPollSleep = 100 * time.Millisecond

// drainErrorLimit caps resynchronization error draining. The hardware
// error buffer holds 10 entries; anything past that means the device keeps
// producing errors and retrying forever would hang construction.
const drainErrorLimit = 32

// Controller drives one picomotor controller. All motion goes through a
// single-worker task queue, so at most one move is in flight per device.
type Controller struct {
	name    string
	logger  *log.Logger
	channel *transport.Channel
	cmds    CommandSet
	queue   *taskqueue.Queue

	// immutable after construction
	axisNames []string           // connected axes, hardware order
	axisIndex map[string]int     // name -> hardware axis, 1-based
	stepSizes map[string]float64 // meters per step
	inverted  map[string]bool
	rangeMin  map[string]float64
	rangeMax  map[string]float64

	model    string
	firmware string
	serialNo string

	// telemetry snapshots, atomically published map[string]float64
	position atomic.Value
	speed    atomic.Value

	mu         sync.Mutex
	terminated bool

	movesStarted   *metrics.Counter
	movesCompleted *metrics.Counter
	movesCancelled *metrics.Counter
	movesFailed    *metrics.Counter
}

// New opens the device, verifies its actuators and returns a ready
// controller. Configuration problems surface synchronously; reg may be nil
// to skip instrumentation.
func New(cfg config.DeviceConfig, logger *log.Logger, reg *metrics.Registry) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == "autoip" {
		return nil, errors.Config("device %s: autoip must be resolved through discovery before construction", cfg.Name)
	}

	proto := cfg.Protocol
	if cfg.Address == transport.SimAddress && proto == "" {
		proto = "binary"
	}

	conn, err := transport.Dial(cfg.Address, logger)
	if err != nil {
		return nil, err
	}
	return newWithConn(conn, cfg, proto, logger, reg)
}

// newWithConn builds the controller over an already-open connection.
// Split from New so tests can inject fault-carrying connections.
func newWithConn(conn transport.Conn, cfg config.DeviceConfig, proto string, logger *log.Logger, reg *metrics.Registry) (*Controller, error) {
	c := &Controller{
		name:      cfg.Name,
		logger:    logger,
		axisIndex: make(map[string]int),
		stepSizes: make(map[string]float64),
		inverted:  make(map[string]bool),
		rangeMin:  make(map[string]float64),
		rangeMax:  make(map[string]float64),
	}
	for i, a := range cfg.Axes {
		if a.Name == "" {
			continue
		}
		c.axisNames = append(c.axisNames, a.Name)
		c.axisIndex[a.Name] = i + 1
		c.stepSizes[a.Name] = a.StepSize
		c.inverted[a.Name] = a.Inverted
		// Position registers hold ±2³¹ steps; probably far beyond the
		// physical travel, but there is no better information.
		c.rangeMin[a.Name] = -math.Pow(2, 31) * a.StepSize
		c.rangeMax[a.Name] = (math.Pow(2, 31) - 1) * a.StepSize
	}

	c.channel = transport.NewChannel(conn, logger.WithPrefix(cfg.Name+"/channel"))
	if reg != nil {
		c.channel.Instrument(reg)
		c.movesStarted = reg.Counter("picomotor_moves_started_total", "Moves submitted to device queues")
		c.movesCompleted = reg.Counter("picomotor_moves_completed_total", "Moves finished successfully")
		c.movesCancelled = reg.Counter("picomotor_moves_cancelled_total", "Moves ended through cancellation")
		c.movesFailed = reg.Counter("picomotor_moves_failed_total", "Moves ended in failure")
	}

	cmds, err := NewCommandSet(proto, c.channel)
	if err != nil {
		c.channel.Close()
		return nil, err
	}
	c.cmds = cmds

	if err := c.resynchronize(); err != nil {
		c.channel.Close()
		return nil, err
	}

	c.model, c.firmware, c.serialNo, err = c.cmds.Identification()
	if err != nil {
		c.channel.Close()
		return nil, err
	}
	if cfg.Serial != "" && c.serialNo != "" && cfg.Serial != c.serialNo {
		c.channel.Close()
		return nil, errors.Connection("device %s: serial number %s found, expected %s", cfg.Name, c.serialNo, cfg.Serial)
	}
	if proto != "binary" && c.model != "8742" {
		logger.Warn("controller %s is not supported, will try anyway", c.model)
	}

	// Let the controller check which actuators are connected.
	if err := c.cmds.MotorCheck(); err != nil {
		c.channel.Close()
		return nil, err
	}
	for _, name := range c.axisNames {
		mt, err := c.cmds.MotorType(c.axisIndex[name])
		if errors.Is(err, errors.ErrUnsupported) {
			// The binary variant cannot classify motors.
			break
		}
		if err != nil {
			c.channel.Close()
			return nil, err
		}
		if mt == MotorNone || mt == MotorUnknown {
			c.channel.Close()
			return nil, errors.Newf(errors.ErrHardware,
				"controller failed to detect motor %d, check the actuator is connected to the controller",
				c.axisIndex[name])
		}
	}

	c.position.Store(map[string]float64{})
	c.speed.Store(map[string]float64{})
	if err := c.updateSpeed(); err != nil {
		c.channel.Close()
		return nil, err
	}
	if err := c.updatePosition(nil); err != nil {
		c.channel.Close()
		return nil, err
	}

	c.queue = taskqueue.New(logger.WithPrefix(cfg.Name + "/queue"))
	if reg != nil {
		c.queue.Instrument(reg, cfg.Name)
	}
	return c, nil
}

// Name returns the configured device name.
func (c *Controller) Name() string {
	return c.name
}

// Axes returns the connected axis names in hardware order.
func (c *Controller) Axes() []string {
	out := make([]string, len(c.axisNames))
	copy(out, c.axisNames)
	return out
}

// Identification returns the model, firmware version and serial number
// read at construction.
func (c *Controller) Identification() (model, fw, sn string) {
	return c.model, c.firmware, c.serialNo
}

// Position returns the last published position snapshot in meters.
func (c *Controller) Position() map[string]float64 {
	return copySnapshot(c.position.Load().(map[string]float64))
}

// Speed returns the last published speed snapshot in m/s.
func (c *Controller) Speed() map[string]float64 {
	return copySnapshot(c.speed.Load().(map[string]float64))
}

func copySnapshot(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MoveRel queues a relative move. Deltas smaller than one step size are
// dropped; if everything drops, the returned task is already completed and
// no command is issued.
func (c *Controller) MoveRel(shift map[string]float64) (*taskqueue.Task, error) {
	moves, err := c.prepareShift(shift)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return taskqueue.CompletedTask(nil), nil
	}
	return c.submitMove(func(t *taskqueue.Task) (interface{}, error) {
		return c.doMoveRel(t, moves)
	}), nil
}

// MoveAbs queues an absolute move to the given positions in meters.
func (c *Controller) MoveAbs(pos map[string]float64) (*taskqueue.Task, error) {
	if len(pos) == 0 {
		return taskqueue.CompletedTask(nil), nil
	}
	targets := make(map[string]float64, len(pos))
	for name, v := range pos {
		if _, ok := c.axisIndex[name]; !ok {
			return nil, errors.Config("unknown axis %q", name)
		}
		if v < c.rangeMin[name] || v > c.rangeMax[name] {
			return nil, errors.Config("position %g m out of range for axis %q", v, name)
		}
		if c.inverted[name] {
			v = -v
		}
		targets[name] = v
	}
	return c.submitMove(func(t *taskqueue.Task) (interface{}, error) {
		return c.doMoveAbs(t, targets)
	}), nil
}

// prepareShift validates axis names, applies inversion and drops deltas
// below one step size. The result is in the hardware frame.
func (c *Controller) prepareShift(shift map[string]float64) (map[string]float64, error) {
	moves := make(map[string]float64, len(shift))
	for name, v := range shift {
		if _, ok := c.axisIndex[name]; !ok {
			return nil, errors.Config("unknown axis %q", name)
		}
		if math.Abs(v) < c.stepSizes[name] {
			c.logger.Info("dropped too small move of %g m on axis %s", math.Abs(v), name)
			continue
		}
		if c.inverted[name] {
			v = -v
		}
		moves[name] = v
	}
	return moves, nil
}

func (c *Controller) submitMove(work taskqueue.Work) *taskqueue.Task {
	if c.movesStarted != nil {
		c.movesStarted.Inc()
	}
	t := c.queue.Submit(func(t *taskqueue.Task) (interface{}, error) {
		val, err := work(t)
		if err != nil && !errors.IsCancellation(err) {
			// Protocol or hardware errors must not poison the channel for
			// the next command.
			if rerr := c.resynchronize(); rerr != nil {
				c.logger.WithError(rerr).Warn("resynchronization after failed move")
			}
		}
		return val, err
	})
	t.AddDoneCallback(func(t *taskqueue.Task) {
		switch t.State() {
		case taskqueue.Completed:
			if c.movesCompleted != nil {
				c.movesCompleted.Inc()
			}
		case taskqueue.Cancelled:
			if c.movesCancelled != nil {
				c.movesCancelled.Inc()
			}
		case taskqueue.Failed:
			if c.movesFailed != nil {
				c.movesFailed.Inc()
			}
		}
	})
	return t
}

func (c *Controller) doMoveRel(t *taskqueue.Task, moves map[string]float64) (interface{}, error) {
	defer c.refreshAllPositions()

	speeds := c.Speed()
	moving := make(map[int]string, len(moves))
	end := time.Now()
	for name, v := range moves {
		aid := c.axisIndex[name]
		steps := int32(math.Round(v / c.stepSizes[name]))
		if err := c.cmds.MoveRel(aid, steps); err != nil {
			return nil, err
		}
		moving[aid] = name
		end = laterEnd(end, math.Abs(float64(steps))*c.stepSizes[name], speeds[name])
	}

	if err := c.waitEndMove(t, moving, end); err != nil {
		return nil, err
	}
	c.logger.Debug("move successfully completed")
	return nil, nil
}

func (c *Controller) doMoveAbs(t *taskqueue.Task, targets map[string]float64) (interface{}, error) {
	defer c.refreshAllPositions()

	speeds := c.Speed()
	oldPos := c.Position()
	moving := make(map[int]string, len(targets))
	end := time.Now()
	for name, v := range targets {
		aid := c.axisIndex[name]
		steps := int32(math.Round(v / c.stepSizes[name]))
		if err := c.cmds.MoveAbs(aid, steps); err != nil {
			return nil, err
		}
		moving[aid] = name
		cur := oldPos[name]
		if c.inverted[name] {
			cur = -cur
		}
		end = laterEnd(end, math.Abs(v-cur), speeds[name])
	}

	if err := c.waitEndMove(t, moving, end); err != nil {
		return nil, err
	}
	c.logger.Debug("move successfully completed")
	return nil, nil
}

// laterEnd extends the expected completion time for a move of the given
// distance at the given speed.
func laterEnd(end time.Time, distance, speed float64) time.Time {
	if speed <= 0 {
		return end
	}
	e := time.Now().Add(time.Duration(distance / speed * float64(time.Second)))
	if e.After(end) {
		return e
	}
	return end
}

// waitEndMove polls until every axis reports stopped, or a stop request
// arrives. The final all-axis position refresh is the caller's deferred
// responsibility, so it runs on this path's every exit.
func (c *Controller) waitEndMove(t *taskqueue.Task, moving map[int]string, end time.Time) error {
	lastUpd := time.Now()
	lastAxes := axisNamesOf(moving)

	for {
		select {
		case <-t.StopRequested():
			return c.stopMove(t, moving)
		default:
		}

		for aid := range moving {
			mv, err := c.cmds.Moving(aid)
			if err != nil {
				return err
			}
			if !mv {
				delete(moving, aid)
			}
		}
		if len(moving) == 0 {
			return nil
		}

		// Refresh the published position at 10 Hz, or immediately when an
		// axis just stopped. The refresh covers the axes flagged at the
		// previous refresh so a just-stopped axis gets its final value.
		if time.Since(lastUpd) > positionRefreshInterval || len(moving) != len(lastAxes) {
			if err := c.updatePosition(lastAxes); err != nil {
				return err
			}
			lastUpd = time.Now()
			lastAxes = axisNamesOf(moving)
		}

		// Wait half of the time left, at most 100 ms.
		sleep := time.Until(end) / 2
		if sleep > maxPollSleep {
			sleep = maxPollSleep
		}
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-t.StopRequested():
			timer.Stop()
			return c.stopMove(t, moving)
		case <-timer.C:
		}
	}
}

func (c *Controller) stopMove(t *taskqueue.Task, moving map[int]string) error {
	c.logger.Debug("move cancelled before the end")
	for aid := range moving {
		if err := c.cmds.StopAxis(aid); err != nil {
			c.logger.WithError(err).Warn("failed to stop axis %d", aid)
		}
	}
	t.MarkStopped()
	return errors.Cancelled("move cancelled")
}

func axisNamesOf(moving map[int]string) []string {
	names := make([]string, 0, len(moving))
	for _, n := range moving {
		names = append(names, n)
	}
	return names
}

// refreshAllPositions reads every axis before the moving lock is released.
// Failures are logged, not returned: the exit path they run on already has
// its own outcome.
func (c *Controller) refreshAllPositions() {
	if err := c.updatePosition(nil); err != nil {
		c.logger.WithError(err).Warn("final position refresh failed")
	}
}

// updatePosition reads the given axes (nil for all) and publishes a new
// position snapshot.
func (c *Controller) updatePosition(axes []string) error {
	names := axes
	if names == nil {
		names = c.axisNames
	}
	pos := copySnapshot(c.position.Load().(map[string]float64))
	for _, name := range names {
		steps, err := c.cmds.Position(c.axisIndex[name])
		if err != nil {
			return err
		}
		v := float64(steps) * c.stepSizes[name]
		if c.inverted[name] {
			v = -v
		}
		pos[name] = v
	}
	c.position.Store(pos)
	return nil
}

// updateSpeed reads every axis speed and publishes a new speed snapshot.
func (c *Controller) updateSpeed() error {
	speed := make(map[string]float64, len(c.axisNames))
	for _, name := range c.axisNames {
		v, err := c.cmds.Velocity(c.axisIndex[name])
		if err != nil {
			return err
		}
		speed[name] = float64(v) * c.stepSizes[name]
	}
	c.speed.Store(speed)
	return nil
}

// SetVelocity writes an axis speed in m/s and refreshes the speed snapshot.
func (c *Controller) SetVelocity(name string, speed float64) error {
	aid, ok := c.axisIndex[name]
	if !ok {
		return errors.Config("unknown axis %q", name)
	}
	steps := int(math.Round(speed / c.stepSizes[name]))
	if err := c.cmds.SetVelocity(aid, steps); err != nil {
		return err
	}
	return c.updateSpeed()
}

// Acceleration reads an axis acceleration in m/s².
func (c *Controller) Acceleration(name string) (float64, error) {
	aid, ok := c.axisIndex[name]
	if !ok {
		return 0, errors.Config("unknown axis %q", name)
	}
	v, err := c.cmds.Acceleration(aid)
	if err != nil {
		return 0, err
	}
	return float64(v) * c.stepSizes[name], nil
}

// SetAcceleration writes an axis acceleration in m/s².
func (c *Controller) SetAcceleration(name string, accel float64) error {
	aid, ok := c.axisIndex[name]
	if !ok {
		return errors.Config("unknown axis %q", name)
	}
	steps := int(math.Round(accel / c.stepSizes[name]))
	return c.cmds.SetAcceleration(aid, steps)
}

// Stop cancels the queued and the in-flight move, if any. The running move
// stops its axes on its cancellation path.
func (c *Controller) Stop() {
	c.queue.CancelAll()
}

// Terminate stops all motion, drains the executor and releases the
// connection. The controller is unusable afterwards.
func (c *Controller) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	c.mu.Unlock()

	c.Stop()
	c.queue.Shutdown(true)
	return c.channel.Close()
}

// resynchronize restores the channel to a known state: unread bytes are
// discarded and queued device-side errors drained, without restarting the
// connection.
func (c *Controller) resynchronize() error {
	if err := c.channel.DrainInput(); err != nil {
		return err
	}
	for i := 0; i < drainErrorLimit; i++ {
		no, msg, ok, err := c.cmds.NextError()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.logger.Warn("dropping queued device error %d: %s", no, msg)
	}
	return errors.Hardware(0, "device keeps reporting errors during resynchronization")
}
