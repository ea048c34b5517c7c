// Package sim emulates a binary-protocol motor controller behind the
// transport Conn interface, so the channel, controller and tests can run
// against it exactly as they would against hardware.
//
// Motion is modeled as linear interpolation between the start position and
// the target over the expected move interval. Real controllers ramp; this
// approximation is deliberate and downstream calibration depends on it.
package sim

import (
	"bytes"
	"math"
	"sync"
	"time"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/protocol"
)

// NumAxes is the number of simulated axes.
const NumAxes = 4

// ModuleID is the simulated controller's module address.
const ModuleID = 1

// replyAddr is the host address used in replies.
const replyAddr = 2

// FirmwareVersion is the canned binary-form firmware version.
const FirmwareVersion = 0x0c260102

type axisState struct {
	// params holds axis parameters; unset indexes read as 0.
	params map[uint8]int32

	// current move interval; zero times mean no move in progress
	moveStart time.Time
	moveEnd   time.Time
	startPos  int32
}

// Simulator is an in-memory controller speaking the 9-byte framed protocol.
// It implements the transport Conn contract: Write feeds it host frames,
// Read pops queued replies and returns (0, nil) when none are pending.
type Simulator struct {
	mu     sync.Mutex
	logger *log.Logger
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
	axes   [NumAxes]*axisState
}

// New creates a simulator with all axes at position 0.
func New(logger *log.Logger) *Simulator {
	s := &Simulator{logger: logger}
	for i := range s.axes {
		s.axes[i] = &axisState{
			params: map[uint8]int32{
				protocol.ParamTargetPos:     0,
				protocol.ParamActualPos:     0,
				protocol.ParamMaxSpeed:      1024,
				protocol.ParamTargetReached: 1,
				protocol.ParamPulseDiv:      3,
			},
		}
	}
	return s
}

// Write consumes host frames in fixed 9-byte units. Partial frames stay
// buffered until the remaining bytes arrive.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.Connection("simulator closed")
	}
	s.in.Write(p)
	for s.in.Len() >= protocol.FrameLen {
		msg := make([]byte, protocol.FrameLen)
		s.in.Read(msg)
		s.handleFrame(msg)
	}
	return len(p), nil
}

// Read pops up to len(p) queued reply bytes.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.Connection("simulator closed")
	}
	if s.out.Len() == 0 {
		return 0, nil
	}
	return s.out.Read(p)
}

// DrainInput discards queued reply bytes.
func (s *Simulator) DrainInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	return nil
}

// Close shuts the simulator down; further reads and writes fail.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// currentPos returns the interpolated position of an axis.
func (s *Simulator) currentPos(axis uint8) int32 {
	a := s.axes[axis]
	end := a.params[protocol.ParamTargetPos]
	if a.moveEnd.IsZero() || !time.Now().Before(a.moveEnd) {
		return end
	}
	total := a.moveEnd.Sub(a.moveStart).Seconds()
	elapsed := time.Since(a.moveStart).Seconds()
	pos := float64(a.startPos) + float64(end-a.startPos)*elapsed/total
	return int32(math.Round(pos))
}

// maxSpeed returns the axis speed in microsteps per second derived from the
// velocity and pulse-divisor parameters.
func (s *Simulator) maxSpeed(axis uint8) float64 {
	a := s.axes[axis]
	velocity := float64(a.params[protocol.ParamMaxSpeed])
	pulseDiv := float64(a.params[protocol.ParamPulseDiv])
	return (16e6 * velocity) / (math.Pow(2, pulseDiv) * 2048 * 32)
}

func (s *Simulator) reply(inst, status uint8, val int32) {
	r := protocol.Reply{
		ReplyAddr:   replyAddr,
		ModuleAddr:  ModuleID,
		Status:      status,
		Instruction: inst,
		Value:       val,
	}
	s.out.Write(r.Encode())
}

// handleFrame validates and executes one inbound frame. Every frame is
// checked independently; ordering beyond FIFO byte consumption is not
// required.
func (s *Simulator) handleFrame(msg []byte) {
	inst := msg[1]
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		s.reply(inst, protocol.StatusBadChecksum, 0)
		return
	}
	if f.Target != ModuleID {
		// The real controller doesn't seem to care.
		s.logger.Warn("frame addressed to module %d, processing anyway", f.Target)
	}

	switch f.Instruction {
	case protocol.InstrStop:
		if int(f.Axis) >= NumAxes {
			s.reply(inst, protocol.StatusBadValue, 0)
			return
		}
		// The target position parameter keeps its value; only the move
		// interval is cleared, freezing the axis where it is.
		a := s.axes[f.Axis]
		a.params[protocol.ParamTargetPos] = s.currentPos(f.Axis)
		a.moveStart, a.moveEnd = time.Time{}, time.Time{}
		s.reply(inst, protocol.StatusOK, 0)

	case protocol.InstrMoveTo:
		if int(f.Axis) >= NumAxes {
			s.reply(inst, protocol.StatusBadValue, 0)
			return
		}
		switch f.Type {
		case protocol.MoveAbsolute, protocol.MoveRelative:
		default:
			// Coordinate-mode moves are not supported.
			s.reply(inst, protocol.StatusBadType, 0)
			return
		}
		pos := s.currentPos(f.Axis)
		target := f.Value
		if f.Type == protocol.MoveRelative {
			target += pos
		}
		now := time.Now()
		dur := math.Abs(float64(target-pos)) / s.maxSpeed(f.Axis)
		a := s.axes[f.Axis]
		a.params[protocol.ParamTargetPos] = target
		a.startPos = pos
		a.moveStart = now
		a.moveEnd = now.Add(time.Duration(dur * float64(time.Second)))
		s.reply(inst, protocol.StatusOK, target)

	case protocol.InstrSetAxisParam:
		if int(f.Axis) >= NumAxes {
			s.reply(inst, protocol.StatusBadValue, 0)
			return
		}
		a := s.axes[f.Axis]
		if f.Type == protocol.ParamActualPos {
			// Writing the live position overrides the target.
			a.params[protocol.ParamTargetPos] = f.Value
			a.moveStart, a.moveEnd = time.Time{}, time.Time{}
		} else {
			a.params[f.Type] = f.Value
		}
		s.reply(inst, protocol.StatusOK, f.Value)

	case protocol.InstrGetAxisParam:
		if int(f.Axis) >= NumAxes {
			s.reply(inst, protocol.StatusBadValue, 0)
			return
		}
		var val int32
		switch f.Type {
		case protocol.ParamActualPos:
			val = s.currentPos(f.Axis)
		case protocol.ParamTargetReached:
			if time.Now().Before(s.axes[f.Axis].moveEnd) {
				val = 0
			} else {
				val = 1
			}
		default:
			val = s.axes[f.Axis].params[f.Type]
		}
		s.reply(inst, protocol.StatusOK, val)

	case protocol.InstrGetIO:
		if f.Axis > 2 {
			s.reply(inst, protocol.StatusBadValue, 0)
			return
		}
		if f.Type > 7 {
			s.reply(inst, protocol.StatusBadType, 0)
			return
		}
		var val int32
		switch f.Axis {
		case 0: // digital inputs
			val = 0
		case 1: // analogue inputs
			val = 178
		case 2: // digital outputs
			val = 0
		}
		s.reply(inst, protocol.StatusOK, val)

	case protocol.InstrGetFirmware:
		switch f.Type {
		case 1: // binary form
			s.reply(inst, protocol.StatusOK, FirmwareVersion)
		default:
			// String form is not supported.
			s.reply(inst, protocol.StatusBadType, 0)
		}

	default:
		s.logger.Warn("unsupported instruction %d", f.Instruction)
		s.reply(inst, protocol.StatusBadInstr, 0)
	}
}
