package controller

import (
	"math"
	"strconv"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/protocol"
	"picomotor-host/pkg/transport"
)

// Motor types reported by the QM query, after a motor check.
const (
	MotorNone     = 0
	MotorUnknown  = 1
	MotorTiny     = 2
	MotorStandard = 3
)

// CommandSet is the uniform low-level command surface the motion engine
// drives. Two variants exist: the ASCII command syntax of the 8742 family
// and the framed binary protocol used by binary hardware and the simulator.
type CommandSet interface {
	// Identification returns model name, firmware version and serial number.
	Identification() (model, fw, sn string, err error)

	// MotorCheck makes the controller probe the connected actuators and
	// configure itself accordingly.
	MotorCheck() error

	// MotorType reads the motor type of an axis (one of the Motor* values).
	MotorType(axis int) (int, error)

	// Velocity reads the maximum speed of an axis in steps/s.
	Velocity(axis int) (int, error)

	// SetVelocity writes the maximum speed of an axis in steps/s.
	SetVelocity(axis, val int) error

	// Acceleration reads the acceleration of an axis in steps/s².
	Acceleration(axis int) (int, error)

	// SetAcceleration writes the acceleration of an axis in steps/s².
	SetAcceleration(axis, val int) error

	// MoveAbs requests a non-blocking move to an absolute step position.
	MoveAbs(axis int, pos int32) error

	// MoveRel requests a non-blocking move by a step offset.
	MoveRel(axis int, offset int32) error

	// Target reads the target position of an axis in steps.
	Target(axis int) (int32, error)

	// Position reads the actual position of an axis in steps.
	Position(axis int) (int32, error)

	// Moving reports whether the axis is in motion.
	Moving(axis int) (bool, error)

	// StopAxis stops the motion of one axis using accel/decel values.
	StopAxis(axis int) error

	// AbortAll stops motion on all axes immediately.
	AbortAll() error

	// NextError pops the oldest queued device error. ok is false when the
	// queue is empty.
	NextError() (no int, msg string, ok bool, err error)
}

// NewCommandSet returns the command variant for the given protocol name
// ("ascii" or "binary").
func NewCommandSet(proto string, ch *transport.Channel) (CommandSet, error) {
	switch proto {
	case "", "ascii":
		return &asciiCommands{ch: ch}, nil
	case "binary":
		return &binaryCommands{ch: ch, target: 1}, nil
	default:
		return nil, errors.Config("unknown protocol variant %q", proto)
	}
}

// asciiCommands speaks the 8742 ASCII command subset.
type asciiCommands struct {
	ch *transport.Channel
}

func (a *asciiCommands) Identification() (string, string, string, error) {
	resp, err := a.ch.SendQuery(0, protocol.CmdIdentification, "")
	if err != nil {
		return "", "", "", err
	}
	return protocol.ParseIdentification(resp)
}

func (a *asciiCommands) MotorCheck() error {
	return a.ch.SendOrder(0, protocol.CmdMotorCheck, "")
}

func (a *asciiCommands) MotorType(axis int) (int, error) {
	return a.queryInt(axis, protocol.CmdMotorType)
}

func (a *asciiCommands) Velocity(axis int) (int, error) {
	return a.queryInt(axis, protocol.CmdVelocity)
}

func (a *asciiCommands) SetVelocity(axis, val int) error {
	if val < 1 || val > 2000 {
		return errors.Config("velocity %d outside of the range 1..2000", val)
	}
	return a.ch.SendOrder(axis, protocol.CmdVelocity, strconv.Itoa(val))
}

func (a *asciiCommands) Acceleration(axis int) (int, error) {
	return a.queryInt(axis, protocol.CmdAcceleration)
}

func (a *asciiCommands) SetAcceleration(axis, val int) error {
	if val < 1 || val > 200000 {
		return errors.Config("acceleration %d outside of the range 1..200000", val)
	}
	return a.ch.SendOrder(axis, protocol.CmdAcceleration, strconv.Itoa(val))
}

func (a *asciiCommands) MoveAbs(axis int, pos int32) error {
	return a.ch.SendOrder(axis, protocol.CmdMoveAbs, strconv.FormatInt(int64(pos), 10))
}

func (a *asciiCommands) MoveRel(axis int, offset int32) error {
	return a.ch.SendOrder(axis, protocol.CmdMoveRel, strconv.FormatInt(int64(offset), 10))
}

func (a *asciiCommands) Target(axis int) (int32, error) {
	v, err := a.queryInt(axis, protocol.CmdMoveAbs)
	return int32(v), err
}

func (a *asciiCommands) Position(axis int) (int32, error) {
	v, err := a.queryInt(axis, protocol.CmdPosition)
	return int32(v), err
}

func (a *asciiCommands) Moving(axis int) (bool, error) {
	resp, err := a.ch.SendQuery(axis, protocol.CmdMotionDone, "")
	if err != nil {
		return false, err
	}
	return protocol.ParseMotionDone(resp)
}

func (a *asciiCommands) StopAxis(axis int) error {
	return a.ch.SendOrder(axis, protocol.CmdStop, "")
}

func (a *asciiCommands) AbortAll() error {
	return a.ch.SendOrder(0, protocol.CmdAbort, "")
}

func (a *asciiCommands) NextError() (int, string, bool, error) {
	resp, err := a.ch.SendQuery(0, protocol.CmdErrorMessage, "")
	if err != nil {
		return 0, "", false, err
	}
	no, msg, err := protocol.ParseErrorMessage(resp)
	if err != nil {
		return 0, "", false, err
	}
	if no == 0 {
		return 0, "", false, nil
	}
	return no, msg, true, nil
}

func (a *asciiCommands) queryInt(axis int, cmd string) (int, error) {
	resp, err := a.ch.SendQuery(axis, cmd, "")
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(resp)
	if err != nil {
		return 0, errors.Malformed("failed to decode %s answer %q", cmd, resp)
	}
	return v, nil
}

// binaryCommands speaks the framed binary protocol. Axes are 0-based on
// the wire, while the engine addresses them 1-based like the ASCII
// variant.
type binaryCommands struct {
	ch     *transport.Channel
	target uint8
}

func (b *binaryCommands) exchange(instr, typ, axis uint8, val int32) (int32, error) {
	r, err := b.ch.Exchange(protocol.Frame{
		Target:      b.target,
		Instruction: instr,
		Type:        typ,
		Axis:        axis,
		Value:       val,
	})
	if err != nil {
		return 0, err
	}
	if err := protocol.StatusError(r); err != nil {
		return 0, err
	}
	return r.Value, nil
}

func (b *binaryCommands) Identification() (string, string, string, error) {
	// Only the binary form of the firmware query is available: the value
	// packs the module number in the high half and the version below.
	v, err := b.exchange(protocol.InstrGetFirmware, 1, 0, 0)
	if err != nil {
		return "", "", "", err
	}
	model := strconv.Itoa(int(v >> 16))
	fw := "v" + strconv.Itoa(int(v>>8&0xff)) + "." + strconv.FormatInt(int64(v&0xff), 10)
	return model, fw, "", nil
}

func (b *binaryCommands) MotorCheck() error {
	// The binary protocol has no motor check; actuator presence is the
	// operator's responsibility on this variant.
	return nil
}

func (b *binaryCommands) MotorType(axis int) (int, error) {
	return 0, errors.Unsupported("motor type query not available on the binary variant")
}

func (b *binaryCommands) speedParams(axis int) (velocity, pulseDiv int32, err error) {
	velocity, err = b.exchange(protocol.InstrGetAxisParam, protocol.ParamMaxSpeed, uint8(axis-1), 0)
	if err != nil {
		return 0, 0, err
	}
	pulseDiv, err = b.exchange(protocol.InstrGetAxisParam, protocol.ParamPulseDiv, uint8(axis-1), 0)
	if err != nil {
		return 0, 0, err
	}
	return velocity, pulseDiv, nil
}

func (b *binaryCommands) Velocity(axis int) (int, error) {
	velocity, pulseDiv, err := b.speedParams(axis)
	if err != nil {
		return 0, err
	}
	stepsPerSec := 16e6 * float64(velocity) / (math.Pow(2, float64(pulseDiv)) * 2048 * 32)
	return int(math.Round(stepsPerSec)), nil
}

func (b *binaryCommands) SetVelocity(axis, val int) error {
	_, pulseDiv, err := b.speedParams(axis)
	if err != nil {
		return err
	}
	velocity := int32(math.Round(float64(val) * math.Pow(2, float64(pulseDiv)) * 2048 * 32 / 16e6))
	_, err = b.exchange(protocol.InstrSetAxisParam, protocol.ParamMaxSpeed, uint8(axis-1), velocity)
	return err
}

func (b *binaryCommands) Acceleration(axis int) (int, error) {
	v, err := b.exchange(protocol.InstrGetAxisParam, protocol.ParamAccel, uint8(axis-1), 0)
	return int(v), err
}

func (b *binaryCommands) SetAcceleration(axis, val int) error {
	_, err := b.exchange(protocol.InstrSetAxisParam, protocol.ParamAccel, uint8(axis-1), int32(val))
	return err
}

func (b *binaryCommands) MoveAbs(axis int, pos int32) error {
	_, err := b.exchange(protocol.InstrMoveTo, protocol.MoveAbsolute, uint8(axis-1), pos)
	return err
}

func (b *binaryCommands) MoveRel(axis int, offset int32) error {
	_, err := b.exchange(protocol.InstrMoveTo, protocol.MoveRelative, uint8(axis-1), offset)
	return err
}

func (b *binaryCommands) Target(axis int) (int32, error) {
	return b.exchange(protocol.InstrGetAxisParam, protocol.ParamTargetPos, uint8(axis-1), 0)
}

func (b *binaryCommands) Position(axis int) (int32, error) {
	return b.exchange(protocol.InstrGetAxisParam, protocol.ParamActualPos, uint8(axis-1), 0)
}

func (b *binaryCommands) Moving(axis int) (bool, error) {
	v, err := b.exchange(protocol.InstrGetAxisParam, protocol.ParamTargetReached, uint8(axis-1), 0)
	if err != nil {
		return false, err
	}
	return v == 0, nil
}

func (b *binaryCommands) StopAxis(axis int) error {
	_, err := b.exchange(protocol.InstrStop, 0, uint8(axis-1), 0)
	return err
}

func (b *binaryCommands) AbortAll() error {
	for axis := 0; axis < 4; axis++ {
		if _, err := b.exchange(protocol.InstrStop, 0, uint8(axis), 0); err != nil {
			return err
		}
	}
	return nil
}

func (b *binaryCommands) NextError() (int, string, bool, error) {
	// The binary variant has no queued error readout; resynchronization
	// only needs the input drain.
	return 0, "", false, nil
}
