package protocol

import (
	"regexp"
	"strconv"
	"strings"

	"picomotor-host/pkg/errors"
)

// ASCII command subset understood by the 8742 family.
const (
	CmdIdentification = "*IDN"
	CmdMotorType      = "QM"
	CmdVelocity       = "VA"
	CmdAcceleration   = "AC"
	CmdMoveAbs        = "PA"
	CmdMoveRel        = "PR"
	CmdPosition       = "TP"
	CmdMotionDone     = "MD"
	CmdAbort          = "AB"
	CmdStop           = "ST"
	CmdErrorMessage   = "TB"
	CmdMotorCheck     = "MC"
)

// ReplyTerminator ends every ASCII query response. It is stripped before
// the payload is returned to the caller.
const ReplyTerminator = "\r\n"

// FormatOrder renders a fire-and-forget command: <axis><cmd><value>\r.
// axis 0 means the command is not axis-addressed.
func FormatOrder(axis int, cmd, val string) ([]byte, error) {
	if err := checkCommand(cmd); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if axis > 0 {
		sb.WriteString(strconv.Itoa(axis))
	}
	sb.WriteString(cmd)
	sb.WriteString(val)
	sb.WriteString("\r")
	return []byte(sb.String()), nil
}

// FormatQuery renders a command expecting a response: <axis><cmd>?<value>\r.
func FormatQuery(axis int, cmd, val string) ([]byte, error) {
	if err := checkCommand(cmd); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if axis > 0 {
		sb.WriteString(strconv.Itoa(axis))
	}
	sb.WriteString(cmd)
	sb.WriteString("?")
	sb.WriteString(val)
	sb.WriteString("\r")
	return []byte(sb.String()), nil
}

func checkCommand(cmd string) error {
	if len(cmd) < 1 || len(cmd) > 10 {
		return errors.Config("command %q is very likely wrong", cmd)
	}
	return nil
}

// identRe matches e.g. "New_Focus 8742 v2.2 08/01/13 11511".
var identRe = regexp.MustCompile(`^\w+ (\w+) (v\S+ \S+) (\d+)$`)

// ParseIdentification decodes a *IDN? reply into model, firmware version
// (with date) and serial number.
func ParseIdentification(resp string) (model, fw, sn string, err error) {
	m := identRe.FindStringSubmatch(strings.TrimSpace(resp))
	if m == nil {
		return "", "", "", errors.Malformed("failed to decode identification %q", resp)
	}
	return m[1], m[2], m[3], nil
}

// errorRe matches e.g. "108, MOTOR NOT CONNECTED".
var errorRe = regexp.MustCompile(`^(\d+), (.+)$`)

// ParseErrorMessage decodes a TB? reply. A zero code means the device error
// queue is empty.
func ParseErrorMessage(resp string) (int, string, error) {
	m := errorRe.FindStringSubmatch(strings.TrimSpace(resp))
	if m == nil {
		return 0, "", errors.Malformed("failed to decode error info %q", resp)
	}
	no, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", errors.Malformed("failed to decode error number %q", m[1])
	}
	return no, m[2], nil
}

// ParseMotionDone decodes an MD? reply: "0" means motion in progress,
// "1" means done.
func ParseMotionDone(resp string) (moving bool, err error) {
	switch strings.TrimSpace(resp) {
	case "0":
		return true, nil
	case "1":
		return false, nil
	default:
		return false, errors.Malformed("failed to decode motion state %q", resp)
	}
}
