// Package scan discovers controllers on the local network and probes them
// for connected actuators.
//
// The raw discovery needs a privileged port, so it is delegated to a
// separate helper process that prints one candidate per line as
// tab-separated hostname, address, port. Probing then happens unprivileged
// over normal connections.
package scan

import (
	"bufio"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"picomotor-host/pkg/controller"
	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/transport"
)

// DefaultHelper is the argv used when the configuration does not name a
// discovery helper.
var DefaultHelper = []string{"pmnetscan"}

// Candidate is one controller announced on the network, before probing.
type Candidate struct {
	Hostname string
	Address  string // IP address
	Port     string
}

// Addr returns the dialable host:port of the candidate.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.Address, c.Port)
}

// Descriptor describes one probed controller and its usable axes.
type Descriptor struct {
	DisplayName string
	Address     string
	Serial      string
	Axes        []string
	StepSizes   map[string]float64
}

// Scanner runs discovery and probing.
type Scanner struct {
	helper []string
	logger *log.Logger
}

// New creates a scanner using the given helper argv, or DefaultHelper when
// empty.
func New(helper []string, logger *log.Logger) *Scanner {
	if len(helper) == 0 {
		helper = DefaultHelper
	}
	return &Scanner{helper: helper, logger: logger}
}

// ScanNetwork runs the discovery helper and returns the announced
// candidates. Helper failures are mapped to configuration errors naming
// the likely cause.
func (s *Scanner) ScanNetwork() ([]Candidate, error) {
	cmd := exec.Command(s.helper[0], s.helper[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, helperError(s.helper[0], ee)
		}
		return nil, errors.Wrap(err, errors.ErrConfig,
			fmt.Sprintf("discovery helper %q could not be started", s.helper[0]))
	}
	return s.parseCandidates(string(out)), nil
}

// helperError explains a helper exit status in terms the operator can act
// on.
func helperError(name string, ee *exec.ExitError) error {
	switch ee.ExitCode() {
	case 127:
		return errors.Config("discovery helper %q not installed", name)
	case 2:
		return errors.Config("discovery helper %q rejected its arguments", name)
	case 13:
		return errors.Config("discovery helper %q was denied the privileged port, check its permissions", name)
	default:
		return errors.Wrap(ee, errors.ErrConnection,
			fmt.Sprintf("discovery helper %q failed: %s", name, strings.TrimSpace(string(ee.Stderr))))
	}
}

// parseCandidates decodes the helper's TSV output: hostname, address, port.
// Malformed lines are logged and skipped so one bad announcement does not
// hide the rest.
func (s *Scanner) parseCandidates(out string) []Candidate {
	var cands []Candidate
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			s.logger.Warn("skipping malformed discovery line %q", line)
			continue
		}
		cands = append(cands, Candidate{
			Hostname: fields[0],
			Address:  fields[1],
			Port:     fields[2],
		})
	}
	return cands
}

// Resolve returns the address of the controller with the given serial
// number, probing each candidate's identification. An empty serial selects
// the first controller that answers.
func (s *Scanner) Resolve(serial string) (string, error) {
	cands, err := s.ScanNetwork()
	if err != nil {
		return "", err
	}
	if len(cands) == 0 {
		return "", errors.Connection("no controller found on the network")
	}
	for _, cand := range cands {
		d, err := s.probe(cand)
		if err != nil {
			s.logger.WithError(err).Warn("skipping %s", cand.Addr())
			continue
		}
		if serial == "" || d.Serial == serial {
			return cand.Addr(), nil
		}
	}
	if serial == "" {
		return "", errors.Connection("no controller answered out of %d candidates", len(cands))
	}
	return "", errors.Connection("no controller with serial number %s found (saw %d)", serial, len(cands))
}

// Scan discovers and probes every reachable controller, reporting its
// identity and the axes with a detected actuator. Unreachable candidates
// are logged and skipped.
func (s *Scanner) Scan() ([]Descriptor, error) {
	cands, err := s.ScanNetwork()
	if err != nil {
		return nil, err
	}

	var found []Descriptor
	for _, cand := range cands {
		d, err := s.probe(cand)
		if err != nil {
			s.logger.WithError(err).Warn("skipping %s", cand.Addr())
			continue
		}
		found = append(found, d)
	}
	return found, nil
}

// probe opens one candidate and asks it which actuators are connected.
func (s *Scanner) probe(cand Candidate) (Descriptor, error) {
	conn, err := transport.Dial(cand.Addr(), s.logger)
	if err != nil {
		return Descriptor{}, err
	}
	defer conn.Close()
	ch := transport.NewChannel(conn, s.logger.WithPrefix("scan/"+cand.Address))

	cmds, err := controller.NewCommandSet("ascii", ch)
	if err != nil {
		return Descriptor{}, err
	}

	model, _, sn, err := cmds.Identification()
	if err != nil {
		return Descriptor{}, err
	}
	if err := cmds.MotorCheck(); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		DisplayName: fmt.Sprintf("%s %s (sn %s)", cand.Hostname, model, sn),
		Address:     cand.Addr(),
		Serial:      sn,
		StepSizes:   make(map[string]float64),
	}
	for axis := 1; axis <= 4; axis++ {
		mt, err := cmds.MotorType(axis)
		if err != nil {
			return Descriptor{}, err
		}
		var stepSize float64
		switch mt {
		case controller.MotorStandard:
			stepSize = 10e-6
		case controller.MotorTiny:
			stepSize = 1e-6
		default:
			continue
		}
		name := fmt.Sprintf("a%d", axis)
		d.Axes = append(d.Axes, name)
		d.StepSizes[name] = stepSize
	}
	return d, nil
}
