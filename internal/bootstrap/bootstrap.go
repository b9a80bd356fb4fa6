// Package bootstrap builds the emulated cluster from the daemon's standard
// input and reads nodes files for membership reloads.
//
// Input is a sequence of sections, each introduced by its name on a line of
// its own and ended by a blank line or end of input:
//
//	NODEMAP
//	0       10.0.0.31       0x0     CURRENT RECMASTER
//	1       10.0.0.32       0x1     -CTDB_CAP_LMASTER
//	2       10.0.0.33       0x0     TIMEOUT
//
//	IFACES
//	:Name:LinkStatus:References:
//	:eth2:1:2:
//
//	VNNMAP
//	654321
//	0
//	2
//
// Malformed node and interface rows are reported and skipped. A line that
// names no known section is an error.
package bootstrap

import (
	"bufio"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
)

// ErrUnknownSection is returned for a top level line that names no section.
var ErrUnknownSection = errors.New("unknown bootstrap line")

const ifaceHeader = ":Name:LinkStatus:References:"

// Load reads bootstrap input from r and returns the initialised state. The
// node table is not validated; callers do that so they can report the
// failure their own way.
func Load(r io.Reader, log logrus.FieldLogger) (*cluster.State, error) {
	s := cluster.NewState()
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := sc.Text()
		switch line {
		case "NODEMAP":
			parseNodeMap(sc, s, log)
		case "IFACES":
			parseIfaces(sc, s, log)
		case "VNNMAP":
			if err := parseVNNMap(sc, s); err != nil {
				return nil, err
			}
		case "":
			// stray separator between sections
		default:
			return nil, errors.Wrapf(ErrUnknownSection, "%q", line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read bootstrap input")
	}

	s.Init()
	log.WithFields(logrus.Fields{
		"nodes":      len(s.Nodes),
		"interfaces": len(s.Interfaces),
		"generation": s.VNNMap.Generation,
	}).Debug("bootstrap done")
	return s, nil
}

// sectionLines yields lines until a blank line or end of input.
func sectionLines(sc *bufio.Scanner, fn func(line string) error) error {
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			return nil
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func parseNodeMap(sc *bufio.Scanner, s *cluster.State, log logrus.FieldLogger) {
	_ = sectionLines(sc, func(line string) error {
		fields := strings.Fields(line)
		bad := func(why string) error {
			log.WithField("line", line).Warnf("bad node line, %s", why)
			return nil
		}

		if len(fields) < 1 {
			return bad("missing PNN")
		}
		pnn, err := parseUint32(fields[0])
		if err != nil {
			return bad("invalid PNN")
		}
		if len(fields) < 2 {
			return bad("missing IP")
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			return bad("invalid IP")
		}
		if len(fields) < 3 {
			return bad("missing flags")
		}
		flags, err := parseUint32(fields[2])
		if err != nil {
			return bad("invalid flags")
		}

		caps := cluster.CapDefault
		for _, tok := range fields[3:] {
			switch tok {
			case "CURRENT":
				s.SelfPNN = pnn
			case "RECMASTER":
				s.RecMaster = pnn
			case "-CTDB_CAP_RECMASTER":
				caps &^= cluster.CapRecMaster
			case "-CTDB_CAP_LMASTER":
				caps &^= cluster.CapLMaster
			case "TIMEOUT":
				flags |= cluster.FlagFakeTimeout
			default:
				log.WithField("token", tok).Debug("ignoring node option")
			}
		}
		s.AddNode(pnn, addr, flags, caps)
		return nil
	})
}

func parseIfaces(sc *bufio.Scanner, s *cluster.State, log logrus.FieldLogger) {
	_ = sectionLines(sc, func(line string) error {
		if line == ifaceHeader {
			return nil
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ':' })
		if len(fields) < 3 {
			log.WithField("line", line).Warn("bad interface line")
			return nil
		}
		link, err := strconv.ParseUint(fields[1], 0, 16)
		if err != nil {
			log.WithField("line", line).Warn("bad interface link state")
			return nil
		}
		refs, err := parseUint32(fields[2])
		if err != nil {
			log.WithField("line", line).Warn("bad interface references")
			return nil
		}
		s.AddInterface(fields[0], link != 0, refs)
		return nil
	})
}

// parseVNNMap reads the generation followed by one lmaster per line. A
// generation equal to InvalidGeneration counts as unset, so the next line
// is read as the generation again.
func parseVNNMap(sc *bufio.Scanner, s *cluster.State) error {
	return sectionLines(sc, func(line string) error {
		n, err := parseUint32(strings.TrimSpace(line))
		if err != nil {
			return errors.Wrapf(err, "vnnmap line %q", line)
		}
		if s.VNNMap.Generation == cluster.InvalidGeneration {
			s.VNNMap.Generation = n
			return nil
		}
		s.VNNMap.Map = append(s.VNNMap.Map, n)
		return nil
	})
}
