package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/fakectdb/internal/cluster"
)

// ErrNodesFileUnset is returned when neither CTDB_NODES_<pnn> nor
// CTDB_NODES names a nodes file.
var ErrNodesFileUnset = errors.New("nodes file not defined")

// NodesFile locates and reads nodes files through the environment.
type NodesFile struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Path returns the nodes file for pnn: CTDB_NODES_<pnn> if set, otherwise
// CTDB_NODES.
func (f NodesFile) Path(pnn uint32) (string, error) {
	getenv := f.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if p := getenv(fmt.Sprintf("CTDB_NODES_%d", pnn)); p != "" {
		return p, nil
	}
	if p := getenv("CTDB_NODES"); p != "" {
		return p, nil
	}
	return "", ErrNodesFileUnset
}

// ReadNodes reads the nodes file that applies to pnn.
func (f NodesFile) ReadNodes(pnn uint32) ([]cluster.Member, error) {
	path, err := f.Path(pnn)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open nodes file %s", path)
	}
	defer file.Close()

	members, err := ParseNodes(file)
	if err != nil {
		return nil, errors.Wrapf(err, "nodes file %s", path)
	}
	return members, nil
}

// ParseNodes reads one address per line. Blank lines are ignored and a
// line starting with '#' is a deleted node, which keeps its position so the
// nodes after it keep their numbers.
func ParseNodes(r io.Reader) ([]cluster.Member, error) {
	var members []cluster.Member
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		m := cluster.Member{PNN: uint32(len(members))}
		if strings.HasPrefix(line, "#") {
			m.Addr = netip.IPv4Unspecified()
			m.Flags = cluster.FlagDeleted
		} else {
			addr, err := netip.ParseAddr(line)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", len(members))
			}
			m.Addr = addr
		}
		members = append(members, m)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read nodes")
	}
	return members, nil
}
