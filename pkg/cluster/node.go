package cluster

import (
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Node identifies one process in the cluster. MetaPort serves the control-plane
// contract, DataPort the data-replication contract. Identifier is the node's
// position on the hash ring.
type Node struct {
	IP         string `json:"ip" yaml:"ip"`
	MetaPort   int    `json:"meta_port" yaml:"meta_port"`
	DataPort   int    `json:"data_port" yaml:"data_port"`
	Identifier uint32 `json:"identifier" yaml:"identifier"`
}

// NewNode builds a Node, deriving the identifier from ip:metaPort when id is 0.
func NewNode(ip string, metaPort, dataPort int, id uint32) Node {
	n := Node{IP: ip, MetaPort: metaPort, DataPort: dataPort, Identifier: id}
	if n.Identifier == 0 {
		n.Identifier = IdentifierFor(n.MetaAddr())
	}
	return n
}

// IdentifierFor hashes an address onto the ring (FNV-1a 32-bit).
func IdentifierFor(addr string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return h.Sum32()
}

// ParseNode parses "ip:metaPort:dataPort[:identifier]".
func ParseNode(s string) (Node, error) {
	var ip, meta, data, id string
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 3:
		ip, meta, data = parts[0], parts[1], parts[2]
	case 4:
		ip, meta, data, id = parts[0], parts[1], parts[2], parts[3]
	default:
		return Node{}, errors.Newf("node %q: want ip:metaPort:dataPort[:identifier]", s)
	}
	metaPort, err := strconv.Atoi(meta)
	if err != nil {
		return Node{}, errors.Wrapf(err, "node %q: meta port", s)
	}
	dataPort, err := strconv.Atoi(data)
	if err != nil {
		return Node{}, errors.Wrapf(err, "node %q: data port", s)
	}
	var ident uint64
	if id != "" {
		if ident, err = strconv.ParseUint(id, 10, 32); err != nil {
			return Node{}, errors.Wrapf(err, "node %q: identifier", s)
		}
	}
	return NewNode(ip, metaPort, dataPort, uint32(ident)), nil
}

// MetaAddr is the control-plane endpoint.
func (n Node) MetaAddr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.MetaPort))
}

// DataAddr is the data-plane endpoint.
func (n Node) DataAddr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.DataPort))
}

// IsZero reports whether n is the zero Node.
func (n Node) IsZero() bool {
	return n == Node{}
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%d:%d#%d", n.IP, n.MetaPort, n.DataPort, n.Identifier)
}
