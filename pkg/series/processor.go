package series

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/pkg/raft"
)

// ErrEmptyWrite is returned for a write that names no series or carries no points.
var ErrEmptyWrite = errors.New("series: empty write")

// WriteCommand is the payload of a replicated write entry.
type WriteCommand struct {
	Series string  `json:"series"`
	Points []Point `json:"points"`
}

// EncodeWrite validates and encodes a write for proposal.
func EncodeWrite(name string, points []Point) ([]byte, error) {
	if name == "" || len(points) == 0 {
		return nil, ErrEmptyWrite
	}
	return json.Marshal(WriteCommand{Series: name, Points: points})
}

// DecodeWrite is the inverse of EncodeWrite.
func DecodeWrite(data []byte) (WriteCommand, error) {
	var cmd WriteCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return WriteCommand{}, errors.Wrap(err, "decoding write command")
	}
	if cmd.Series == "" {
		return WriteCommand{}, ErrEmptyWrite
	}
	return cmd, nil
}

// Processor executes one group's committed writes against a store and
// answers queries from it.
type Processor struct {
	store     *Store
	retention time.Duration
	logger    *zap.Logger
}

var _ raft.Applier = (*Processor)(nil)

// NewProcessor returns a processor writing into store. A retention > 0
// expires a series that long after its last write.
func NewProcessor(store *Store, retention time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, retention: retention, logger: logger}
}

// Apply inserts the points of a committed write. Entries that do not decode
// are logged and skipped; every replica skips them alike.
func (p *Processor) Apply(e raft.Entry) {
	if e.Type != raft.EntryNormal {
		return
	}
	cmd, err := DecodeWrite(e.Data)
	if err != nil {
		p.logger.Warn("skipping undecodable entry", zap.Uint64("index", e.Index), zap.Error(err))
		return
	}
	p.store.Insert(cmd.Series, cmd.Points, p.retention)
}

func (p *Processor) Query(name string, from, to int64) ([]Point, bool) {
	return p.store.Query(name, from, to)
}

func (p *Processor) Store() *Store { return p.store }
