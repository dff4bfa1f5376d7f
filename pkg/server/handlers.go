package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrts/internal/telemetry"
	"github.com/ryandielhenn/zephyrts/pkg/cluster"
	"github.com/ryandielhenn/zephyrts/pkg/rpc"
	"github.com/ryandielhenn/zephyrts/pkg/series"
)

// Handler returns the HTTP surface: health, info, metrics and series.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(s.Info)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /series/{name}", telemetry.Instrument("get", http.HandlerFunc(s.GetSeries)))
	mux.Handle("PUT /series/{name}", telemetry.Instrument("put", http.HandlerFunc(s.PutSeries)))
	mux.Handle("POST /series/{name}", telemetry.Instrument("post", http.HandlerFunc(s.PutSeries)))
	return mux
}

// Healthz returns 200 OK to indicate the node is alive.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type groupInfo struct {
	Header string   `json:"header"`
	Role   string   `json:"role"`
	Term   uint64   `json:"term"`
	Leader string   `json:"leader"`
	Commit uint64   `json:"commit"`
	Nodes  []string `json:"nodes"`
}

func describe(header cluster.Node, role string, term uint64, leader cluster.Node, known bool, commit uint64, nodes []cluster.Node) groupInfo {
	gi := groupInfo{Header: header.String(), Role: role, Term: term, Leader: "unknown", Commit: commit}
	if known {
		gi.Leader = leader.String()
	}
	for _, n := range nodes {
		gi.Nodes = append(gi.Nodes, n.String())
	}
	return gi
}

// Info writes the process, the meta group and every data group this node
// belongs to.
func (s *Server) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID    int         `json:"pid"`
		Now    time.Time   `json:"now"`
		Self   string      `json:"self"`
		Series int         `json:"series"`
		Ring   int         `json:"ring"`
		Meta   groupInfo   `json:"meta"`
		Groups []groupInfo `json:"groups"`
	}
	out := resp{PID: os.Getpid(), Now: time.Now(), Self: s.self.String(), Series: s.store.Len(), Ring: s.ring.Len(), Groups: []groupInfo{}}
	leader, known := s.meta.Leader()
	out.Meta = describe(s.meta.Header(), s.meta.Role().String(), s.meta.Term(), leader, known, s.meta.CommitIndex(), s.meta.Nodes())
	for _, m := range s.Members() {
		leader, known := m.Leader()
		out.Groups = append(out.Groups, describe(m.Header(), m.Role().String(), m.Term(), leader, known, m.CommitIndex(), m.Nodes()))
	}
	writeJSON(w, http.StatusOK, out)
}

type writeBody struct {
	Points []series.Point `json:"points"`
}

// PutSeries appends points to a series. The owning group's leader applies the
// write; any other node forwards it over the data contract.
func (s *Server) PutSeries(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	var body writeBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Points) == 0 {
		http.Error(w, "no points", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.requestTimeout())
	defer cancel()
	idx, err := s.write(ctx, name, body.Points)
	if err != nil {
		s.logger.Debug("write failed", zap.String("series", name), zap.Error(err))
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"index": idx})
}

// GetSeries returns the points of a series in [from, to], both optional.
func (s *Server) GetSeries(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	from, to, err := parseRange(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.requestTimeout())
	defer cancel()
	points, err := s.query(ctx, name, from, to)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": name, "points": points})
}

func (s *Server) requestTimeout() time.Duration {
	return s.cfg.Raft.ElectionTimeoutMax
}

// write applies the write locally when this node leads the owning group and
// forwards it otherwise.
func (s *Server) write(ctx context.Context, name string, points []series.Point) (uint64, error) {
	group, ok := s.ring.GroupFor([]byte(name), s.cfg.ReplicationFactor)
	if !ok {
		return 0, ErrNoLeader
	}
	header := group.Header()
	targets := group.Nodes()
	if m := s.Member(header); m != nil {
		if m.IsLeader() {
			return m.Write(ctx, name, points)
		}
		leader, known := m.Leader()
		if !known {
			return 0, errors.Wrapf(ErrNoLeader, "group %s", header)
		}
		targets = []cluster.Node{leader}
	}

	var last error
	for _, n := range targets {
		c, err := s.dataClients.Client(ctx, n)
		if err != nil {
			last = err
			continue
		}
		resp, err := c.Write(ctx, &rpc.WriteRequest{Header: header, Series: name, Points: points})
		if err == nil {
			return resp.Index, nil
		}
		if rpc.IsTransportError(err) {
			s.dataClients.Release(c)
		}
		last = err
	}
	return 0, errors.Wrapf(last, "forwarding write for group %s", header)
}

// query reads the local replica when this node is in the owning group and
// asks the group's nodes in order otherwise.
func (s *Server) query(ctx context.Context, name string, from, to int64) ([]series.Point, error) {
	group, ok := s.ring.GroupFor([]byte(name), s.cfg.ReplicationFactor)
	if !ok {
		return nil, ErrNoLeader
	}
	header := group.Header()
	if m := s.Member(header); m != nil {
		points, ok := m.Query(name, from, to)
		if !ok {
			return nil, errNoSeries
		}
		return points, nil
	}

	var last error
	for _, n := range group.Nodes() {
		c, err := s.dataClients.Client(ctx, n)
		if err != nil {
			last = err
			continue
		}
		resp, err := c.Query(ctx, &rpc.QueryRequest{Header: header, Series: name, From: from, To: to})
		if err == nil {
			return resp.Points, nil
		}
		if rpc.IsTransportError(err) {
			s.dataClients.Release(c)
		}
		last = err
	}
	return nil, errors.Wrapf(last, "forwarding query for group %s", header)
}

func parseRange(req *http.Request) (from, to int64, err error) {
	from, to = math.MinInt64, math.MaxInt64
	q := req.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, errors.Newf("invalid from %q", v)
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, errors.Newf("invalid to %q", v)
		}
	}
	return from, to, nil
}
