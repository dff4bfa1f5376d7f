package series

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// Point is one sample of a series.
type Point struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// Less orders points by timestamp inside a series tree.
func (p Point) Less(than llrb.Item) bool {
	return p.Timestamp < than.(Point).Timestamp
}

// pointSize is what one point costs against the store's capacity.
const pointSize = 16

type entry struct {
	name     string
	points   *llrb.LLRB
	expireAt time.Time
}

func (e *entry) size() int { return len(e.name) + e.points.Len()*pointSize }

// Store keeps series in memory, each ordered by timestamp. Whole series are
// evicted least recently used first once the byte capacity is exceeded, and
// a series written with a TTL expires that long after its last write.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	now  func() time.Time
}

// NewStore returns a store bounded by capacityBytes. A capacity <= 0 never evicts.
func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Insert adds points to a series, replacing any point with the same
// timestamp, and returns how many new timestamps were stored.
func (s *Store) Insert(name string, points []Point, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}

	var e *entry
	if el, ok := s.data[name]; ok {
		e = el.Value.(*entry)
		e.expireAt = exp
		s.ll.MoveToFront(el)
	} else {
		e = &entry{name: name, points: llrb.New(), expireAt: exp}
		s.data[name] = s.ll.PushFront(e)
		s.used += len(name)
	}

	added := 0
	for _, p := range points {
		if s.replace(e, p) {
			added++
		}
	}
	s.evictIfNeeded()
	return added
}

func (s *Store) replace(e *entry, p Point) bool {
	if old := e.points.ReplaceOrInsert(p); old != nil {
		return false
	}
	s.used += pointSize
	return true
}

// Query returns the points of a series with from <= timestamp <= to, in
// timestamp order. The boolean is false when the series is unknown or expired.
func (s *Store) Query(name string, from, to int64) ([]Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[name]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if s.expired(e) {
		s.removeElement(el)
		return nil, false
	}
	s.ll.MoveToFront(el)

	out := []Point{}
	if from > to {
		return out, true
	}
	e.points.AscendGreaterOrEqual(Point{Timestamp: from}, func(i llrb.Item) bool {
		p := i.(Point)
		if p.Timestamp > to {
			return false
		}
		out = append(out, p)
		return true
	})
	return out, true
}

// Latest returns the newest point of a series.
func (s *Store) Latest(name string) (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[name]
	if !ok {
		return Point{}, false
	}
	e := el.Value.(*entry)
	if s.expired(e) {
		s.removeElement(el)
		return Point{}, false
	}
	last := e.points.Max()
	if last == nil {
		return Point{}, false
	}
	return last.(Point), true
}

func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[name]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

// Len reports the number of series held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Used reports the bytes currently charged against capacity.
func (s *Store) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Names lists the series held, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) expired(e *entry) bool {
	return !e.expireAt.IsZero() && s.now().After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	if s.cap <= 0 {
		return
	}
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.name)
	s.used -= e.size()
	s.ll.Remove(el)
}
