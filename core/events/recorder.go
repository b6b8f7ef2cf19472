package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRecorderCapacity bounds the in-memory event history.
const DefaultRecorderCapacity = 1024

// Record is an emitted event stamped with its position in the stream.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Time       time.Time         `json:"time"`
}

// RecordSink receives every record after the recorder has stamped it.
// Append is called in sequence order and must not block.
type RecordSink interface {
	Append(Record)
}

// Recorder is the sequence authority of the event stream. It keeps the most
// recent records in a ring, hands each record to the attached sinks and fans
// it out to live subscribers. Subscribers that fall behind miss events rather
// than blocking the emitter.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
	next     uint64
	heightFn func() uint64
	nowFn    func() time.Time
	sinks    []RecordSink
	subs     map[uint64]chan Record
	subSeq   uint64
}

// NewRecorder builds a recorder holding at most capacity records. heightFn may
// be nil.
func NewRecorder(capacity int, heightFn func() uint64) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{
		capacity: capacity,
		heightFn: heightFn,
		nowFn:    time.Now,
		subs:     make(map[uint64]chan Record),
	}
}

// Resume continues numbering after seq, typically the last sequence held by a
// persistent archive. It never moves the sequence backwards.
func (r *Recorder) Resume(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.next {
		r.next = seq
	}
}

// Attach registers a sink for every subsequent record.
func (r *Recorder) Attach(sink RecordSink) {
	if sink == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	payload := ToPayload(evt)
	if r == nil || payload == nil {
		return
	}
	attrs := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		attrs[k] = v
	}
	var height uint64
	if r.heightFn != nil {
		height = r.heightFn()
	}

	r.mu.Lock()
	r.next++
	rec := Record{
		Sequence:   r.next,
		Height:     height,
		Type:       payload.Type,
		Attributes: attrs,
		Time:       r.nowFn().UTC(),
	}
	r.records = append(r.records, rec)
	if len(r.records) > r.capacity {
		r.records = append([]Record(nil), r.records[len(r.records)-r.capacity:]...)
	}
	for _, sink := range r.sinks {
		sink.Append(rec)
	}
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()
}

// Sequence returns the sequence number of the last recorded event.
func (r *Recorder) Sequence() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// List returns up to limit of the most recent records whose type starts with
// prefix, oldest first. A non-positive limit returns every match.
func (r *Recorder) List(prefix string, limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if prefix == "" || strings.HasPrefix(rec.Type, prefix) {
			matches = append(matches, rec)
		}
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// Query selects records by type prefix, escrow id and sequence cursor. Limit
// keeps the latest matches unless Forward is set, in which case it keeps the
// earliest ones so callers can page through the stream.
type Query struct {
	TypePrefix    string
	EscrowID      uint64
	AfterSequence uint64
	Limit         int
	Forward       bool
}

// Matches reports whether rec passes every set filter of q.
func (q Query) Matches(rec Record) bool {
	if q.TypePrefix != "" && !strings.HasPrefix(rec.Type, q.TypePrefix) {
		return false
	}
	if q.EscrowID != 0 && rec.Attributes["id"] != strconv.FormatUint(q.EscrowID, 10) {
		return false
	}
	return rec.Sequence > q.AfterSequence
}

// Query returns the records matching q, oldest first.
func (r *Recorder) Query(_ context.Context, q Query) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := make([]Record, 0)
	for _, rec := range r.records {
		if !q.Matches(rec) {
			continue
		}
		matches = append(matches, rec)
		if q.Forward && q.Limit > 0 && len(matches) == q.Limit {
			break
		}
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[len(matches)-q.Limit:]
	}
	return matches, nil
}

// Subscribe registers a live listener with the supplied channel buffer. The
// returned cancel function closes the channel.
func (r *Recorder) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Record, buffer)
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
