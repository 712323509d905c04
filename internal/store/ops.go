package store

import "time"

type setResult struct {
	priorForGet any // nil, or a string prior value
}

type getResult struct {
	found bool
	value Value
}

type incrResult struct {
	value int64
	err   error
}

type typeResult struct {
	kind string
}

type keysResult struct {
	keys []string
}

type xaddResult struct {
	id  StreamID
	err error
}

type xrangeResult struct {
	entries []StreamEntry
	err     error
}

type xreadResult struct {
	streams map[string][]StreamEntry
}

type lastIDResult struct {
	id StreamID
}

// SetResult is the public outcome of Set.
type SetResult struct {
	// PriorFound/PriorValue are populated only when get was requested.
	PriorFound bool
	PriorValue string
}

// Set inserts or overwrites key. If expiry is non-nil, it's an
// absolute deadline (now + duration is the caller's job). If get is
// true, the prior value (if any) is returned as a bulk string.
func (s *Store) Set(key, value string, expiry *time.Time, get bool) SetResult {
	cmd := command{op: opSet, key: key, value: value, get: get}
	if expiry != nil {
		cmd.hasExpiry = true
		cmd.expiresAt = *expiry
	}
	r := s.submit(cmd).(setResult)
	if r.priorForGet == nil {
		return SetResult{}
	}
	return SetResult{PriorFound: true, PriorValue: r.priorForGet.(string)}
}

// Get returns the value at key and whether it was present and live.
func (s *Store) Get(key string) (Value, bool) {
	r := s.submit(command{op: opGet, key: key}).(getResult)
	return r.value, r.found
}

// Incr increments key (initializing absent keys to 1) and returns the
// new value, or an error if the stored value isn't integer-coercible.
func (s *Store) Incr(key string) (int64, error) {
	r := s.submit(command{op: opIncr, key: key}).(incrResult)
	return r.value, r.err
}

// Type returns the category tag for key: "string", "integer",
// "stream", or "none".
func (s *Store) Type(key string) string {
	r := s.submit(command{op: opType, key: key}).(typeResult)
	return r.kind
}

// Keys returns a snapshot of all live keys matching pattern. Only "*"
// is implemented; any other pattern returns empty (full glob matching
// is a non-goal).
func (s *Store) Keys(pattern string) []string {
	r := s.submit(command{op: opKeys, value: pattern}).(keysResult)
	return r.keys
}

// XAdd appends a (field, value) entry to the stream at key, allocating
// an id from idSpec per the XADD rule.
func (s *Store) XAdd(key, idSpec, field, value string) (StreamID, error) {
	r := s.submit(command{op: opXAdd, key: key, idSpec: idSpec, field: field, val: value}).(xaddResult)
	return r.id, r.err
}

// XRange returns entries in [start, end] inclusive.
func (s *Store) XRange(key, start, end string) ([]StreamEntry, error) {
	r := s.submit(command{op: opXRange, key: key, start: start, end: end}).(xrangeResult)
	return r.entries, r.err
}

// StreamRead is one (key, id) pair for XRead's result set.
type StreamRead struct {
	Key     string
	Entries []StreamEntry
}

// XRead returns, for each (key, id) pair, entries strictly after id.
// Streams with no qualifying entries are omitted from the result.
func (s *Store) XRead(pairs map[string]string) []StreamRead {
	reads := make([]readSpec, 0, len(pairs))
	for k, id := range pairs {
		reads = append(reads, readSpec{key: k, id: id})
	}
	r := s.submit(command{op: opXRead, reads: reads}).(xreadResult)
	if len(r.streams) == 0 {
		return nil
	}
	out := make([]StreamRead, 0, len(r.streams))
	for k, entries := range r.streams {
		out = append(out, StreamRead{Key: k, Entries: entries})
	}
	return out
}

// LastStreamID returns the id of the last entry in the stream at key,
// or the zero id ("0-0") if absent or empty.
func (s *Store) LastStreamID(key string) StreamID {
	r := s.submit(command{op: opLastStreamID, key: key}).(lastIDResult)
	return r.id
}

// WasLastWrite reports whether the most recently completed store
// command was a write (SET/XADD/INCR), as opposed to a read
// (GET/TYPE/KEYS/XRANGE/XREAD/LASTSTREAMID). WAIT consults this to
// short-circuit when the master's last command wasn't a write.
func (s *Store) WasLastWrite() bool {
	return s.submit(command{op: opWasLastWrite}).(bool)
}

// Cleanup sweeps all keys for lazy expiry, touching every entry. Not
// required for correctness (expiry is lazy-on-access per-key) but
// useful for tests that want a deterministic post-expiry key count.
func (s *Store) Cleanup() {
	s.submit(command{op: opCleanup})
}
