// Package store owns the key->value map behind a single-writer actor
// goroutine, reached only through a buffered command channel. No
// caller ever locks a mutex across a suspension point because there
// is no mutex: the actor is the sole mutator, and every other
// goroutine communicates with it by submitting a command and blocking
// on its own response channel.
package store

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type opKind int

const (
	opSet opKind = iota
	opGet
	opIncr
	opType
	opKeys
	opXAdd
	opXRange
	opXRead
	opLastStreamID
	opWasLastWrite
	opCleanup
)

// command is the single message type flowing through the actor's
// channel; response carries exactly one value back to the caller.
type command struct {
	op       opKind
	key      string
	value    string
	hasExpiry bool
	expiresAt time.Time
	get      bool
	idSpec   string
	field    string
	val      string
	start    string
	end      string
	reads    []readSpec
	response chan any
}

type readSpec struct {
	key string
	id  string
}

// entry is a Value with an optional absolute expiry.
type entry struct {
	value     Value
	expiresAt time.Time
	hasExpiry bool
}

// Store is the actor handle: a channel to the owning goroutine plus
// its lifecycle controls. The zero value is not usable; use New.
type Store struct {
	cmds     chan command
	done     chan struct{}
	closeOne sync.Once
	log      logrus.FieldLogger

	// now is overridable for deterministic stream-id tests.
	now func() time.Time
}

// New starts the actor goroutine and returns a handle to it.
func New(log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		cmds: make(chan command, 256),
		done: make(chan struct{}),
		log:  log,
		now:  time.Now,
	}
	go s.run()
	return s
}

// Close stops the actor goroutine. Safe to call once.
func (s *Store) Close() {
	s.closeOne.Do(func() { close(s.done) })
}

func (s *Store) submit(cmd command) any {
	cmd.response = make(chan any, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return nil
	}
	select {
	case r := <-cmd.response:
		return r
	case <-s.done:
		return nil
	}
}

// run is the sole owner of data/expiries/lastWasWrite. It never
// blocks on anything but the channel receive and the per-call
// response send (which is buffered, so it never blocks the actor
// either).
func (s *Store) run() {
	data := make(map[string]*entry)
	// lastWasWrite tracks whether the most recently completed command
	// was a write, not merely whether one has ever occurred: every read
	// op clears it, every write op sets it.
	var lastWasWrite bool

	expired := func(key string) bool {
		e, ok := data[key]
		if !ok {
			return false
		}
		if e.hasExpiry && !e.expiresAt.After(s.now()) {
			delete(data, key)
			return true
		}
		return false
	}

	for {
		select {
		case <-s.done:
			return
		case c := <-s.cmds:
			switch c.op {
			case opSet:
				var prior any
				if c.get {
					expired(c.key)
					if e, ok := data[c.key]; ok {
						prior = bulkValue(e.value)
					} else {
						prior = nil
					}
				}
				data[c.key] = &entry{
					value:     Value{Kind: KindString, Str: c.value},
					expiresAt: c.expiresAt,
					hasExpiry: c.hasExpiry,
				}
				lastWasWrite = true
				c.response <- setResult{priorForGet: prior}

			case opGet:
				lastWasWrite = false
				expired(c.key)
				e, ok := data[c.key]
				if !ok {
					c.response <- getResult{found: false}
					break
				}
				c.response <- getResult{found: true, value: e.value}

			case opIncr:
				expired(c.key)
				e, ok := data[c.key]
				var cur int64
				if ok {
					n, perr := parseStoredInt(e.value)
					if perr != nil {
						c.response <- incrResult{err: errNotInteger}
						break
					}
					cur = n
				}
				cur++
				data[c.key] = &entry{value: Value{Kind: KindInteger, Int: cur}}
				lastWasWrite = true
				c.response <- incrResult{value: cur}

			case opType:
				lastWasWrite = false
				expired(c.key)
				e, ok := data[c.key]
				if !ok {
					c.response <- typeResult{kind: "none"}
					break
				}
				c.response <- typeResult{kind: e.value.Kind.String()}

			case opKeys:
				lastWasWrite = false
				var out []string
				if c.value == "*" {
					for k := range data {
						if !expired(k) {
							out = append(out, k)
						}
					}
				}
				c.response <- keysResult{keys: out}

			case opXAdd:
				expired(c.key)
				e, ok := data[c.key]
				if !ok {
					e = &entry{value: Value{Kind: KindStream}}
					data[c.key] = e
				}
				if e.value.Kind != KindStream {
					c.response <- xaddResult{err: errWrongType}
					break
				}
				var last StreamID
				if n := len(e.value.Stream); n > 0 {
					last = e.value.Stream[n-1].ID
				}
				id, err := allocateStreamID(c.idSpec, last, s.now)
				if err != nil {
					c.response <- xaddResult{err: err}
					break
				}
				e.value.Stream = append(e.value.Stream, StreamEntry{ID: id, Field: c.field, Value: c.val})
				lastWasWrite = true
				c.response <- xaddResult{id: id}

			case opXRange:
				lastWasWrite = false
				expired(c.key)
				e, ok := data[c.key]
				var entries []StreamEntry
				if ok && e.value.Kind == KindStream {
					lo, hi, err := parseRangeBounds(c.start, c.end)
					if err != nil {
						c.response <- xrangeResult{err: err}
						break
					}
					for _, se := range e.value.Stream {
						if !se.ID.Less(lo) && !hi.Less(se.ID) {
							entries = append(entries, se)
						}
					}
				}
				c.response <- xrangeResult{entries: entries}

			case opXRead:
				lastWasWrite = false
				res := make(map[string][]StreamEntry, len(c.reads))
				for _, r := range c.reads {
					expired(r.key)
					e, ok := data[r.key]
					if !ok || e.value.Kind != KindStream {
						continue
					}
					after, err := parseStreamID(r.id)
					if err != nil {
						continue
					}
					var entries []StreamEntry
					for _, se := range e.value.Stream {
						if after.Less(se.ID) {
							entries = append(entries, se)
						}
					}
					if len(entries) > 0 {
						res[r.key] = entries
					}
				}
				c.response <- xreadResult{streams: res}

			case opLastStreamID:
				lastWasWrite = false
				expired(c.key)
				e, ok := data[c.key]
				if !ok || e.value.Kind != KindStream || len(e.value.Stream) == 0 {
					c.response <- lastIDResult{id: StreamID{}}
					break
				}
				c.response <- lastIDResult{id: e.value.Stream[len(e.value.Stream)-1].ID}

			case opWasLastWrite:
				c.response <- lastWasWrite

			case opCleanup:
				for k := range data {
					expired(k)
				}
				c.response <- struct{}{}
			}
		}
	}
}
