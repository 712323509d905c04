// Package replication implements the master-side replication hub and
// the follower (replica) connection loop. Both sides are owned by a
// single actor goroutine each: other goroutines interact only through
// events (Register, Replicate, CollectAcks on the hub), never by
// reaching into the follower set directly, which breaks the cyclic
// reference risk between a connection task and the hub.
package replication

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc64"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"redis/internal/protocol"
	"redis/internal/store"
)

// follower is the master's view of one registered replica connection:
// a write-only sink for replicated frames, plus a read path for
// periodic ACKs.
type follower struct {
	addr          string
	conn          net.Conn
	enc           *protocol.Encoder
	listeningPort string
	ackOffset     int64
}

type ackNotice struct {
	addr   string
	offset int64
}

type hubEvent struct {
	kind       hubEventKind
	conn       net.Conn
	port       string
	frame      []byte
	addr       string
	offset     int64
	sub        chan ackNotice
	resultChan chan any
}

type hubEventKind int

const (
	evRegister hubEventKind = iota
	evReplicate
	evAck
	evRemove
	evSubscribe
	evUnsubscribe
	evSnapshot
	evBroadcastGetAck
)

// Hub is the master-side replication manager: single actor goroutine,
// reached only via events.
type Hub struct {
	store  *store.Store
	log    logrus.FieldLogger
	replID string
	events chan hubEvent
	done   chan struct{}
}

// Snapshot is a read-only view of hub state used for INFO and WAIT.
type Snapshot struct {
	ReplID       string
	ReplOffset   int64
	FollowerCnt  int
	FollowerInfo []FollowerInfo
}

type FollowerInfo struct {
	Addr          string
	ListeningPort string
	Offset        int64
}

func NewHub(st *store.Store, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hub{
		store:  st,
		log:    log,
		replID: generateReplID(),
		events: make(chan hubEvent, 256),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively fatal on any real system;
		// fall back to a fixed-but-valid-shaped id rather than panic.
		return "0000000000000000000000000000000000000000"[:40]
	}
	return hex.EncodeToString(b)
}

func (h *Hub) ReplID() string { return h.replID }

func (h *Hub) Close() { close(h.done) }

func (h *Hub) run() {
	followers := make(map[string]*follower)
	var replOffset int64
	var subs []chan ackNotice

	broadcastAck := func(n ackNotice) {
		for _, s := range subs {
			select {
			case s <- n:
			default:
			}
		}
	}

	for {
		select {
		case <-h.done:
			for _, f := range followers {
				f.conn.Close()
			}
			return
		case ev := <-h.events:
			switch ev.kind {
			case evRegister:
				addr := ev.conn.RemoteAddr().String()
				f := &follower{
					addr:          addr,
					conn:          ev.conn,
					enc:           protocol.NewEncoder(bufio.NewWriter(ev.conn)),
					listeningPort: ev.port,
				}
				followers[addr] = f
				ev.resultChan <- Snapshot{ReplID: h.replID, ReplOffset: replOffset}

			case evReplicate:
				for addr, f := range followers {
					if err := f.enc.WriteRaw(ev.frame); err != nil {
						h.log.WithFields(logrus.Fields{"follower": addr, "err": err}).Warn("replication write failed, deregistering follower")
						f.conn.Close()
						delete(followers, addr)
					}
				}
				replOffset += int64(len(ev.frame))

			case evAck:
				if f, ok := followers[ev.addr]; ok {
					f.ackOffset = ev.offset
					broadcastAck(ackNotice{addr: ev.addr, offset: ev.offset})
				}

			case evRemove:
				if f, ok := followers[ev.addr]; ok {
					f.conn.Close()
					delete(followers, ev.addr)
				}

			case evSubscribe:
				subs = append(subs, ev.sub)

			case evUnsubscribe:
				for i, s := range subs {
					if s == ev.sub {
						subs = append(subs[:i], subs[i+1:]...)
						break
					}
				}

			case evBroadcastGetAck:
				frame := protocol.EncodeCommand("REPLCONF", "GETACK", "*")
				for addr, f := range followers {
					if err := f.enc.WriteRaw(frame); err != nil {
						f.conn.Close()
						delete(followers, addr)
					}
				}
				replOffset += int64(len(frame))
				ev.resultChan <- len(followers)

			case evSnapshot:
				infos := make([]FollowerInfo, 0, len(followers))
				for _, f := range followers {
					infos = append(infos, FollowerInfo{Addr: f.addr, ListeningPort: f.listeningPort, Offset: f.ackOffset})
				}
				ev.resultChan <- Snapshot{ReplID: h.replID, ReplOffset: replOffset, FollowerCnt: len(followers), FollowerInfo: infos}
			}
		}
	}
}

// Register adds conn as a follower after a successful PSYNC. It
// returns the hub's replid/offset (to build the FULLRESYNC reply) and
// a minimal valid snapshot blob (header + EOF + checksum), which is
// acceptable per spec since persistence writes are out of scope and
// the store's live content is conveyed by subsequent replicated
// writes, not the initial snapshot. A read goroutine is spawned to
// consume the follower's periodic ACK replies.
func (h *Hub) Register(conn net.Conn, listeningPort string) (Snapshot, []byte) {
	resp := make(chan any, 1)
	h.events <- hubEvent{kind: evRegister, conn: conn, port: listeningPort, resultChan: resp}
	snap := (<-resp).(Snapshot)
	go h.readAcks(conn)
	return snap, emptyRDB()
}

// readAcks consumes REPLCONF ACK <offset> frames sent back by a
// registered follower and forwards them to the actor.
func (h *Hub) readAcks(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	dec := protocol.NewDecoder(bufio.NewReader(conn))
	for {
		v, err := dec.Read()
		if err != nil {
			h.events <- hubEvent{kind: evRemove, addr: addr}
			return
		}
		args, err := v.StringArgs()
		if err != nil || len(args) < 3 {
			continue
		}
		if len(args) >= 3 && equalFold(args[0], "REPLCONF") && equalFold(args[1], "ACK") {
			var offset int64
			fmt.Sscanf(args[2], "%d", &offset)
			h.events <- hubEvent{kind: evAck, addr: addr, offset: offset}
		}
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 32
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Replicate forwards an already-encoded command frame to every
// registered follower in FIFO order, advancing repl_offset by its
// byte length. Failures writing to a follower deregister it.
func (h *Hub) Replicate(frame []byte) {
	h.events <- hubEvent{kind: evReplicate, frame: frame}
}

// Info returns a read-only snapshot for the INFO command and WAIT.
func (h *Hub) Info() Snapshot {
	resp := make(chan any, 1)
	h.events <- hubEvent{kind: evSnapshot, resultChan: resp}
	return (<-resp).(Snapshot)
}

// CollectAcks implements WAIT: if the store's last command wasn't a
// write, the current follower count is returned immediately without
// issuing GETACK. Otherwise GETACK is fanned out to every follower and
// the call blocks on a subscription channel until either min distinct
// followers have acknowledged an offset at or beyond the snapshot
// taken at call time, or timeout elapses.
func (h *Hub) CollectAcks(min int, timeout time.Duration) int {
	if !h.store.WasLastWrite() {
		return h.Info().FollowerCnt
	}

	// Snapshot the offset before broadcasting GETACK: a conformant
	// follower acks its bytes_processed from before the GETACK frame
	// (§4.6), so including the GETACK frame's own bytes here would make
	// the comparison below never succeed.
	targetOffset := h.Info().ReplOffset

	sub := make(chan ackNotice, 64)
	h.events <- hubEvent{kind: evSubscribe, sub: sub}
	defer func() { h.events <- hubEvent{kind: evUnsubscribe, sub: sub} }()

	resp := make(chan any, 1)
	h.events <- hubEvent{kind: evBroadcastGetAck, resultChan: resp}
	_ = (<-resp).(int)

	acked := make(map[string]bool)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(acked) >= min {
			return len(acked)
		}
		select {
		case n := <-sub:
			if n.offset >= targetOffset {
				acked[n.addr] = true
			}
		case <-deadline.C:
			return len(acked)
		}
	}
}

// emptyRDB builds a minimal, structurally valid RDB blob: header,
// immediate EOF opcode, and its CRC64 checksum.
func emptyRDB() []byte {
	buf := []byte("REDIS0011")
	buf = append(buf, 0xFF)
	sum := crc64Of(buf)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(sum>>(8*uint(i))))
	}
	return buf
}

func crc64Of(b []byte) uint64 {
	// Matches the ECMA polynomial used by the snapshot loader's
	// checksum verification.
	return crc64.Checksum(b, crc64.MakeTable(crc64.ECMA))
}
