package replication

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"redis/internal/protocol"
	"redis/internal/rdbload"
	"redis/internal/store"
)

// ApplyFunc executes one replicated command against the local store;
// it is supplied by the connection/server layer so this package never
// needs to know the full command dispatch table.
type ApplyFunc func(args []string) error

// Follower drives the replica side of replication: handshake, initial
// snapshot, then the streamed apply loop.
type Follower struct {
	log    logrus.FieldLogger
	st     *store.Store
	apply  ApplyFunc
	masterHost string
	masterPort string
	ourPort    string

	bytesProcessed int64
}

func NewFollower(st *store.Store, apply ApplyFunc, log logrus.FieldLogger) *Follower {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Follower{st: st, apply: apply, log: log}
}

// BytesProcessed returns the running offset: the sum of lengths of
// applied command frames, matching the master's repl_offset units.
func (f *Follower) BytesProcessed() int64 { return f.bytesProcessed }

// Run connects to (host, port), performs the handshake, loads the
// snapshot, and enters the apply loop. It blocks until the connection
// fails; callers typically run this in its own goroutine with their
// own reconnect policy.
func (f *Follower) Run(host, port, ourPort string) error {
	f.masterHost, f.masterPort, f.ourPort = host, port, ourPort
	conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	if err := f.handshake(dec, enc, ourPort); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	snapshot, err := dec.ReadSnapshotFrame()
	if err != nil {
		return fmt.Errorf("read snapshot frame: %w", err)
	}
	if err := rdbload.LoadBytes(snapshot, f.st); err != nil {
		f.log.WithError(err).Warn("snapshot load failed, continuing with empty store")
	}

	return f.applyLoop(dec, enc)
}

func (f *Follower) handshake(dec *protocol.Decoder, enc *protocol.Encoder, ourPort string) error {
	steps := []struct {
		send []string
		want string
	}{
		{[]string{"PING"}, "PONG"},
		{[]string{"REPLCONF", "listening-port", ourPort}, "OK"},
		{[]string{"REPLCONF", "capa", "psync2"}, "OK"},
	}
	for _, s := range steps {
		if err := enc.Write(protocol.ArrayValue(stringsToBulk(s.send))); err != nil {
			return err
		}
		v, err := dec.Read()
		if err != nil {
			return err
		}
		if v.Kind != protocol.SimpleString || v.Str != s.want {
			return fmt.Errorf("unexpected reply %+v to %v", v, s.send)
		}
	}
	if err := enc.Write(protocol.ArrayValue(stringsToBulk([]string{"PSYNC", "?", "-1"}))); err != nil {
		return err
	}
	v, err := dec.Read()
	if err != nil {
		return err
	}
	if v.Kind != protocol.SimpleString {
		return fmt.Errorf("expected FULLRESYNC simple string, got %+v", v)
	}
	return nil
}

func stringsToBulk(ss []string) []protocol.Value {
	out := make([]protocol.Value, len(ss))
	for i, s := range ss {
		out[i] = protocol.BulkStringValue(s)
	}
	return out
}

// applyLoop maintains bytes_processed as the sum of lengths of applied
// command frames. REPLCONF GETACK * is answered with the offset as it
// stood before accounting for the GETACK frame itself; the GETACK
// frame's own length is still added to bytes_processed afterward, so
// subsequent accounting stays correct.
func (f *Follower) applyLoop(dec *protocol.Decoder, enc *protocol.Encoder) error {
	for {
		v, err := dec.Read()
		if err != nil {
			return err
		}
		args, err := v.StringArgs()
		if err != nil || len(args) == 0 {
			continue
		}
		frameLen := len(protocol.Encode(v))

		if len(args) >= 2 && equalFold(args[0], "REPLCONF") && equalFold(args[1], "GETACK") {
			offsetBeforeFrame := f.bytesProcessed
			f.bytesProcessed += int64(frameLen)
			ack := protocol.ArrayValue(stringsToBulk([]string{"REPLCONF", "ACK", strconv.FormatInt(offsetBeforeFrame, 10)}))
			if err := enc.Write(ack); err != nil {
				return err
			}
			continue
		}

		if len(args) == 1 && equalFold(args[0], "PING") {
			f.bytesProcessed += int64(frameLen)
			continue
		}

		if err := f.apply(args); err != nil {
			f.log.WithFields(logrus.Fields{"cmd": args[0], "err": err}).Warn("failed to apply replicated command")
		}
		f.bytesProcessed += int64(frameLen)
	}
}

// SendHeartbeatACKs periodically reports the current offset even
// without a GETACK prompt, the way the teacher's replica does; this is
// optional per spec but cheap to keep since followers already track
// bytes_processed.
func (f *Follower) SendHeartbeatACKs(enc *protocol.Encoder, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ack := protocol.ArrayValue(stringsToBulk([]string{"REPLCONF", "ACK", strconv.FormatInt(f.bytesProcessed, 10)}))
			_ = enc.Write(ack)
		}
	}
}
