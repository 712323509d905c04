package server

import (
	"bufio"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"redis/internal/command"
	"redis/internal/protocol"
	"redis/internal/txqueue"
)

// handleConnection is the per-client cooperative loop:
// ACCEPT -> READ_FRAME -> PARSE -> CLASSIFY, matching the state
// machine named in the component design: queued-in-tx commands are
// enqueued and replied "+QUEUED"; MULTI/EXEC/DISCARD manage the
// transaction queue; PSYNC hands the connection to the replication
// hub and the goroutine returns; anything else dispatches immediately
// and, on the master, is forwarded to the hub after it applies
// successfully.
func (s *Server) handleConnection(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.log.WithField("addr", addr).Info("client connected")
	handedOff := false
	defer func() {
		if !handedOff {
			conn.Close()
		}
		s.log.WithField("addr", addr).Info("client disconnected")
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	var tx txqueue.Queue

	for {
		v, err := dec.Read()
		if err != nil {
			if err != protocol.ErrStreamEnd {
				s.log.WithFields(logrus.Fields{"addr": addr, "err": err}).Warn("protocol parse error, closing connection")
			}
			return
		}
		raw := protocol.Encode(v)

		cmd, err := command.Parse(v)
		if err != nil {
			_ = enc.Write(protocol.ErrorValue("ERR " + err.Error()))
			continue
		}
		cmd.Raw = raw

		switch cmd.Name {
		case command.Multi:
			tx.Begin()
			_ = enc.Write(protocol.SimpleStringValue("OK"))
			continue

		case command.Discard:
			if err := tx.Discard(); err != nil {
				_ = enc.Write(protocol.ErrorValue("ERR " + err.Error()))
				continue
			}
			_ = enc.Write(protocol.SimpleStringValue("OK"))
			continue

		case command.Exec:
			queued, err := tx.Exec()
			if err != nil {
				_ = enc.Write(protocol.ErrorValue("ERR " + err.Error()))
				continue
			}
			replies := make([]protocol.Value, len(queued))
			for i, qc := range queued {
				replies[i] = s.applyAndReplicate(qc)
			}
			_ = enc.Write(protocol.ArrayValue(replies))
			continue

		case command.PSync:
			s.handlePSync(conn, enc, dec)
			handedOff = true
			return
		}

		if tx.Open() {
			// Canonical semantics: queue everything between MULTI and
			// EXEC, including reads.
			tx.Enqueue(cmd)
			_ = enc.Write(protocol.SimpleStringValue("QUEUED"))
			continue
		}

		if cmd.Name == command.ReplConf {
			if len(cmd.Args) >= 2 && strings.EqualFold(cmd.Args[0], "listening-port") {
				s.recordListeningPort(addr, cmd.Args[1])
			}
			_ = enc.Write(protocol.SimpleStringValue("OK"))
			continue
		}
		if cmd.Name == command.ReplicaOf || cmd.Name == command.SlaveOf {
			_ = enc.Write(s.handleReplicaOf(cmd.Args))
			continue
		}

		_ = enc.Write(s.applyAndReplicate(cmd))
	}
}

// applyAndReplicate executes cmd and, if it's a write and this server
// is currently a master, forwards the original frame bytes to the
// replication hub only after local application succeeds.
func (s *Server) applyAndReplicate(cmd command.Command) protocol.Value {
	reply := s.currentDispatcher().Execute(cmd)
	if hub := s.currentHub(); cmd.IsWrite() && reply.Kind != protocol.Error && s.Role() == "master" && hub != nil {
		hub.Replicate(cmd.Raw)
	}
	return reply
}

// handlePSync completes the master side of the PSYNC handshake: reply
// FULLRESYNC, send the snapshot frame, then hand the connection to the
// hub as a follower sink. The goroutine that was serving this
// connection as a client returns afterward; the hub's own read
// goroutine (spawned by Register) takes over reading ACKs.
func (s *Server) handlePSync(conn net.Conn, enc *protocol.Encoder, dec *protocol.Decoder) {
	port := s.pendingListeningPort(conn.RemoteAddr().String())
	snap, blob := s.currentHub().Register(conn, port)
	_ = enc.Write(protocol.SimpleStringValue("FULLRESYNC " + snap.ReplID + " " + strconv.FormatInt(snap.ReplOffset, 10)))
	_ = enc.WriteSnapshotFrame(blob)
}

// pendingListeningPort looks up the REPLCONF listening-port value a
// follower announced earlier on this same connection, if any.
func (s *Server) pendingListeningPort(addr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeningPorts[addr]
}

func (s *Server) handleReplicaOf(args []string) protocol.Value {
	if len(args) != 2 {
		return protocol.ErrorValue("ERR wrong number of arguments for 'replicaof' command")
	}
	if strings.EqualFold(args[0], "no") && strings.EqualFold(args[1], "one") {
		s.stopReplicatingFromMaster()
		return protocol.SimpleStringValue("OK")
	}
	s.startReplicatingFromMaster(args[0], args[1])
	return protocol.SimpleStringValue("OK")
}
