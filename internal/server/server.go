// Package server binds the listener, spawns connection tasks, and
// wires the store and replication hub together: the server-entry and
// connection-handler components.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"redis/internal/command"
	"redis/internal/config"
	"redis/internal/protocol"
	"redis/internal/replication"
	"redis/internal/store"
)

// Server owns the listener, the store, and (on a master) the
// replication hub; it is constructed once in main and passed down,
// never reached via a package-level global.
//
// hub and dispatcher are reassigned at runtime by REPLICAOF/SLAVEOF
// (startReplicatingFromMaster / stopReplicatingFromMaster) while
// connection goroutines may concurrently read them to apply and
// replicate commands; both the swap and every read go through mu.
type Server struct {
	cfg config.Config
	log logrus.FieldLogger

	st *store.Store

	mu             sync.Mutex
	hub            *replication.Hub // nil while operating purely as a replica with no followers of its own
	dispatcher     *Dispatcher
	listeningPorts map[string]string // follower connection addr -> its announced listening port
	role           atomic.Value      // string: "master" | "slave"

	ln net.Listener

	stopFollower context.CancelFunc
	wg           sync.WaitGroup
}

func New(cfg config.Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	st := store.New(log)
	s := &Server{
		cfg:            cfg,
		log:            log,
		st:             st,
		listeningPorts: make(map[string]string),
	}
	if cfg.IsReplica() {
		s.role.Store("slave")
	} else {
		s.role.Store("master")
		s.hub = replication.NewHub(st, log)
	}
	s.dispatcher = NewDispatcher(st, s.hub, cfg, s.Role)
	return s
}

func (s *Server) Role() string { return s.role.Load().(string) }

func (s *Server) recordListeningPort(addr, port string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeningPorts[addr] = port
}

// currentHub and currentDispatcher are the synchronized read side of
// the hub/dispatcher pair that startReplicatingFromMaster and
// stopReplicatingFromMaster reassign at runtime.
func (s *Server) currentHub() *replication.Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub
}

func (s *Server) currentDispatcher() *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Start loads any boot snapshot, binds the listener, optionally begins
// replicating from a configured master, and accepts connections until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := loadSnapshot(s.cfg, s.st); err != nil {
		s.log.WithError(err).Warn("snapshot load failed, continuing with an empty store")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	s.ln = ln
	s.log.WithField("port", s.cfg.Port).Info("listening")

	if s.cfg.IsReplica() {
		s.startReplicatingFromMaster(s.cfg.ReplicaOf.Host, s.cfg.ReplicaOf.Port)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown closes the listener, the replication hub, the follower loop
// and the store. It does not wait for in-flight connections; Start
// waits for those once its context is cancelled.
func (s *Server) Shutdown() {
	if s.ln != nil {
		s.ln.Close()
	}
	if hub := s.currentHub(); hub != nil {
		hub.Close()
	}
	if s.stopFollower != nil {
		s.stopFollower()
	}
	s.st.Close()
}

// startReplicatingFromMaster switches this instance into the Replica
// role (tearing down any follower registrations it held as a master)
// and launches the follower loop against (host, port). This also
// backs the runtime REPLICAOF/SLAVEOF command.
func (s *Server) startReplicatingFromMaster(host, port string) {
	s.mu.Lock()
	if s.hub != nil {
		s.hub.Close()
		s.hub = nil
		s.dispatcher = NewDispatcher(s.st, nil, s.cfg, s.Role)
	}
	s.mu.Unlock()
	s.role.Store("slave")

	ctx, cancel := context.WithCancel(context.Background())
	s.stopFollower = cancel

	follower := replication.NewFollower(s.st, s.applyReplicated, s.log)
	go func() {
		ourPort := strconv.Itoa(s.cfg.Port)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := follower.Run(host, port, ourPort); err != nil {
				s.log.WithFields(logrus.Fields{"master": host + ":" + port, "err": err}).Warn("replication link failed, retrying")
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

// stopReplicatingFromMaster implements "REPLICAOF NO ONE": stop the
// follower loop and resume as an independent master with a fresh hub.
func (s *Server) stopReplicatingFromMaster() {
	if s.stopFollower != nil {
		s.stopFollower()
		s.stopFollower = nil
	}
	s.role.Store("master")

	s.mu.Lock()
	s.hub = replication.NewHub(s.st, s.log)
	s.dispatcher = NewDispatcher(s.st, s.hub, s.cfg, s.Role)
	s.mu.Unlock()
}

// applyReplicated executes one replicated write on the follower side:
// parse the args back into a Command and dispatch it, discarding the
// reply (the follower doesn't talk back except for ACKs).
func (s *Server) applyReplicated(args []string) error {
	items := make([]protocol.Value, len(args))
	for i, a := range args {
		items[i] = protocol.BulkStringValue(a)
	}
	cmd, err := command.Parse(protocol.ArrayValue(items))
	if err != nil {
		return err
	}
	reply := s.currentDispatcher().Execute(cmd)
	if reply.Kind == protocol.Error {
		return fmt.Errorf("%s", reply.Str)
	}
	return nil
}
