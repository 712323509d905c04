package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"redis/internal/command"
	"redis/internal/config"
	"redis/internal/protocol"
	"redis/internal/rdbload"
	"redis/internal/replication"
	"redis/internal/store"
)

// Dispatcher executes a parsed Command against the store and (on a
// master) the replication hub, returning the reply to write back to
// the client. It holds no per-connection state; the connection
// handler owns the transaction queue and PSYNC hand-off.
type Dispatcher struct {
	st   *store.Store
	hub  *replication.Hub // nil on a replica, or a master with no hub wiring
	cfg  config.Config
	role func() string // "master" or "slave", read live since REPLICAOF can flip it
}

func NewDispatcher(st *store.Store, hub *replication.Hub, cfg config.Config, role func() string) *Dispatcher {
	return &Dispatcher{st: st, hub: hub, cfg: cfg, role: role}
}

// Execute runs cmd and returns its reply. Errors are always reported
// as protocol error replies, never as a Go error, except for the
// PSYNC/REPLCONF special forms which the connection handler
// intercepts before calling Execute at all.
func (d *Dispatcher) Execute(cmd command.Command) protocol.Value {
	switch cmd.Name {
	case command.Ping:
		return protocol.SimpleStringValue("PONG")

	case command.Echo:
		if len(cmd.Args) != 1 {
			return errVal("wrong number of arguments for 'echo' command")
		}
		return protocol.BulkStringValue(cmd.Args[0])

	case command.Set:
		key, value, opts, err := command.ParseSetArgs(cmd.Args)
		if err != nil {
			return errVal(err.Error())
		}
		var expiry *time.Time
		if opts.HasExpiry {
			dur := time.Duration(opts.ExpiryValue) * time.Second
			if opts.ExpiryIsMs {
				dur = time.Duration(opts.ExpiryValue) * time.Millisecond
			}
			t := time.Now().Add(dur)
			expiry = &t
		}
		res := d.st.Set(key, value, expiry, opts.Get)
		if opts.Get {
			if res.PriorFound {
				return protocol.BulkStringValue(res.PriorValue)
			}
			return protocol.NullBulk()
		}
		return protocol.SimpleStringValue("OK")

	case command.Get:
		if len(cmd.Args) != 1 {
			return errVal("wrong number of arguments for 'get' command")
		}
		v, ok := d.st.Get(cmd.Args[0])
		if !ok {
			return protocol.NullBulk()
		}
		return protocol.BulkStringValue(valueToBulk(v))

	case command.Incr:
		if len(cmd.Args) != 1 {
			return errVal("wrong number of arguments for 'incr' command")
		}
		n, err := d.st.Incr(cmd.Args[0])
		if err != nil {
			return errVal(err.Error())
		}
		return protocol.IntegerValue(n)

	case command.Type:
		if len(cmd.Args) != 1 {
			return errVal("wrong number of arguments for 'type' command")
		}
		return protocol.SimpleStringValue(d.st.Type(cmd.Args[0]))

	case command.Keys:
		if len(cmd.Args) != 1 {
			return errVal("wrong number of arguments for 'keys' command")
		}
		keys := d.st.Keys(cmd.Args[0])
		items := make([]protocol.Value, len(keys))
		for i, k := range keys {
			items[i] = protocol.BulkStringValue(k)
		}
		return protocol.ArrayValue(items)

	case command.Config:
		name, err := command.ParseConfigGetArgs(cmd.Args)
		if err != nil {
			return errVal(err.Error())
		}
		var value string
		switch strings.ToLower(name) {
		case "dir":
			value = d.cfg.Dir
		case "dbfilename":
			value = d.cfg.DBFilename
		default:
			return protocol.ArrayValue(nil)
		}
		return protocol.ArrayValue([]protocol.Value{protocol.BulkStringValue(name), protocol.BulkStringValue(value)})

	case command.Info:
		return protocol.BulkStringValue(d.infoReplication())

	case command.XAdd:
		args, err := command.ParseXAddArgs(cmd.Args)
		if err != nil {
			return errVal(err.Error())
		}
		id, err := d.st.XAdd(args.Key, args.IDSpec, args.Field, args.Value)
		if err != nil {
			return errVal(err.Error())
		}
		return protocol.BulkStringValue(id.String())

	case command.XRange:
		args, err := command.ParseXRangeArgs(cmd.Args)
		if err != nil {
			return errVal(err.Error())
		}
		entries, err := d.st.XRange(args.Key, args.Start, args.End)
		if err != nil {
			return errVal(err.Error())
		}
		return streamEntriesToArray(entries)

	case command.XRead:
		args, err := command.ParseXReadArgs(cmd.Args)
		if err != nil {
			return errVal(err.Error())
		}
		return d.execXRead(args)

	case command.Wait:
		if len(cmd.Args) != 2 {
			return errVal("wrong number of arguments for 'wait' command")
		}
		min, err1 := strconv.Atoi(cmd.Args[0])
		timeoutMs, err2 := strconv.Atoi(cmd.Args[1])
		if err1 != nil || err2 != nil {
			return errVal("value is not an integer or out of range")
		}
		if d.hub == nil {
			return protocol.IntegerValue(0)
		}
		n := d.hub.CollectAcks(min, time.Duration(timeoutMs)*time.Millisecond)
		return protocol.IntegerValue(int64(n))

	default:
		return errVal(fmt.Sprintf("unknown command '%s'", string(cmd.Name)))
	}
}

func valueToBulk(v store.Value) string {
	if v.Kind == store.KindInteger {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

func streamEntriesToArray(entries []store.StreamEntry) protocol.Value {
	items := make([]protocol.Value, len(entries))
	for i, e := range entries {
		items[i] = protocol.ArrayValue([]protocol.Value{
			protocol.BulkStringValue(e.ID.String()),
			protocol.ArrayValue([]protocol.Value{
				protocol.BulkStringValue(e.Field),
				protocol.BulkStringValue(e.Value),
			}),
		})
	}
	return protocol.ArrayValue(items)
}

// execXRead resolves the "$" sentinel per-key against the current
// last stream id before consulting the store (so "$" means "entries
// after now"), then optionally blocks.
func (d *Dispatcher) execXRead(args command.XReadArgs) protocol.Value {
	pairs := make(map[string]string, len(args.Keys))
	for i, k := range args.Keys {
		id := args.IDs[i]
		if id == "$" {
			id = d.st.LastStreamID(k).String()
		}
		pairs[k] = id
	}

	reads := d.st.XRead(pairs)
	if len(reads) > 0 || !args.HasBlock {
		return xreadReplyOrNull(reads)
	}

	if args.BlockMS > 0 {
		time.Sleep(time.Duration(args.BlockMS) * time.Millisecond)
		reads = d.st.XRead(pairs)
		return xreadReplyOrNull(reads)
	}

	// BLOCK 0: poll until at least one stream has entries.
	for {
		time.Sleep(1000 * time.Millisecond)
		reads = d.st.XRead(pairs)
		if len(reads) > 0 {
			return xreadReplyOrNull(reads)
		}
	}
}

func xreadReplyOrNull(reads []store.StreamRead) protocol.Value {
	if len(reads) == 0 {
		return protocol.NullArr()
	}
	items := make([]protocol.Value, len(reads))
	for i, r := range reads {
		items[i] = protocol.ArrayValue([]protocol.Value{
			protocol.BulkStringValue(r.Key),
			streamEntriesToArray(r.Entries),
		})
	}
	return protocol.ArrayValue(items)
}

func (d *Dispatcher) infoReplication() string {
	lines := []string{"# Replication"}
	role := d.role()
	lines = append(lines, "role:"+role)
	if role == "master" && d.hub != nil {
		snap := d.hub.Info()
		lines = append(lines, fmt.Sprintf("master_replid:%s", snap.ReplID))
		lines = append(lines, fmt.Sprintf("master_repl_offset:%d", snap.ReplOffset))
		lines = append(lines, fmt.Sprintf("connected_slaves:%d", snap.FollowerCnt))
	}
	return strings.Join(lines, "\r\n")
}

func errVal(msg string) protocol.Value {
	return protocol.ErrorValue("ERR " + msg)
}

// loadSnapshot is a thin wrapper kept here so the server package has a
// single seam for boot-time hydration, used by Server.Start.
func loadSnapshot(cfg config.Config, st *store.Store) error {
	path := cfg.SnapshotPath()
	if path == "" {
		return nil
	}
	return rdbload.LoadFile(path, st)
}
