package replication

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis/internal/protocol"
	"redis/internal/store"
)

func TestGenerateReplIDShapeMatchesSpec(t *testing.T) {
	id := generateReplID()
	require.Len(t, id, 40)
	for _, c := range id {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "unexpected char %q", c)
	}
}

func TestCollectAcksShortCircuitsWhenLastCommandWasNotWrite(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	h := NewHub(st, nil)
	defer h.Close()

	n := h.CollectAcks(1, 50*time.Millisecond)
	assert.Equal(t, 0, n)
}

func TestRegisterThenReplicateDeliversFrame(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	h := NewHub(st, nil)
	defer h.Close()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	go func() {
		h.Register(serverSide, "6380")
	}()
	// Give the actor a moment to process the register event before
	// replicating, since net.Pipe has no internal buffering.
	time.Sleep(20 * time.Millisecond)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := clientSide.Read(buf)
		done <- buf[:n]
	}()

	frame := protocol.EncodeCommand("SET", "k", "v")
	h.Replicate(frame)

	select {
	case got := <-done:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replicated frame")
	}
}

func TestCollectAcksCountsMatchingAcks(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	st.Set("k", "v", nil, false) // make WasLastWrite true

	h := NewHub(st, nil)
	defer h.Close()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go h.Register(serverSide, "6380")
	time.Sleep(20 * time.Millisecond)

	frame := protocol.EncodeCommand("SET", "k", "v")
	bytesProcessed := int64(len(frame))
	h.Replicate(frame)

	// Mimic a conformant follower (replication/follower.go): consume
	// the replicated SET frame silently, then on GETACK ack the offset
	// from *before* the GETACK frame's own bytes were counted. This
	// must still satisfy CollectAcks now that it snapshots targetOffset
	// before broadcasting GETACK.
	go func() {
		dec := protocol.NewDecoder(bufio.NewReader(clientSide))
		enc := protocol.NewEncoder(bufio.NewWriter(clientSide))
		for {
			v, err := dec.Read()
			if err != nil {
				return
			}
			args, err := v.StringArgs()
			if err != nil || len(args) < 2 {
				continue
			}
			if equalFold(args[0], "REPLCONF") && equalFold(args[1], "GETACK") {
				_ = enc.Write(protocol.ArrayValue([]protocol.Value{
					protocol.BulkStringValue("REPLCONF"),
					protocol.BulkStringValue("ACK"),
					protocol.BulkStringValue(strconv.FormatInt(bytesProcessed, 10)),
				}))
			}
		}
	}()

	n := h.CollectAcks(1, 500*time.Millisecond)
	assert.Equal(t, 1, n)
}
