package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	errNotInteger = errors.New("value is not an integer or out of range")
	errWrongType  = errors.New("WRONGTYPE key holds the wrong kind of value")
)

// allocateStreamID implements the XADD id allocation rule: resolve
// id_spec against the stream's last entry, then validate strict
// monotonicity.
func allocateStreamID(spec string, last StreamID, now func() time.Time) (StreamID, error) {
	var id StreamID
	if spec == "*" {
		id = StreamID{MS: uint64(now().UnixMilli()), Seq: 0}
	} else {
		msPart, seqPart, ok := strings.Cut(spec, "-")
		if !ok {
			return StreamID{}, fmt.Errorf("Invalid stream ID specified as stream command argument")
		}
		ms, err := strconv.ParseUint(msPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("Invalid stream ID specified as stream command argument")
		}
		var seq uint64
		if seqPart == "*" {
			if ms == last.MS {
				seq = last.Seq + 1
			} else if ms == 0 {
				seq = 1
			} else {
				seq = 0
			}
		} else {
			seq, err = strconv.ParseUint(seqPart, 10, 64)
			if err != nil {
				return StreamID{}, fmt.Errorf("Invalid stream ID specified as stream command argument")
			}
		}
		id = StreamID{MS: ms, Seq: seq}
	}

	if id.MS == 0 && id.Seq == 0 {
		return StreamID{}, errors.New("The ID specified in XADD must be greater than 0-0")
	}
	if id.MS < last.MS || (id.MS == last.MS && id.Seq <= last.Seq) {
		return StreamID{}, errors.New("The ID specified in XADD is equal or smaller than the target stream top item")
	}
	return id, nil
}

// parseStreamID parses a plain "ms-seq" or bare "ms" identifier, used
// by XREAD's "after id" comparison. It does not special-case "*" or
// "$"; callers resolve those sentinels before calling in.
func parseStreamID(s string) (StreamID, error) {
	msPart, seqPart, ok := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	if !ok {
		return StreamID{MS: ms, Seq: 0}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return StreamID{MS: ms, Seq: seq}, nil
}

// parseRangeBounds parses XRANGE's start/end, where "-" is the
// minimum id, "+" is the maximum id, and a partial id (no "-seq")
// defaults seq to 0 on start and u64 max on end.
func parseRangeBounds(start, end string) (lo, hi StreamID, err error) {
	lo, err = parseBound(start, 0)
	if err != nil {
		return StreamID{}, StreamID{}, err
	}
	hi, err = parseBound(end, ^uint64(0))
	if err != nil {
		return StreamID{}, StreamID{}, err
	}
	return lo, hi, nil
}

func parseBound(s string, defaultSeq uint64) (StreamID, error) {
	switch s {
	case "-":
		return StreamID{MS: 0, Seq: 0}, nil
	case "+":
		return StreamID{MS: ^uint64(0), Seq: ^uint64(0)}, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	if !hasSeq {
		return StreamID{MS: ms, Seq: defaultSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return StreamID{MS: ms, Seq: seq}, nil
}

// parseStoredInt coerces a stored Value into an int64 the way INCR
// does: Integer values pass through, String values must parse as a
// signed 64-bit decimal.
func parseStoredInt(v Value) (int64, error) {
	switch v.Kind {
	case KindInteger:
		return v.Int, nil
	case KindString:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
		return n, nil
	default:
		return 0, errNotInteger
	}
}

func bulkValue(v Value) string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Str
	}
}
