package types

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ObjKind distinguishes the five disjoint representations an Obj can take.
// The VM and the legacy in-memory object store (db.Object)
// only ever deal in the Numbered space and keep using the bare ObjID type
// for speed; ObjKind/Obj is the richer value that crosses the world-state
// façade / store / RPC boundary, where anonymous and nursery objects are
// first-class.
type ObjKind uint8

const (
	ObjKindNumbered ObjKind = iota
	ObjKindUUID
	ObjKindAnonymous
	ObjKindNursery
	ObjKindSentinel
)

// Obj is a packed object reference. Exactly one of the fields below is
// meaningful, selected by Kind:
//   - Numbered: Num holds the id directly.
//   - UUID / Anonymous: Packed holds a 62-bit value (16-bit monotonic
//     counter | 6-bit random | 40-bit epoch-ms).
//   - Nursery: Num holds a task-local sequence number; never observable
//     outside the task that minted it (enforced by the store/world layer,
//     not by this type).
//   - Sentinel: Num holds one of NOTHING/AMBIGUOUS/FAILED_MATCH.
type Obj struct {
	Kind   ObjKind
	Num    int64
	Packed uint64
}

// Sentinel objects, matching the legacy ObjID constants so existing code
// that compares against types.ObjNothing keeps working via Obj.Legacy().
var (
	ObjRefNothing     = Obj{Kind: ObjKindSentinel, Num: int64(ObjNothing)}
	ObjRefAmbiguous   = Obj{Kind: ObjKindSentinel, Num: int64(ObjAmbiguous)}
	ObjRefFailedMatch = Obj{Kind: ObjKindSentinel, Num: int64(ObjFailedMatch)}
)

// FromObjID wraps a legacy numbered id as an Obj.
func FromObjID(id ObjID) Obj {
	switch id {
	case ObjNothing:
		return ObjRefNothing
	case ObjAmbiguous:
		return ObjRefAmbiguous
	case ObjFailedMatch:
		return ObjRefFailedMatch
	default:
		return Obj{Kind: ObjKindNumbered, Num: int64(id)}
	}
}

// Legacy projects an Obj down to the numbered ObjID space the VM and
// object store use. UUID/anonymous/nursery objects have no numbered
// identity; callers must route those through the nursery/anonymous
// metadata table instead (ok is false).
func (o Obj) Legacy() (ObjID, bool) {
	if o.Kind == ObjKindNumbered || o.Kind == ObjKindSentinel {
		return ObjID(o.Num), true
	}
	return 0, false
}

var packedCounter uint32 // monotonic 16-bit counter, wrapped by caller

// NewPackedObj mints a fresh UUID-space or anonymous-space id: a 16-bit
// monotonic counter, 6 bits of randomness, and a 40-bit epoch-millis
// timestamp, packed into 62 bits. now is passed in rather
// than read from time.Now() so callers (task persistence replay, tests)
// can produce deterministic ids.
func NewPackedObj(anonymous bool, counter uint16, now time.Time) Obj {
	rnd := uint64(rand.Intn(1<<6)) & 0x3f
	ms := uint64(now.UnixMilli()) & ((1 << 40) - 1)
	packed := (uint64(counter) << 46) | (rnd << 40) | ms
	kind := ObjKindUUID
	if anonymous {
		kind = ObjKindAnonymous
	}
	return Obj{Kind: kind, Packed: packed}
}

// NextCounter returns process-wide monotonically increasing 16-bit
// counter values for use with NewPackedObj, wrapping at 2^16.
func NextCounter() uint16 {
	return uint16(atomicAddCounter() & 0xffff)
}

func atomicAddCounter() uint32 {
	packedCounter++
	return packedCounter
}

// NurseryObj mints a task-local nursery id. The store/world layer is
// responsible for making sure these never escape the originating task.
func NurseryObj(seq int64) Obj {
	return Obj{Kind: ObjKindNursery, Num: seq}
}

// UUID renders a UUID-space or anonymous-space Obj as a stable
// google/uuid value, useful as a map key / wire identifier independent of
// the packed bit layout.
func (o Obj) UUID() uuid.UUID {
	var u uuid.UUID
	if o.Kind != ObjKindUUID && o.Kind != ObjKindAnonymous {
		return u
	}
	var b [16]byte
	b[0] = byte(o.Packed >> 56)
	b[1] = byte(o.Packed >> 48)
	b[2] = byte(o.Packed >> 40)
	b[3] = byte(o.Packed >> 32)
	b[4] = byte(o.Packed >> 24)
	b[5] = byte(o.Packed >> 16)
	b[6] = byte(o.Packed >> 8)
	b[7] = byte(o.Packed)
	return uuid.UUID(b)
}

func (o Obj) IsAnonymous() bool {
	return o.Kind == ObjKindAnonymous
}

func (o Obj) IsNursery() bool {
	return o.Kind == ObjKindNursery
}

func (o Obj) String() string {
	switch o.Kind {
	case ObjKindNumbered:
		return fmt.Sprintf("#%d", o.Num)
	case ObjKindSentinel:
		return fmt.Sprintf("#%d", o.Num)
	case ObjKindUUID:
		return fmt.Sprintf("#uuid:%x", o.Packed)
	case ObjKindAnonymous:
		return fmt.Sprintf("#anon:%x", o.Packed)
	case ObjKindNursery:
		return fmt.Sprintf("#nursery:%d", o.Num)
	default:
		return "#?"
	}
}

// Less gives Obj a canonical total order: first by kind, then by Num for
// numbered, sentinel and nursery ids and by packed value for the rest —
// stable and total but not meaningful beyond comparison.
func (o Obj) Less(other Obj) bool {
	if o.Kind != other.Kind {
		return o.Kind < other.Kind
	}
	switch o.Kind {
	case ObjKindNumbered, ObjKindSentinel, ObjKindNursery:
		return o.Num < other.Num
	default:
		return o.Packed < other.Packed
	}
}

func (o Obj) Equal(other Obj) bool {
	return o.Kind == other.Kind && o.Num == other.Num && o.Packed == other.Packed
}
