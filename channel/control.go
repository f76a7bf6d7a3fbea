package channel

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-palaver/ids"
	"github.com/meow-io/go-palaver/set"
)

// Malformed control requests are programming errors in the caller, not
// transient conditions. A request rejected here must not be submitted.
var (
	ErrContradictoryIntent = errors.New("channel: contradictory intent")
	ErrEmptyDelta          = errors.New("channel: empty delta")
	ErrOverlappingDelta    = errors.New("channel: overlapping delta")
)

type ControlKind uint8

const (
	// The local participant enters the channel.
	SelfEnter ControlKind = iota
	// The local participant leaves the channel.
	SelfLeave
	// Other participants enter and leave the channel.
	MembershipDelta
)

func (k ControlKind) String() string {
	switch k {
	case SelfEnter:
		return "self-enter"
	case SelfLeave:
		return "self-leave"
	case MembershipDelta:
		return "membership-delta"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Control is a validated, canonicalized description of a membership change. It
// is consumed both as an outbound intent and as an inbound fact. Construct it
// with CheckControl; a Control obtained any other way carries no validity
// guarantee. Enter and Leave are populated only for MembershipDelta, where they
// are disjoint and not both empty.
type Control struct {
	Kind  ControlKind
	Enter set.Set[ids.Member]
	Leave set.Set[ids.Member]
}

func (Control) isAction() {}
func (Control) isNotice() {}

func (c Control) String() string {
	if c.Kind == MembershipDelta {
		return fmt.Sprintf("%s enter=%s leave=%s", c.Kind, c.Enter, c.Leave)
	}
	return c.Kind.String()
}

// ControlRequest is the loosely-typed form accepted by CheckControl. EnterSelf
// and LeaveSelf signal the local participant entering or leaving; Enter and
// Leave list other participants. A nil member list counts as absent, a non-nil
// empty list as present but empty.
type ControlRequest struct {
	EnterSelf bool
	LeaveSelf bool
	Enter     []ids.Member
	Leave     []ids.Member
}

// CheckControl is the single gate through which every membership-change intent
// and fact must pass. It validates a request and returns its canonical form.
func CheckControl(r ControlRequest) (Control, error) {
	switch {
	case r.EnterSelf:
		if r.LeaveSelf || r.Leave != nil {
			return Control{}, fmt.Errorf("%w: enter-self combined with leave", ErrContradictoryIntent)
		}
		return Control{Kind: SelfEnter}, nil
	case r.LeaveSelf:
		if r.Enter != nil {
			return Control{}, fmt.Errorf("%w: leave-self combined with enter", ErrContradictoryIntent)
		}
		return Control{Kind: SelfLeave}, nil
	default:
		enter := set.From(r.Enter)
		leave := set.From(r.Leave)
		if enter.Empty() && leave.Empty() {
			return Control{}, fmt.Errorf("%w: no members entering or leaving", ErrEmptyDelta)
		}
		if both := enter.Intersect(leave); !both.Empty() {
			return Control{}, fmt.Errorf("%w: %s both entering and leaving", ErrOverlappingDelta, both)
		}
		return Control{Kind: MembershipDelta, Enter: enter, Leave: leave}, nil
	}
}
