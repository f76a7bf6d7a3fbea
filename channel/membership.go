package channel

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-palaver/ids"
	"github.com/meow-io/go-palaver/set"
)

// Misordered facts surface as these errors. They indicate a defect in the
// authority delivering notices, not in the local caller.
var (
	ErrNotJoined     = errors.New("channel: not joined")
	ErrAlreadyJoined = errors.New("channel: already joined")
	ErrEmptyChannel  = errors.New("channel: membership cannot become empty")
)

// Membership tracks the current membership of a channel for one participant.
// It is not safe for concurrent use; the owner must apply control facts one at
// a time, in the order the authority resolved them.
type Membership struct {
	self    ids.Member
	members set.Set[ids.Member]
	joined  bool
}

func NewMembership(self ids.Member) *Membership {
	return &Membership{self: self}
}

func (m *Membership) Self() ids.Member {
	return m.self
}

// Current reports the membership. ok is false when not joined; when ok is true
// the set contains at least the local participant.
func (m *Membership) Current() (members set.Set[ids.Member], ok bool) {
	return m.members, m.joined
}

// Apply applies a resolved control fact, returning the members added and
// removed relative to the previous state. On error the state is unchanged.
func (m *Membership) Apply(c Control) (added, removed set.Set[ids.Member], err error) {
	switch c.Kind {
	case SelfEnter:
		if m.joined {
			return added, removed, fmt.Errorf("%w: applying %s", ErrAlreadyJoined, c.Kind)
		}
		m.members = set.Of(m.self)
		m.joined = true
		return m.members, removed, nil
	case SelfLeave:
		if !m.joined {
			return added, removed, fmt.Errorf("%w: applying %s", ErrNotJoined, c.Kind)
		}
		removed = m.members
		m.members = set.Set[ids.Member]{}
		m.joined = false
		return added, removed, nil
	case MembershipDelta:
		if !m.joined {
			return added, removed, fmt.Errorf("%w: applying %s", ErrNotJoined, c.Kind)
		}
		next := m.members.Union(c.Enter).Subtract(c.Leave)
		if next.Empty() {
			return added, removed, fmt.Errorf("%w: applying %s", ErrEmptyChannel, c)
		}
		added, removed = m.members.Changed(next)
		m.members = next
		return added, removed, nil
	default:
		return added, removed, fmt.Errorf("channel: unknown control kind %d", c.Kind)
	}
}
