// This package defines the group transport channel: a communication group whose
// membership exists independently of any cryptographic session built on top of it.
// It provides the validated control variant describing membership changes, the
// contract implemented by concrete transports, and the membership bookkeeping
// applied as control facts arrive.
package channel

import (
	"context"

	"github.com/meow-io/go-palaver/ids"
	"github.com/meow-io/go-palaver/set"
)

// Action is the outbound direction of a channel: either an opaque raw payload
// destined for specific recipients or a Control intent.
type Action interface {
	isAction()
}

// RawSend carries an opaque payload to specific recipients. An empty To means
// every current member except the sender. Delivery is best effort: a recipient
// may have left the channel before the authority processes the send.
type RawSend struct {
	To   []ids.Member
	Body []byte
}

func (RawSend) isAction() {}

// Notice is the inbound direction of a channel: either an opaque raw payload
// or a Control fact describing a membership change which already happened.
type Notice interface {
	isNotice()
}

type RawReceive struct {
	From ids.Member
	Body []byte
}

func (RawReceive) isNotice() {}

// Channel is the group transport contract. Implementations never silently drop
// a control notice, and update the membership reported by CurMembers before a
// notice is exposed to the consumer. Arbitration of concurrent conflicting
// intents belongs to the external authority behind the implementation: the
// first intent it receives wins.
type Channel interface {
	// CurMembers reports the current membership. ok is false when the local
	// participant is not in the channel; when ok is true the set is never empty.
	CurMembers() (members set.Set[ids.Member], ok bool)
	// Send submits an action to the authority. There is no cancellation handle
	// once submitted; the outcome is observed only through a later notice.
	Send(ctx context.Context, a Action) error
	// Notices yields raw receipts and control facts in the order the authority
	// resolved them.
	Notices() <-chan Notice
}
