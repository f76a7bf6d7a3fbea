// This package provides an in-process channel authority. It resolves membership
// intents strictly in arrival order, persists every resolved event, and delivers
// notices to bound members in resolution order. It stands in for the server-side
// arbiter a networked deployment would provide; its arbitration policy is that
// the first intent it receives wins.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-palaver/channel"
	"github.com/meow-io/go-palaver/clock"
	"github.com/meow-io/go-palaver/config"
	"github.com/meow-io/go-palaver/ids"
	db "github.com/meow-io/go-palaver/internal/db"
	"github.com/meow-io/go-palaver/migration"
	"github.com/meow-io/go-palaver/set"
	"go.uber.org/zap"
)

const (
	eventEnter = 0
	eventLeave = 1
)

type eventRow struct {
	ID      []byte `db:"id"`
	Channel string `db:"channel"`
	Seq     uint64 `db:"seq"`
	Kind    int    `db:"kind"`
	Member  string `db:"member"`
	TsMicro uint64 `db:"ts_micro"`
}

type submission struct {
	hosted *hosted
	from   ids.Member
	action channel.Action
}

type hosted struct {
	name    string
	seq     uint64
	members set.Set[ids.Member]
	clients map[ids.Member]*Client
}

type Relay struct {
	config      *config.Config
	db          *db.Database
	clock       clock.Clock
	log         *zap.SugaredLogger
	submissions chan *submission
	cancelFunc  context.CancelFunc
	finished    sync.WaitGroup
	lock        sync.Mutex
	channels    map[string]*hosted
}

func NewRelay(c *config.Config, d *db.Database, cl clock.Clock) (*Relay, error) {
	log := c.Logger("transport/relay")

	if err := d.MigrateNoLock("_relay", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _relay_events (
		id BLOB PRIMARY KEY,
		channel STRING NOT NULL,
		seq INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		member STRING NOT NULL,
		ts_micro INTEGER NOT NULL
	);
	CREATE INDEX _relay_events_channel_seq ON _relay_events (channel, seq);
						`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	r := &Relay{
		config:      c,
		db:          d,
		clock:       cl,
		log:         log,
		submissions: make(chan *submission, c.SubmitBufferSize),
		channels:    make(map[string]*hosted),
	}
	return r, nil
}

func (r *Relay) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc

	if err := r.db.Run("replay relay events", func() error {
		var rows []*eventRow
		if err := r.db.Tx.Select(&rows, "SELECT * FROM _relay_events ORDER BY channel, seq"); err != nil {
			return fmt.Errorf("relay: error selecting events: %w", err)
		}
		for _, row := range rows {
			h := r.hosted(row.Channel)
			switch row.Kind {
			case eventEnter:
				h.members = h.members.Union(set.Of(ids.Member(row.Member)))
			case eventLeave:
				h.members = h.members.Subtract(set.Of(ids.Member(row.Member)))
			}
			if row.Seq > h.seq {
				h.seq = row.Seq
			}
		}
		return nil
	}); err != nil {
		return err
	}

	r.startResolver(ctx)
	return nil
}

func (r *Relay) Shutdown() error {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.finished.Wait()
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	for _, h := range r.channels {
		for _, cl := range h.clients {
			close(cl.notices)
		}
		h.clients = make(map[ids.Member]*Client)
	}
	return nil
}

// Bind attaches a member to a named channel and returns its channel handle.
// Binding does not enter the channel; submit a self-enter intent for that. A
// member the authority already resolved into the channel observes that fact
// immediately at bind time.
func (r *Relay) Bind(name string, member ids.Member) (*Client, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	h := r.hosted(name)
	if _, ok := h.clients[member]; ok {
		return nil, fmt.Errorf("relay: %s is already bound to channel %s", member, name)
	}
	cl := &Client{
		relay:      r,
		hosted:     h,
		membership: channel.NewMembership(member),
		notices:    make(chan channel.Notice, r.config.NoticeBufferSize),
	}
	h.clients[member] = cl
	if h.members.Contains(member) {
		r.enterNotices(h, cl)
	}
	return cl, nil
}

// Members reports the authoritative membership of a named channel, independent
// of any bound client's view.
func (r *Relay) Members(name string) set.Set[ids.Member] {
	r.lock.Lock()
	defer r.lock.Unlock()
	h, ok := r.channels[name]
	if !ok {
		return set.Set[ids.Member]{}
	}
	return h.members
}

// hosted returns the named channel, creating it if needed. Callers hold r.lock.
func (r *Relay) hosted(name string) *hosted {
	h, ok := r.channels[name]
	if !ok {
		h = &hosted{name: name, clients: make(map[ids.Member]*Client)}
		r.channels[name] = h
	}
	return h
}

func (r *Relay) startResolver(ctx context.Context) {
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sub := <-r.submissions:
				r.resolve(sub)
			}
		}
	}()
}

func (r *Relay) resolve(sub *submission) {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch a := sub.action.(type) {
	case channel.Control:
		r.resolveControl(sub.hosted, sub.from, a)
	case channel.RawSend:
		r.resolveRaw(sub.hosted, sub.from, a)
	default:
		r.log.Warnf("ignoring unknown action %T", sub.action)
	}
}

func (r *Relay) resolveControl(h *hosted, from ids.Member, c channel.Control) {
	var enter, leave set.Set[ids.Member]
	switch c.Kind {
	case channel.SelfEnter:
		enter = set.Of(from)
	case channel.SelfLeave:
		leave = set.Of(from)
	case channel.MembershipDelta:
		enter, leave = c.Enter, c.Leave
	}

	// whatever an earlier intent already resolved no longer applies
	enter = enter.Subtract(h.members)
	leave = leave.Intersect(h.members)
	if enter.Empty() && leave.Empty() {
		r.log.Debugf("channel %s: intent '%s' from %s resolved to nothing", h.name, c, from)
		return
	}

	h.seq++
	if err := r.record(h, enter, leave); err != nil {
		r.log.Errorf("channel %s: not applying seq %d: %v", h.name, h.seq, err)
		return
	}
	prev := h.members
	h.members = h.members.Union(enter).Subtract(leave)
	r.log.Debugf("channel %s: seq %d enter=%s leave=%s members=%s", h.name, h.seq, enter, leave, h.members)
	r.broadcast(h, prev, enter, leave)
}

func (r *Relay) record(h *hosted, enter, leave set.Set[ids.Member]) error {
	return r.db.Run("record relay event", func() error {
		insert := func(kind int, m ids.Member) error {
			u := uuid.New()
			_, err := r.db.Tx.Exec(
				"INSERT INTO _relay_events (id, channel, seq, kind, member, ts_micro) VALUES ($1, $2, $3, $4, $5, $6)",
				u[:], h.name, h.seq, kind, string(m), r.clock.CurrentTimeMicro())
			return err
		}
		for _, m := range enter.Slice() {
			if err := insert(eventEnter, m); err != nil {
				return fmt.Errorf("relay: error inserting enter event: %w", err)
			}
		}
		for _, m := range leave.Slice() {
			if err := insert(eventLeave, m); err != nil {
				return fmt.Errorf("relay: error inserting leave event: %w", err)
			}
		}
		return nil
	})
}

// broadcast translates a resolved event for each bound client: an event about
// yourself arrives as a self-enter or self-leave, an event about others as a
// membership delta. Clients outside the channel observe nothing.
func (r *Relay) broadcast(h *hosted, prev, enter, leave set.Set[ids.Member]) {
	bound := make([]ids.Member, 0, len(h.clients))
	for m := range h.clients {
		bound = append(bound, m)
	}
	sort.Sort(ids.ByLexicographical(bound))

	for _, m := range bound {
		cl := h.clients[m]
		switch {
		case enter.Contains(m):
			r.enterNotices(h, cl)
		case leave.Contains(m):
			r.deliverFact(cl, channel.ControlRequest{LeaveSelf: true})
		case prev.Contains(m):
			req := channel.ControlRequest{}
			if others := enter.Subtract(set.Of(m)); !others.Empty() {
				req.Enter = others.Slice()
			}
			if others := leave.Subtract(set.Of(m)); !others.Empty() {
				req.Leave = others.Slice()
			}
			if req.Enter == nil && req.Leave == nil {
				continue
			}
			r.deliverFact(cl, req)
		}
	}
}

// enterNotices delivers the facts a member observes on entering: its own
// self-enter, then a delta for the members already present.
func (r *Relay) enterNotices(h *hosted, cl *Client) {
	r.deliverFact(cl, channel.ControlRequest{EnterSelf: true})
	others := h.members.Subtract(set.Of(cl.membership.Self()))
	if !others.Empty() {
		r.deliverFact(cl, channel.ControlRequest{Enter: others.Slice()})
	}
}

func (r *Relay) deliverFact(cl *Client, req channel.ControlRequest) {
	fact, err := channel.CheckControl(req)
	if err != nil {
		r.log.Errorf("error canonicalizing fact for %s: %v", cl.membership.Self(), err)
		return
	}
	cl.applyControl(fact)
}

func (r *Relay) resolveRaw(h *hosted, from ids.Member, a channel.RawSend) {
	if !h.members.Contains(from) {
		r.log.Debugf("channel %s: dropping raw send from non-member %s", h.name, from)
		return
	}
	var tos []ids.Member
	if len(a.To) == 0 {
		tos = h.members.Subtract(set.Of(from)).Slice()
	} else {
		tos = append(tos, a.To...)
		sort.Sort(ids.ByLexicographical(tos))
	}
	for _, to := range tos {
		if !h.members.Contains(to) {
			// left before the authority processed the send
			continue
		}
		cl, ok := h.clients[to]
		if !ok {
			continue
		}
		cl.deliverRaw(channel.RawReceive{From: from, Body: a.Body})
	}
}

// Client is a channel bound to the relay for one member. It implements
// channel.Channel. Consumers must drain Notices; delivery blocks once the
// notice buffer fills.
type Client struct {
	relay      *Relay
	hosted     *hosted
	lock       sync.Mutex
	membership *channel.Membership
	notices    chan channel.Notice
}

var _ channel.Channel = (*Client)(nil)

func (c *Client) CurMembers() (set.Set[ids.Member], bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.membership.Current()
}

func (c *Client) Notices() <-chan channel.Notice {
	return c.notices
}

func (c *Client) Send(ctx context.Context, a channel.Action) error {
	sub := &submission{hosted: c.hosted, from: c.membership.Self(), action: a}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.relay.config.SubmitTimeoutMs)*time.Millisecond)
	defer cancel()
	select {
	case c.relay.submissions <- sub:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: submitting %T: %w", a, ctx.Err())
	}
}

func (c *Client) applyControl(fact channel.Control) {
	c.lock.Lock()
	_, _, err := c.membership.Apply(fact)
	c.lock.Unlock()
	if err != nil {
		c.relay.log.Warnf("misordered fact '%s' for %s: %v", fact, c.membership.Self(), err)
		return
	}
	c.notices <- fact
}

func (c *Client) deliverRaw(n channel.RawReceive) {
	c.notices <- n
}
