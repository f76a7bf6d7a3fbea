package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-palaver/channel"
	"github.com/meow-io/go-palaver/clock"
	"github.com/meow-io/go-palaver/config"
	"github.com/meow-io/go-palaver/ids"
	"github.com/meow-io/go-palaver/internal/db"
	"github.com/meow-io/go-palaver/internal/test"
	"github.com/meow-io/go-palaver/set"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testRelay struct {
	relay *Relay
	db    *db.Database
}

func newTestRelay(t *testing.T, prefix string) *testRelay {
	t.Helper()
	c := config.NewConfig(config.WithLoggingPrefix(prefix))
	d := test.NewTestDatabase(c)
	r, err := NewRelay(c, d, clock.NewSystemClock())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	tr := &testRelay{r, d}
	t.Cleanup(func() {
		if err := tr.relay.Shutdown(); err != nil {
			t.Fatal(err)
		}
		if err := tr.db.Shutdown(); err != nil {
			t.Fatal(err)
		}
	})
	return tr
}

func nextNotice(t *testing.T, cl *Client) channel.Notice {
	t.Helper()
	select {
	case n := <-cl.Notices():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notice")
		return nil
	}
}

func nextControl(t *testing.T, cl *Client) channel.Control {
	t.Helper()
	n := nextNotice(t, cl)
	c, ok := n.(channel.Control)
	if !ok {
		t.Fatalf("expected a control notice, got %T", n)
	}
	return c
}

func send(t *testing.T, cl *Client, a channel.Action) {
	t.Helper()
	if err := cl.Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func sendControl(t *testing.T, cl *Client, req channel.ControlRequest) {
	t.Helper()
	c, err := channel.CheckControl(req)
	if err != nil {
		t.Fatal(err)
	}
	send(t, cl, c)
}

func TestEnterLeaveScenario(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "scenario")

	a, err := tr.relay.Bind("lobby", "a")
	require.NoError(err)
	b, err := tr.relay.Bind("lobby", "b")
	require.NoError(err)

	_, ok := a.CurMembers()
	require.False(ok)

	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	fact := nextControl(t, a)
	require.Equal(channel.SelfEnter, fact.Kind)
	members, ok := a.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a")))

	sendControl(t, b, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, b).Kind)
	fact = nextControl(t, b)
	require.Equal(channel.MembershipDelta, fact.Kind)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("a")))
	members, ok = b.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a", "b")))

	// a observes b entering
	fact = nextControl(t, a)
	require.Equal(channel.MembershipDelta, fact.Kind)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("b")))
	require.True(fact.Leave.Empty())

	sendControl(t, b, channel.ControlRequest{LeaveSelf: true})
	require.Equal(channel.SelfLeave, nextControl(t, b).Kind)
	_, ok = b.CurMembers()
	require.False(ok)

	fact = nextControl(t, a)
	require.Equal(channel.MembershipDelta, fact.Kind)
	require.True(fact.Leave.Equal(set.Of[ids.Member]("b")))
	members, ok = a.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a")))
}

func TestDeltaEnterAndKick(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "delta")

	a, err := tr.relay.Bind("room", "a")
	require.NoError(err)
	b, err := tr.relay.Bind("room", "b")
	require.NoError(err)
	c, err := tr.relay.Bind("room", "c")
	require.NoError(err)

	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, a).Kind)

	// a pulls b and c into the channel with one delta
	sendControl(t, a, channel.ControlRequest{Enter: []ids.Member{"b", "c"}})
	fact := nextControl(t, a)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("b", "c")))

	require.Equal(channel.SelfEnter, nextControl(t, b).Kind)
	fact = nextControl(t, b)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("a", "c")))
	require.Equal(channel.SelfEnter, nextControl(t, c).Kind)
	fact = nextControl(t, c)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("a", "b")))

	members, ok := b.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a", "b", "c")))

	// a kicks b
	sendControl(t, a, channel.ControlRequest{Leave: []ids.Member{"b"}})
	require.Equal(channel.SelfLeave, nextControl(t, b).Kind)
	_, ok = b.CurMembers()
	require.False(ok)
	fact = nextControl(t, a)
	require.True(fact.Leave.Equal(set.Of[ids.Member]("b")))
	fact = nextControl(t, c)
	require.True(fact.Leave.Equal(set.Of[ids.Member]("b")))
	members, ok = c.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a", "c")))
}

func TestStaleIntentResolvesToNothing(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "stale")

	a, err := tr.relay.Bind("room", "a")
	require.NoError(err)
	b, err := tr.relay.Bind("room", "b")
	require.NoError(err)

	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, a).Kind)

	// both a and b try to pull in b; the second intent resolves to nothing
	sendControl(t, a, channel.ControlRequest{Enter: []ids.Member{"b"}})
	sendControl(t, b, channel.ControlRequest{EnterSelf: true})

	require.Equal(channel.SelfEnter, nextControl(t, b).Kind)
	fact := nextControl(t, b)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("a")))

	// a sees exactly one delta for b
	fact = nextControl(t, a)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("b")))
	sendControl(t, a, channel.ControlRequest{LeaveSelf: true})
	require.Equal(channel.SelfLeave, nextControl(t, a).Kind)
}

func TestRawDelivery(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "raw")

	a, err := tr.relay.Bind("room", "a")
	require.NoError(err)
	b, err := tr.relay.Bind("room", "b")
	require.NoError(err)

	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, a).Kind)
	sendControl(t, b, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, b).Kind)
	nextControl(t, b)
	nextControl(t, a)

	send(t, a, channel.RawSend{To: []ids.Member{"b"}, Body: []byte("hello")})
	n := nextNotice(t, b)
	raw, ok := n.(channel.RawReceive)
	require.True(ok)
	require.Equal(ids.Member("a"), raw.From)
	require.Equal([]byte("hello"), raw.Body)

	// broadcast raw goes to everyone but the sender
	send(t, b, channel.RawSend{Body: []byte("hi all")})
	n = nextNotice(t, a)
	raw, ok = n.(channel.RawReceive)
	require.True(ok)
	require.Equal(ids.Member("b"), raw.From)
	require.Equal([]byte("hi all"), raw.Body)
}

func TestRawSkipsDepartedRecipient(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "rawskip")

	a, err := tr.relay.Bind("room", "a")
	require.NoError(err)
	b, err := tr.relay.Bind("room", "b")
	require.NoError(err)

	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, a).Kind)
	sendControl(t, b, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, b).Kind)
	nextControl(t, b)
	nextControl(t, a)

	// b's leave is received by the authority before a's send is processed
	sendControl(t, b, channel.ControlRequest{LeaveSelf: true})
	send(t, a, channel.RawSend{To: []ids.Member{"b"}, Body: []byte("too late")})
	require.Equal(channel.SelfLeave, nextControl(t, b).Kind)

	// a gets the leave delta and b never gets the raw payload
	fact := nextControl(t, a)
	require.True(fact.Leave.Equal(set.Of[ids.Member]("b")))
	select {
	case n := <-b.Notices():
		t.Fatalf("unexpected notice %#v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDoubleBindRejected(t *testing.T) {
	require := require.New(t)
	tr := newTestRelay(t, "doublebind")

	_, err := tr.relay.Bind("room", "a")
	require.NoError(err)
	_, err = tr.relay.Bind("room", "a")
	require.Error(err)
}

func TestReplayAfterRestart(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("replay"))
	d := test.NewTestDatabase(c)

	r, err := NewRelay(c, d, clock.NewSystemClock())
	require.NoError(err)
	require.NoError(r.Start())

	a, err := r.Bind("room", "a")
	require.NoError(err)
	sendControl(t, a, channel.ControlRequest{EnterSelf: true})
	require.Equal(channel.SelfEnter, nextControl(t, a).Kind)
	sendControl(t, a, channel.ControlRequest{Enter: []ids.Member{"b"}})
	nextControl(t, a)

	require.NoError(r.Shutdown())

	r2, err := NewRelay(c, d, clock.NewSystemClock())
	require.NoError(err)
	require.NoError(r2.Start())
	require.True(r2.Members("room").Equal(set.Of[ids.Member]("a", "b")))

	// a member already resolved into the channel observes the fact at bind
	a2, err := r2.Bind("room", "a")
	require.NoError(err)
	require.Equal(channel.SelfEnter, nextControl(t, a2).Kind)
	fact := nextControl(t, a2)
	require.True(fact.Enter.Equal(set.Of[ids.Member]("b")))
	members, ok := a2.CurMembers()
	require.True(ok)
	require.True(members.Equal(set.Of[ids.Member]("a", "b")))

	require.NoError(r2.Shutdown())
	require.NoError(d.Shutdown())
}
