// This package provides a high-level interface for hosting group transport
// channels in process. It owns the configuration, the encrypted database and
// the relay authority, and hands out bound channels.
package palaver

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-palaver/channel"
	"github.com/meow-io/go-palaver/clock"
	"github.com/meow-io/go-palaver/config"
	"github.com/meow-io/go-palaver/ids"
	db "github.com/meow-io/go-palaver/internal/db"
	"github.com/meow-io/go-palaver/set"
	"github.com/meow-io/go-palaver/transport/relay"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

type Palaver struct {
	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock
	db     *db.Database
	relay  *relay.Relay
	lock   sync.Mutex
	state  int
}

func NewPalaver(c *config.Config) (*Palaver, error) {
	log := c.Logger("palaver")
	d, err := db.NewDatabase(c, filepath.Join(c.RootDir, "palaver.db"))
	if err != nil {
		return nil, err
	}
	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Palaver{
		config: c,
		log:    log,
		clock:  clock.NewSystemClock(),
		db:     d,
		state:  state,
	}, nil
}

func (p *Palaver) State() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// Initialize sets up a new database with the given 32-byte key.
func (p *Palaver) Initialize(key []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != StateNew {
		return fmt.Errorf("palaver: wrong state, expected %d got %d", StateNew, p.state)
	}
	if err := p.db.Initialize(key); err != nil {
		return err
	}
	p.state = StateInitialized
	return nil
}

// Open opens the database and starts the relay authority.
func (p *Palaver) Open(key []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != StateInitialized {
		return fmt.Errorf("palaver: wrong state, expected %d got %d", StateInitialized, p.state)
	}
	if err := p.db.Open(key); err != nil {
		return err
	}
	r, err := relay.NewRelay(p.config, p.db, p.clock)
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	p.relay = r
	p.state = StateRunning
	p.log.Infof("running")
	return nil
}

// Bind attaches a member to a named channel and returns its channel handle.
func (p *Palaver) Bind(name string, member ids.Member) (channel.Channel, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != StateRunning {
		return nil, fmt.Errorf("palaver: wrong state, expected %d got %d", StateRunning, p.state)
	}
	return p.relay.Bind(name, member)
}

// Members reports the authoritative membership of a named channel.
func (p *Palaver) Members(name string) set.Set[ids.Member] {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != StateRunning {
		return set.Set[ids.Member]{}
	}
	return p.relay.Members(name)
}

func (p *Palaver) Shutdown() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state != StateRunning {
		return nil
	}
	if err := p.relay.Shutdown(); err != nil {
		return err
	}
	if err := p.db.Shutdown(); err != nil {
		return err
	}
	p.state = StateClosed
	p.log.Infof("closed")
	return nil
}
