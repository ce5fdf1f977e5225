package gossip

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/pkg/kv"
)

var (
	ErrJoinFailed   = errors.New("gossip: join handshake failed")
	ErrLeaveTimeout = errors.New("gossip: leave not disseminated before deadline")
)

const (
	DefaultPingPeriod      = 500 * time.Millisecond
	DefaultSuspectTimeout  = 2 * time.Second
	DefaultChangeRetention = 5 * time.Second
	DefaultChangeCapacity  = 1024
	DefaultLeaveRounds     = 3
	DefaultJoinTimeout     = time.Second
	DefaultJoinAttempts    = 5

	receivedQueueSize = 4096
)

// Config holds the protocol timing and collaborators for a Member. Zero
// values are replaced by the defaults above.
type Config struct {
	Self Id
	// Introducer is the bootstrap contact. Nil means this member is the
	// introducer and starts as the only entry in its table.
	Introducer *Id

	PingPeriod     time.Duration
	SuspectTimeout time.Duration
	// Fanout is the number of peers probed per round; 0 probes every peer.
	Fanout int

	ChangeRetention time.Duration
	ChangeCapacity  int

	// LeaveRounds is how many ACKs must arrive after a voluntary leave
	// before the member stops.
	LeaveRounds  int
	LeaveTimeout time.Duration

	JoinTimeout  time.Duration
	JoinAttempts int

	Logger *zap.Logger
	// Crash is invoked on a CRASH message. It must not return in production.
	Crash func()
	Now   func() time.Time
}

func (c *Config) setDefaults() {
	if c.PingPeriod <= 0 {
		c.PingPeriod = DefaultPingPeriod
	}
	if c.SuspectTimeout <= 0 {
		c.SuspectTimeout = DefaultSuspectTimeout
	}
	if c.Fanout < 0 {
		c.Fanout = 0
	}
	if c.ChangeRetention <= 0 {
		c.ChangeRetention = DefaultChangeRetention
	}
	if c.ChangeCapacity <= 0 {
		c.ChangeCapacity = DefaultChangeCapacity
	}
	if c.LeaveRounds <= 0 {
		c.LeaveRounds = DefaultLeaveRounds
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = 10 * c.PingPeriod
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Crash == nil {
		c.Crash = func() { os.Exit(1) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Member is one process in the group: its membership view, the merge rules
// applied to inbound gossip, the prober and the join/leave coordinator.
type Member struct {
	cfg  Config
	self Id
	log  *zap.Logger
	tr   Transport
	now  func() time.Time

	members  *MembershipTable
	changes  *kv.Cache[Id, Status]
	suspects *SuspectTable
	received chan Id

	// transition serializes read-check-write sequences on the tables. It is
	// never held across a send.
	transition sync.Mutex

	stopping  atomic.Bool
	countdown atomic.Int32

	leaving   chan struct{}
	leaveOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	joined    chan struct{}
	joinOnce  sync.Once

	// probed is the previous round's targets, owned by the Run goroutine.
	probed []Id

	obsMu     sync.RWMutex
	observers []func(Event)
}

func New(cfg Config, tr Transport) (*Member, error) {
	if cfg.Self.Host == "" || cfg.Self.Port <= 0 {
		return nil, errors.New("gossip: config needs a self id with a port")
	}
	if tr == nil {
		return nil, errors.New("gossip: nil transport")
	}
	cfg.setDefaults()

	m := &Member{
		cfg:      cfg,
		self:     cfg.Self,
		log:      cfg.Logger.With(zap.Stringer("self", cfg.Self)),
		tr:       tr,
		now:      cfg.Now,
		members:  NewMembershipTable(),
		changes:  kv.NewCache[Id, Status](cfg.ChangeCapacity, cfg.ChangeRetention, kv.WithClock(cfg.Now)),
		suspects: NewSuspectTable(),
		received: make(chan Id, receivedQueueSize),
		leaving:  make(chan struct{}),
		done:     make(chan struct{}),
		joined:   make(chan struct{}),
	}
	m.countdown.Store(int32(cfg.LeaveRounds))
	if cfg.Introducer == nil {
		m.members.Put(m.self, StatusActive)
	}
	return m, nil
}

func (m *Member) Self() Id { return m.self }

// IsIntroducer reports whether this member bootstrapped the group itself.
func (m *Member) IsIntroducer() bool { return m.cfg.Introducer == nil }

// Stopping reports whether a voluntary leave is in progress.
func (m *Member) Stopping() bool { return m.stopping.Load() }

// Done is closed once a voluntary leave has been disseminated.
func (m *Member) Done() <-chan struct{} { return m.done }

// Joined is closed when the first JOIN_ACK has been applied.
func (m *Member) Joined() <-chan struct{} { return m.joined }

func (m *Member) Status(id Id) (Status, bool) { return m.members.Get(id) }

// Members returns the membership table sorted by Id.
func (m *Member) Members() []Entry { return m.members.Entries() }

// Suspects returns when each suspected member was first suspected.
func (m *Member) Suspects() map[Id]time.Time { return m.suspects.Snapshot() }

// Changes returns the live change table sorted by Id, as piggybacked on ACKs.
func (m *Member) Changes() []Entry { return entriesOf(m.changes.Snapshot()) }

// PendingChanges is how many changes are still being piggybacked.
func (m *Member) PendingChanges() int { return m.changes.Len() }

// Counts returns how many members are active and suspected.
func (m *Member) Counts() (active, suspected int) {
	for _, st := range m.members.Snapshot() {
		switch st {
		case StatusActive:
			active++
		case StatusSuspected:
			suspected++
		}
	}
	return active, suspected
}
