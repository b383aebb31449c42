package broadcast

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// DefaultSubjectPrefix roots every group subject.
const DefaultSubjectPrefix = "chat.group"

// barrierHeader marks a control message that admits a pending local member.
// Payload messages never carry it.
const barrierHeader = "Chat-Join-Barrier"

// ErrJoinTimeout is returned when a join barrier does not come back in time.
var ErrJoinTimeout = errors.New("broadcast: join timed out")

// NATSFabric spreads groups across processes over core NATS. Each process
// keeps its local members in a Hub and holds one subscription per group that
// has at least one local member. Publishing goes through NATS only, local
// members receive their copy from the subscription like everyone else.
//
// Joining a group that already has a subscription publishes a barrier on the
// group subject and admits the new member from the subscription callback when
// the barrier comes back. NATS keeps per-connection order, so payloads
// published before the join are handed out before the member is added.
type NATSFabric struct {
	nc          *nats.Conn
	prefix      string
	local       *Hub
	logger      *slog.Logger
	joinTimeout time.Duration

	mu     sync.Mutex
	groups map[string]*groupState

	barrierMu sync.Mutex
	barriers  map[string]*barrier
}

// groupState serializes membership changes of one group.
type groupState struct {
	mu sync.Mutex

	// Goroutines holding or waiting for mu. Guarded by NATSFabric.mu.
	refs int

	sub *nats.Subscription
}

type barrier struct {
	group string
	sub   Subscriber
	done  chan error
}

var (
	_ Fabric  = (*NATSFabric)(nil)
	_ Counter = (*NATSFabric)(nil)
)

func NewNATSFabric(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSFabric {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSFabric{
		nc:          nc,
		prefix:      prefix,
		local:       NewHub(),
		logger:      logger,
		joinTimeout: 2 * time.Second,
		groups:      make(map[string]*groupState),
		barriers:    make(map[string]*barrier),
	}
}

// Run drives local delivery until ctx is cancelled, then drops all
// subscriptions.
func (f *NATSFabric) Run(ctx context.Context) {
	f.local.Run(ctx)

	f.mu.Lock()
	names := make([]string, 0, len(f.groups))
	for name := range f.groups {
		names = append(names, name)
	}
	f.mu.Unlock()

	for _, name := range names {
		g := f.lockGroup(name)
		if g.sub != nil {
			if err := g.sub.Unsubscribe(); err != nil {
				f.logger.Warn("nats unsubscribe failed", "group", name, "error", err)
			}
			g.sub = nil
		}
		f.unlockGroup(name, g)
	}
}

// subject encodes the group so arbitrary client-supplied names stay a
// single NATS token.
func (f *NATSFabric) subject(group string) string {
	return f.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(group))
}

func (f *NATSFabric) lockGroup(group string) *groupState {
	f.mu.Lock()
	g, ok := f.groups[group]
	if !ok {
		g = &groupState{}
		f.groups[group] = g
	}
	g.refs++
	f.mu.Unlock()

	g.mu.Lock()
	return g
}

func (f *NATSFabric) unlockGroup(group string, g *groupState) {
	f.mu.Lock()
	g.refs--
	if g.refs == 0 && g.sub == nil {
		delete(f.groups, group)
	}
	f.mu.Unlock()
	g.mu.Unlock()
}

func (f *NATSFabric) Join(ctx context.Context, group string, sub Subscriber) error {
	if group == "" {
		return ErrInvalidGroup
	}
	g := f.lockGroup(group)
	defer f.unlockGroup(group, g)

	if g.sub != nil {
		return f.joinBehindBarrier(ctx, group, sub)
	}

	// A fresh subscription has nothing in flight, so the member can be added
	// right away.
	if _, err := f.local.apply(ctx, f.local.join, group, sub); err != nil {
		return err
	}
	s, err := f.nc.Subscribe(f.subject(group), f.deliver(group))
	if err != nil {
		f.undoJoin(group, sub)
		return errors.Wrapf(err, "broadcast.NATSFabric.Join.Subscribe %s", group)
	}

	// The server must know about the interest before Join returns, or a
	// publish from another process could slip past it.
	if err := f.nc.FlushTimeout(f.joinTimeout); err != nil {
		if uerr := s.Unsubscribe(); uerr != nil {
			f.logger.Warn("nats unsubscribe failed", "group", group, "error", uerr)
		}
		f.undoJoin(group, sub)
		return errors.Wrap(err, "broadcast.NATSFabric.Join.Flush")
	}
	g.sub = s
	return nil
}

func (f *NATSFabric) undoJoin(group string, sub Subscriber) {
	if _, err := f.local.apply(context.Background(), f.local.leave, group, sub); err != nil && !errors.Is(err, ErrClosed) {
		f.logger.Warn("rolling back local join failed", "group", group, "error", err)
	}
}

func (f *NATSFabric) joinBehindBarrier(ctx context.Context, group string, sub Subscriber) error {
	id := uuid.NewString()
	b := &barrier{group: group, sub: sub, done: make(chan error, 1)}
	f.barrierMu.Lock()
	f.barriers[id] = b
	f.barrierMu.Unlock()

	msg := nats.NewMsg(f.subject(group))
	msg.Header.Set(barrierHeader, id)
	if err := f.nc.PublishMsg(msg); err != nil {
		f.dropBarrier(id)
		return errors.Wrapf(err, "broadcast.NATSFabric.Join.Barrier %s", group)
	}

	timer := time.NewTimer(f.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-b.done:
		return err
	case <-ctx.Done():
		if f.dropBarrier(id) {
			return ctx.Err()
		}
	case <-timer.C:
		if f.dropBarrier(id) {
			return errors.Wrapf(ErrJoinTimeout, "group %s", group)
		}
	}
	// The callback already claimed the barrier and is adding the member.
	return <-b.done
}

// dropBarrier withdraws a pending barrier. It reports false when the
// subscription callback got to it first.
func (f *NATSFabric) dropBarrier(id string) bool {
	f.barrierMu.Lock()
	defer f.barrierMu.Unlock()
	if _, ok := f.barriers[id]; !ok {
		return false
	}
	delete(f.barriers, id)
	return true
}

// deliver runs on the subscription's own goroutine, so payloads and barriers
// of one group are handled in arrival order.
func (f *NATSFabric) deliver(group string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if id := msg.Header.Get(barrierHeader); id != "" {
			f.admit(id)
			return
		}
		if err := f.local.Publish(context.Background(), group, msg.Data); err != nil && !errors.Is(err, ErrClosed) {
			f.logger.Warn("local delivery failed", "group", group, "error", err)
		}
	}
}

// admit adds the member waiting on barrier id. Barriers of other processes
// are ignored.
func (f *NATSFabric) admit(id string) {
	f.barrierMu.Lock()
	b, ok := f.barriers[id]
	delete(f.barriers, id)
	f.barrierMu.Unlock()
	if !ok {
		return
	}
	_, err := f.local.apply(context.Background(), f.local.join, b.group, b.sub)
	b.done <- err
}

func (f *NATSFabric) Leave(ctx context.Context, group string, sub Subscriber) error {
	if group == "" {
		return ErrInvalidGroup
	}
	g := f.lockGroup(group)
	defer f.unlockGroup(group, g)

	remaining, err := f.local.apply(ctx, f.local.leave, group, sub)
	if err != nil {
		return err
	}
	if remaining > 0 || g.sub == nil {
		return nil
	}
	s := g.sub
	g.sub = nil
	if err := s.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "broadcast.NATSFabric.Leave.Unsubscribe %s", group)
	}
	return nil
}

func (f *NATSFabric) Publish(ctx context.Context, group string, payload []byte) error {
	if group == "" {
		return ErrInvalidGroup
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(f.nc.Publish(f.subject(group), payload), "broadcast.NATSFabric.Publish %s", group)
}

// GroupsOf reports the local groups sub belongs to.
func (f *NATSFabric) GroupsOf(ctx context.Context, sub Subscriber) ([]string, error) {
	return f.local.GroupsOf(ctx, sub)
}

// Members counts the local subscribers of group.
func (f *NATSFabric) Members(ctx context.Context, group string) (int, error) {
	return f.local.Members(ctx, group)
}
