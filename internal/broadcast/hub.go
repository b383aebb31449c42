package broadcast

import (
	"context"
	"sort"
)

type membership struct {
	group string
	sub   Subscriber
	reply chan int
}

type delivery struct {
	group   string
	payload []byte
}

// Hub is the in-process fabric. A single goroutine (Run) owns the group
// table, so join, leave and publish are applied in the order received.
// It only reaches subscribers of this process.
type Hub struct {
	groups map[string]map[Subscriber]struct{}

	// Join requests from sessions.
	join chan membership

	// Leave requests from sessions.
	leave chan membership

	// Payloads to fan out.
	publish chan delivery

	// Read-only inspection of the group table.
	inspect chan func(map[string]map[Subscriber]struct{})

	stopped chan struct{}
}

var (
	_ Fabric  = (*Hub)(nil)
	_ Counter = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{
		groups:  make(map[string]map[Subscriber]struct{}),
		join:    make(chan membership),
		leave:   make(chan membership),
		publish: make(chan delivery),
		inspect: make(chan func(map[string]map[Subscriber]struct{})),
		stopped: make(chan struct{}),
	}
}

// Run processes requests until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.join:
			members, ok := h.groups[m.group]
			if !ok {
				members = make(map[Subscriber]struct{})
				h.groups[m.group] = members
			}
			members[m.sub] = struct{}{}
			m.reply <- len(members)
		case m := <-h.leave:
			members := h.groups[m.group]
			delete(members, m.sub)
			if len(members) == 0 {
				delete(h.groups, m.group)
			}
			m.reply <- len(members)
		case d := <-h.publish:
			for sub := range h.groups[d.group] {
				sub.Deliver(d.payload)
			}
		case fn := <-h.inspect:
			fn(h.groups)
		}
	}
}

func (h *Hub) Join(ctx context.Context, group string, sub Subscriber) error {
	_, err := h.apply(ctx, h.join, group, sub)
	return err
}

func (h *Hub) Leave(ctx context.Context, group string, sub Subscriber) error {
	_, err := h.apply(ctx, h.leave, group, sub)
	return err
}

// apply sends a membership change and returns the group size afterwards.
func (h *Hub) apply(ctx context.Context, ch chan membership, group string, sub Subscriber) (int, error) {
	if group == "" {
		return 0, ErrInvalidGroup
	}
	m := membership{group: group, sub: sub, reply: make(chan int, 1)}
	select {
	case ch <- m:
	case <-h.stopped:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-m.reply, nil
}

// Publish hands payload to every current member of group. Members that join
// after Publish returns never see it.
func (h *Hub) Publish(ctx context.Context, group string, payload []byte) error {
	select {
	case h.publish <- delivery{group: group, payload: payload}:
		return nil
	case <-h.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GroupsOf lists the groups sub currently belongs to, sorted.
func (h *Hub) GroupsOf(ctx context.Context, sub Subscriber) ([]string, error) {
	result := make(chan []string, 1)
	fn := func(groups map[string]map[Subscriber]struct{}) {
		var names []string
		for name, members := range groups {
			if _, ok := members[sub]; ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		result <- names
	}
	select {
	case h.inspect <- fn:
	case <-h.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-result, nil
}

// Members counts the local subscribers of group.
func (h *Hub) Members(ctx context.Context, group string) (int, error) {
	result := make(chan int, 1)
	fn := func(groups map[string]map[Subscriber]struct{}) {
		result <- len(groups[group])
	}
	select {
	case h.inspect <- fn:
	case <-h.stopped:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-result, nil
}
