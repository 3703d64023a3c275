package mesh

import (
	"context"
	"sort"

	"github.com/gosuda/peerchat/internal/signal"
)

// Rendezvous registers this participant in a room and finds the others.
// Room membership is open: anyone who knows the room name can register.
type Rendezvous struct {
	broker signal.Broker
	room   string
	userID string
}

func NewRendezvous(broker signal.Broker, room, userID string) *Rendezvous {
	return &Rendezvous{broker: broker, room: room, userID: userID}
}

// Connect registers a freshly minted handle.
func (r *Rendezvous) Connect(ctx context.Context) (signal.Session, error) {
	return r.broker.Register(ctx, NewHandle(r.room, r.userID))
}

// Discover lists the other room members registered with the service.
func (r *Rendezvous) Discover(ctx context.Context, s signal.Session) ([]string, error) {
	all, err := s.Peers(ctx)
	if err != nil {
		return nil, err
	}
	self := s.Handle()
	out := make([]string, 0, len(all))
	for _, h := range all {
		if h != self && InRoom(h, r.room) {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out, nil
}
