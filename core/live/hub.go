package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"setu/core/store"
	"setu/core/utils"
)

type Topic string

const (
	TopicReports     Topic = "reports"
	TopicChat        Topic = "chat"
	TopicLeaderboard Topic = "leaderboard"
)

type Event struct {
	Topic  Topic  `json:"topic"`
	Key    string `json:"key,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Listener receives change signals for one topic. Signals coalesce: a
// listener that has not drained its channel sees one pending event.
type Listener struct {
	C     <-chan Event
	ch    chan Event
	hub   *Hub
	topic Topic
	once  sync.Once
}

func (l *Listener) Close() {
	l.once.Do(func() {
		l.hub.remove(l)
	})
}

// Hub fans change events out to in-process listeners and, when a redis client
// is attached, to every other instance through a pub/sub channel.
type Hub struct {
	mu     sync.Mutex
	subs   map[Topic]map[*Listener]struct{}
	closed bool

	origin  string
	rdb     *redis.Client
	channel string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *utils.Logger
}

func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		subs:   map[Topic]map[*Listener]struct{}{},
		origin: uuid.Must(uuid.NewV4()).String(),
		logger: logger,
	}
}

func (h *Hub) Listen(topic Topic) *Listener {
	ch := make(chan Event, 1)
	l := &Listener{C: ch, ch: ch, hub: h, topic: topic}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		l.once.Do(func() {})
		return l
	}
	if h.subs[topic] == nil {
		h.subs[topic] = map[*Listener]struct{}{}
	}
	h.subs[topic][l] = struct{}{}
	return l
}

func (h *Hub) remove(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[l.topic]; ok {
		if _, ok := set[l]; ok {
			delete(set, l)
			close(l.ch)
		}
	}
}

// Publish delivers ev locally and forwards it to redis when bridged.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.deliver(ev)
	h.mu.Lock()
	rdb, channel := h.rdb, h.channel
	h.mu.Unlock()
	if rdb == nil {
		return
	}
	ev.Origin = h.origin
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := rdb.Publish(ctx, channel, raw).Err(); err != nil {
		h.logger.Errorf("live: redis publish: %v", err)
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.subs[ev.Topic] {
		select {
		case l.ch <- ev:
		default:
		}
	}
}

// AttachRedis subscribes to channel and replays events published by other
// instances. It returns once the subscription is confirmed.
func (h *Hub) AttachRedis(ctx context.Context, rdb *redis.Client, channel string) error {
	if rdb == nil {
		return errors.New("live: nil redis client")
	}
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	bridgeCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.rdb = rdb
	h.channel = channel
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-bridgeCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Debugf("live: bad event payload: %v", err)
					continue
				}
				if ev.Origin == h.origin {
					continue
				}
				h.deliver(ev)
			}
		}
	}()
	h.logger.Printf("live: redis bridge on channel %s", channel)
	return nil
}

// Close stops the bridge and closes every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel := h.cancel
	for _, set := range h.subs {
		for l := range set {
			close(l.ch)
		}
	}
	h.subs = map[Topic]map[*Listener]struct{}{}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

func (h *Hub) ReportChanged(ctx context.Context, report *store.Report) {
	if report == nil {
		return
	}
	h.Publish(ctx, Event{Topic: TopicReports, Key: report.ID})
}

func (h *Hub) PointsChanged(ctx context.Context, userIDs ...string) {
	key := ""
	if len(userIDs) == 1 {
		key = userIDs[0]
	}
	h.Publish(ctx, Event{Topic: TopicLeaderboard, Key: key})
}
