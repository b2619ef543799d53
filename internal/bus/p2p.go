package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
)

// AnnounceTopic carries topic advertisements. Every publisher
// periodically announces the topics it serves so that bridges can
// discover them without a central registry.
const AnnounceTopic = "/bridge/v1/announce"

// DataTopicPrefix prefixes all record-carrying gossipsub topics.
const DataTopicPrefix = "/bridge/v1/data"

// announceTTL is how long an advertisement stays in the listing after
// the last announce from any publisher.
const announceTTL = 90 * time.Second

// announcement is the JSON body published on AnnounceTopic.
type announcement struct {
	Topics []TopicInfo `json:"topics"`
}

// P2PConfig configures the gossipsub transport.
type P2PConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
}

// P2PTransport implements Transport over libp2p gossipsub. Topic
// listing is driven by the announce channel; data topics are joined
// on demand.
type P2PTransport struct {
	host   host.Host
	pubsub *pubsub.PubSub

	mu     sync.RWMutex
	seen   map[string]announced // topic name -> advertisement
	topics map[string]*pubsub.Topic
	subs   map[string]*p2pSub
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type announced struct {
	info     TopicInfo
	lastSeen time.Time
}

// NewP2PTransport constructs the libp2p host and gossipsub router and
// begins listening for topic announcements.
func NewP2PTransport(ctx context.Context, cfg P2PConfig) (*P2PTransport, error) {
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 256
	}
	cm, err := connmgr.NewConnManager(maxConns/2, maxConns, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	transportCtx, cancel := context.WithCancel(ctx)
	t := &P2PTransport{
		host:   h,
		pubsub: ps,
		seen:   make(map[string]announced),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*p2pSub),
		ctx:    transportCtx,
		cancel: cancel,
	}

	for _, addr := range cfg.Bootstrap {
		if err := t.connectBootstrap(ctx, addr); err != nil {
			log.Warnf("Bootstrap connect %s failed: %v", addr, err)
		}
	}

	if err := t.listenAnnouncements(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

func (t *P2PTransport) connectBootstrap(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("bootstrap address missing peer id: %w", err)
	}
	return t.host.Connect(ctx, *info)
}

// Host returns the underlying libp2p host.
func (t *P2PTransport) Host() host.Host { return t.host }

// listenAnnouncements joins the announce topic and records every
// advertisement with its arrival time.
func (t *P2PTransport) listenAnnouncements() error {
	topic, err := t.pubsub.Join(AnnounceTopic)
	if err != nil {
		return fmt.Errorf("failed to join announce topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to announce topic: %w", err)
	}
	t.topics[AnnounceTopic] = topic

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := sub.Next(t.ctx)
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				log.Warnf("Announce receive error: %v", err)
				continue
			}
			var ann announcement
			if err := json.Unmarshal(msg.Data, &ann); err != nil {
				log.Debugf("Malformed announcement from %s: %v", msg.ReceivedFrom, err)
				continue
			}
			now := time.Now()
			t.mu.Lock()
			for _, info := range ann.Topics {
				if info.Name == "" {
					continue
				}
				t.seen[info.Name] = announced{info: info, lastSeen: now}
			}
			t.mu.Unlock()
		}
	}()

	return nil
}

// Announce advertises locally published topics. Publisher nodes call
// this periodically; a pure consumer bridge never needs to.
func (t *P2PTransport) Announce(ctx context.Context, topics []TopicInfo) error {
	t.mu.RLock()
	topic := t.topics[AnnounceTopic]
	t.mu.RUnlock()
	if topic == nil {
		return ErrTransportDown
	}

	data, err := json.Marshal(announcement{Topics: topics})
	if err != nil {
		return err
	}
	return topic.Publish(ctx, data)
}

// DataTopic maps a bus topic name to its gossipsub topic.
func DataTopic(name string) string {
	return DataTopicPrefix + name
}

// ListTopics implements Transport. It returns every topic announced
// within the TTL window.
func (t *P2PTransport) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportDown
	}

	cutoff := time.Now().Add(-announceTTL)
	infos := make([]TopicInfo, 0, len(t.seen))
	for name, ann := range t.seen {
		if ann.lastSeen.Before(cutoff) {
			delete(t.seen, name)
			continue
		}
		infos = append(infos, ann.info)
	}
	return infos, nil
}

type p2pSub struct {
	transport *P2PTransport
	topic     string
	sub       *pubsub.Subscription
	cancel    context.CancelFunc
}

func (s *p2pSub) Topic() string { return s.topic }

func (s *p2pSub) Cancel() error {
	s.cancel()
	s.sub.Cancel()

	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	if current, ok := s.transport.subs[s.topic]; ok && current == s {
		delete(s.transport.subs, s.topic)
	}
	var closeErr error
	if topic, ok := s.transport.topics[DataTopic(s.topic)]; ok {
		closeErr = topic.Close()
		delete(s.transport.topics, DataTopic(s.topic))
	}
	return closeErr
}

// Subscribe implements Transport. Messages are enveloped (see
// EncodeEnvelope); frames that do not parse are dropped with a debug
// log rather than failing the subscription.
func (t *P2PTransport) Subscribe(ctx context.Context, name string, handler Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportDown
	}
	if _, ok := t.subs[name]; ok {
		return nil, ErrSubscribed
	}

	topic, err := t.pubsub.Join(DataTopic(name))
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	subCtx, cancel := context.WithCancel(t.ctx)
	p := &p2pSub{transport: t, topic: name, sub: sub, cancel: cancel}
	t.topics[DataTopic(name)] = topic
	t.subs[name] = p

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			schemaID, capturedAt, payload, err := DecodeEnvelope(msg.Data)
			if err != nil {
				log.Debugf("Dropping malformed frame on %s from %s: %v", name, msg.ReceivedFrom, err)
				continue
			}
			handler(name, payload, schemaID, capturedAt)
		}
	}()

	return p, nil
}

// Publish frames and publishes a record on a data topic. Used by
// publisher-mode nodes and the loopback path in development.
func (t *P2PTransport) Publish(ctx context.Context, name string, payload []byte, schemaID string, capturedAt time.Time) error {
	t.mu.Lock()
	topic, ok := t.topics[DataTopic(name)]
	if !ok {
		var err error
		topic, err = t.pubsub.Join(DataTopic(name))
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("failed to join topic %s: %w", name, err)
		}
		t.topics[DataTopic(name)] = topic
	}
	t.mu.Unlock()

	frame, err := EncodeEnvelope(schemaID, capturedAt, payload)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, frame)
}

// Close implements Transport.
func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*p2pSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	t.cancel()
	for _, s := range subs {
		s.sub.Cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	for _, topic := range t.topics {
		topic.Close()
	}
	t.topics = make(map[string]*pubsub.Topic)
	t.subs = make(map[string]*p2pSub)
	t.mu.Unlock()

	return t.host.Close()
}
