package collective

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250

	announceInterval = time.Second

	contribTopic = "%s/allreduce/%d"
	contribSub   = "%s/allreduce/+"
	helloTopic   = "%s/hello/%d"
	helloSub     = "%s/hello/+"
)

var (
	errPublishTimeout   = errors.New("failed to publish due to timeout reached")
	errSubscribeTimeout = errors.New("failed to subscribe due to timeout reached")
	errEmptyPrefix      = errors.New("empty topic prefix")
)

// MQTTOptions configures NewMQTT.
type MQTTOptions struct {
	Broker      string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
	Rank        int
	Size        int
	// Timeout bounds broker operations (connect, subscribe, publish).
	Timeout time.Duration
	Logger  *slog.Logger
}

// message is the wire form of one contribution. JSON cannot carry NaN or
// Inf, so a contribution holding one is sent zeroed with NonFinite set and
// the whole round result becomes NaN on every rank.
type message struct {
	Round     uint64    `json:"round"`
	Rank      int       `json:"rank"`
	Op        Op        `json:"op"`
	NonFinite bool      `json:"non_finite,omitempty"`
	Data      []float64 `json:"data"`
}

// hello announces a rank. Nonce identifies the announcing process and Heard
// lists the nonces the sender has heard.
type hello struct {
	Rank  int      `json:"rank"`
	Nonce string   `json:"nonce"`
	Heard []string `json:"heard,omitempty"`
}

type publisher interface {
	publish(topic string, retained bool, payload []byte) error
}

// MQTT is a communicator whose ranks exchange contributions through an MQTT
// broker. Each rank publishes to <prefix>/allreduce/<rank> and listens on
// <prefix>/allreduce/+, reducing a round once all ranks were heard from.
type MQTT struct {
	rank, size int
	prefix     string
	nonce      string
	pub        publisher
	client     mqtt.Client
	logger     *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*pendingRound
	hellos  map[int]string
	formed  bool
	helloCh chan struct{}
	closed  bool
}

type pendingRound struct {
	msgs  map[int]message
	ready chan struct{}
}

// NewMQTT connects to the broker and waits until every rank of the group is
// subscribed.
func NewMQTT(ctx context.Context, opts MQTTOptions) (*MQTT, error) {
	if opts.TopicPrefix == "" {
		return nil, errors.WithStack(errEmptyPrefix)
	}
	if opts.Size < 1 || opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, errors.NewValueError("NewMQTT", fmt.Sprintf("rank %d outside group of %d", opts.Rank, opts.Size))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = connTimeout * time.Second
	}

	c := newMQTT(opts.Rank, opts.Size, opts.TopicPrefix, opts.Logger)
	client, err := newClient(opts, c.logger)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.pub = &pahoPublisher{client: client, qos: opts.QoS, timeout: opts.Timeout}

	if err := c.subscribe(fmt.Sprintf(contribSub, c.prefix), opts.QoS, opts.Timeout, func(payload []byte, _ bool) {
		c.onContribution(payload)
	}); err != nil {
		client.Disconnect(disconnTimeout)
		return nil, err
	}
	if err := c.subscribe(fmt.Sprintf(helloSub, c.prefix), opts.QoS, opts.Timeout, c.onHello); err != nil {
		client.Disconnect(disconnTimeout)
		return nil, err
	}
	if err := c.rendezvous(ctx); err != nil {
		client.Disconnect(disconnTimeout)
		return nil, err
	}
	return c, nil
}

func newMQTT(rank, size int, prefix string, logger *slog.Logger) *MQTT {
	return &MQTT{
		rank:    rank,
		size:    size,
		prefix:  prefix,
		nonce:   uuid.NewString(),
		logger:  logger,
		pending: make(map[uint64]*pendingRound),
		hellos:  make(map[int]string),
		helloCh: make(chan struct{}),
	}
}

func (c *MQTT) Rank() int { return c.rank }
func (c *MQTT) Size() int { return c.size }

// rendezvous announces this rank and blocks until every rank of this launch
// was heard. Announcements are not retained and are repeated every
// announceInterval. A rank answers any announcement that does not list it
// yet, so a peer heard from also hears this rank. Subscriptions are made before announcing, so a rank
// that was heard from can already receive contributions.
func (c *MQTT) rendezvous(ctx context.Context) error {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		if err := c.announce(); err != nil {
			return err
		}
		select {
		case <-c.helloCh:
			c.logger.Info("collective group formed", slog.Int("rank", c.rank), slog.Int("size", c.size))
			return nil
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *MQTT) announce() error {
	c.mu.Lock()
	msg := hello{Rank: c.rank, Nonce: c.nonce, Heard: make([]string, 0, len(c.hellos))}
	for _, n := range c.hellos {
		msg.Heard = append(msg.Heard, n)
	}
	c.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.pub.publish(fmt.Sprintf(helloTopic, c.prefix, c.rank), false, payload)
}

func (c *MQTT) onHello(payload []byte, retained bool) {
	if len(payload) == 0 || retained {
		return
	}
	var msg hello
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to unmarshal hello message: %s", err))
		return
	}
	if msg.Nonce == "" || msg.Rank < 0 || msg.Rank >= c.size {
		return
	}
	if msg.Rank == c.rank && msg.Nonce != c.nonce {
		c.logger.Warn("another process announced this rank", slog.Int("rank", c.rank))
		return
	}

	c.mu.Lock()
	c.hellos[msg.Rank] = msg.Nonce
	if !c.formed && len(c.hellos) == c.size {
		c.formed = true
		close(c.helloCh)
	}
	c.mu.Unlock()

	if msg.Rank != c.rank && !slices.Contains(msg.Heard, c.nonce) {
		if err := c.announce(); err != nil {
			c.logger.Warn(fmt.Sprintf("Failed to answer hello message: %s", err))
		}
	}
}

func (c *MQTT) onContribution(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to unmarshal received message: %s", err))
		return
	}
	c.deliver(msg)
}

func (c *MQTT) deliver(msg message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Rank < 0 || msg.Rank >= c.size {
		return
	}
	p := c.roundLocked(msg.Round)
	if _, dup := p.msgs[msg.Rank]; dup {
		return
	}
	p.msgs[msg.Rank] = msg
	if len(p.msgs) == c.size {
		close(p.ready)
	}
}

func (c *MQTT) roundLocked(seq uint64) *pendingRound {
	p, ok := c.pending[seq]
	if !ok {
		p = &pendingRound{msgs: make(map[int]message, c.size), ready: make(chan struct{})}
		c.pending[seq] = p
	}
	return p
}

func (c *MQTT) AllReduce(ctx context.Context, op Op, data []float64) ([]float64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(errors.ErrCollectiveClosed)
	}
	seq := c.seq
	c.seq++
	p := c.roundLocked(seq)
	c.mu.Unlock()

	msg := message{Round: seq, Rank: c.rank, Op: op, Data: data}
	if hasNonFinite(data) {
		msg.NonFinite = true
		msg.Data = make([]float64, len(data))
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.pub.publish(fmt.Sprintf(contribTopic, c.prefix, c.rank), false, payload); err != nil {
		return nil, err
	}

	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}

	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
	return combine(op, p.msgs, c.size)
}

// combine reduces a complete round. p.msgs is not written after ready is
// closed.
func combine(op Op, msgs map[int]message, size int) ([]float64, error) {
	contribs := make([][]float64, size)
	nonFinite := false
	for r := 0; r < size; r++ {
		m := msgs[r]
		if m.Op != op {
			return nil, errors.Newf("collective: rank %d called %s in a %s round", r, m.Op, op)
		}
		contribs[r] = m.Data
		nonFinite = nonFinite || m.NonFinite
	}
	out, err := reduce(op, contribs)
	if err != nil {
		return nil, err
	}
	if nonFinite {
		for i := range out {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

func (c *MQTT) Barrier(ctx context.Context) error {
	_, err := c.AllReduce(ctx, Sum, nil)
	return err
}

// Close disconnects from the broker.
func (c *MQTT) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.client != nil {
		c.client.Disconnect(disconnTimeout)
	}
	return nil
}

func (c *MQTT) subscribe(topic string, qos byte, timeout time.Duration, h func(payload []byte, retained bool)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Payload(), m.Retained())
		m.Ack()
	})
	if token.Error() != nil {
		return errors.WithStack(token.Error())
	}
	if ok := token.WaitTimeout(timeout); !ok {
		return errors.WithStack(errSubscribeTimeout)
	}
	return errors.WithStack(token.Error())
}

type pahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func (p *pahoPublisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if token.Error() != nil {
		return errors.WithStack(token.Error())
	}
	if ok := token.WaitTimeout(p.timeout); !ok {
		return errors.WithStack(errPublishTimeout)
	}
	return errors.WithStack(token.Error())
}

func newClient(opts MQTTOptions, logger *slog.Logger) (mqtt.Client, error) {
	id := fmt.Sprintf("%s-rank-%d", opts.TopicPrefix, opts.Rank)
	copts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(id).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	copts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established", slog.String("client_id", id))
	})
	copts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		args := []any{}
		if err != nil {
			args = append(args, slog.Any("error", err))
		}
		logger.Info("MQTT connection lost", args...)
	})

	client := mqtt.NewClient(copts)
	token := client.Connect()
	if token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "failed to connect to MQTT broker")
	}
	if ok := token.WaitTimeout(opts.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}
	if token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "failed to connect to MQTT broker")
	}
	return client, nil
}
