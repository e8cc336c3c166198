package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var (
	ErrUnknownHandle = errors.New("opcua: unknown subscription handle")
	ErrClosed        = errors.New("opcua: transport closed")
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	// Buffer is the per-channel delivery queue length.
	Buffer int `yaml:"buffer"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "pvflow"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("opcua: endpoint is required")
	}
	return nil
}

// channel is the per-node subscription state. Notifications are funneled
// through events to a dedicated goroutine once a callback is attached.
type channel struct {
	name      string
	connected chan struct{}
	connOnce  sync.Once

	mu     sync.Mutex
	latest *domain.ChangeEvent
	fn     ports.ChangeFunc
	events chan domain.ChangeEvent
}

func (ch *channel) markConnected() {
	ch.connOnce.Do(func() { close(ch.connected) })
}

// Transport monitors OPC UA nodes. Channel names are node ids such as
// "ns=2;s=Boiler.Temp". One client session and one subscription carry every
// monitored item; a channel counts as connected once its first data change
// arrives.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	client   *opcua.Client
	sub      *opcua.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	channels map[ports.Handle]*channel
	next     ports.Handle
	closed   bool

	wg sync.WaitGroup
}

func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		logger:   logger.With("component", "opcua", "endpoint", cfg.Endpoint),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[ports.Handle]*channel),
	}, nil
}

// Subscribe creates a monitored item for the node named by channel. The
// session is opened on the first call.
func (t *Transport) Subscribe(name string) (ports.Handle, error) {
	node, err := ua.ParseNodeID(name)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	for h, ch := range t.channels {
		if ch.name == name {
			return h, nil
		}
	}
	if err := t.connectLocked(); err != nil {
		return 0, err
	}

	t.next++
	h := t.next
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(node, ua.AttributeIDValue, uint32(h))
	if t.cfg.SamplingInterval > 0 {
		req.RequestedParameters.SamplingInterval = float64(t.cfg.SamplingInterval / time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()
	res, err := t.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return 0, fmt.Errorf("monitor node %q: %w", name, err)
	}
	if len(res.Results) == 0 {
		return 0, fmt.Errorf("monitor node %q failed: empty result", name)
	}
	if res.Results[0].StatusCode != ua.StatusOK {
		return 0, fmt.Errorf("monitor node %q failed: %s", name, res.Results[0].StatusCode)
	}

	t.channels[h] = &channel{name: name, connected: make(chan struct{})}
	t.logger.Debug("monitoring node", "node", name, "item_id", res.Results[0].MonitoredItemID)
	return h, nil
}

func (t *Transport) connectLocked() error {
	if t.client != nil {
		return nil
	}
	client, err := opcua.NewClient(t.cfg.Endpoint, t.clientOptions()...)
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, t.cfg.Buffer)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: t.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	t.client, t.sub = client, sub
	t.wg.Add(1)
	go t.consume(notifyCh)
	t.logger.Info("session opened", "publish_interval", t.cfg.PublishInterval)
	return nil
}

func (t *Transport) WaitConnected(ctx context.Context, h ports.Handle, timeout time.Duration) bool {
	t.mu.Lock()
	ch, ok := t.channels[h]
	t.mu.Unlock()
	if !ok {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch.connected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// OnChange attaches fn to h and starts its dispatch goroutine. The most
// recent notification received before the call is delivered first.
func (t *Transport) OnChange(h ports.Handle, fn ports.ChangeFunc) error {
	t.mu.Lock()
	ch, ok := t.channels[h]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.fn != nil {
		return fmt.Errorf("opcua: callback already attached to %q", ch.name)
	}
	ch.fn = fn
	ch.events = make(chan domain.ChangeEvent, t.cfg.Buffer)
	if ch.latest != nil {
		ch.events <- *ch.latest
		ch.latest = nil
	}
	t.wg.Add(1)
	go t.dispatch(ch)
	return nil
}

func (t *Transport) dispatch(ch *channel) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-ch.events:
			ch.fn(ev)
		}
	}
}

func (t *Transport) consume(notifyCh <-chan *opcua.PublishNotificationData) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case notif := <-notifyCh:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				t.logger.Warn("notification error", "error", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range data.MonitoredItems {
				t.route(ports.Handle(item.ClientHandle), item.Value)
			}
		}
	}
}

// route converts one data value and hands it to its channel.
func (t *Transport) route(h ports.Handle, dv *ua.DataValue) {
	t.mu.Lock()
	ch, ok := t.channels[h]
	t.mu.Unlock()
	if !ok || dv == nil {
		return
	}
	ev := toEvent(ch.name, dv)

	ch.mu.Lock()
	if ch.fn == nil {
		ch.latest = &ev
		ch.mu.Unlock()
		ch.markConnected()
		return
	}
	events := ch.events
	ch.mu.Unlock()
	ch.markConnected()

	select {
	case events <- ev:
	case <-t.ctx.Done():
	}
}

// UnsubscribeAll cancels the subscription, closes the session and waits for
// every goroutine the transport started.
func (t *Transport) UnsubscribeAll() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub, client := t.sub, t.client
	t.sub, t.client = nil, nil
	t.channels = make(map[ports.Handle]*channel)
	t.mu.Unlock()

	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	t.wg.Wait()
	return err
}

func (t *Transport) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(t.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(t.cfg.SecurityPolicy)),
		opcua.ApplicationName(t.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if t.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(t.cfg.Username, t.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Transport = (*Transport)(nil)
