package hidclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bluetooth-hid/internal/errs"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/listener"
	"bluetooth-hid/internal/metrics"
	"bluetooth-hid/internal/transport"
)

// DefaultRequestTimeout bounds every request/response round trip.
const DefaultRequestTimeout = 5 * time.Second

// callback is what a registry entry invokes. Exactly one field is set,
// matching the entry's kind; an await entry created by ConnectAndWait has
// neither.
type callback struct {
	onEvent   EventCallback
	onConnect ConnectionCallback
}

// Client is one process's connection to the HID profile manager.
type Client struct {
	tr      transport.Transport
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu             sync.Mutex
	initialized    bool
	starting       bool
	powered        bool
	subscriptionID uint32
	dataPending    bool
	cancelLife     func()

	issuer listener.Issuer
	// events holds general event listeners and connection awaits; data holds
	// at most one data-path listener. Both draw handles from issuer.
	events *listener.Registry[callback]
	data   *listener.Registry[callback]
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics sink. The default records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRequestTimeout sets the round-trip bound for requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client over tr. Call Init before any other operation.
func New(tr transport.Transport, opts ...Option) *Client {
	c := &Client{
		tr:      tr,
		log:     slog.Default(),
		timeout: DefaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "hidclient")
	c.events = listener.New[callback](&c.issuer)
	c.data = listener.New[callback](&c.issuer)
	return c
}

// Init attaches to the transport and subscribes to server events. It fails
// with errs.ErrAlreadyInitialized when called twice without Shutdown.
func (c *Client) Init(ctx context.Context) error {
	const op = "hidclient.Init"
	c.mu.Lock()
	if c.initialized || c.starting {
		c.mu.Unlock()
		return errs.Invalid(op, errs.CodeAlreadyInitialized, errs.ErrAlreadyInitialized)
	}
	c.starting = true
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		return err
	}

	if err := c.tr.RegisterGroupHandler(hidmsg.GroupHID, c.handleMessage); err != nil {
		return fail(errs.Transport(op, errs.CodeSendFailed, err))
	}
	cancel := c.tr.SubscribeLifecycle(c.handleLifecycle)

	rsp, err := c.roundTrip(ctx, op, &hidmsg.RegisterEventsRequest{})
	if err != nil {
		cancel()
		c.tr.UnregisterGroupHandler(hidmsg.GroupHID)
		return fail(err)
	}

	subID := rsp.(*hidmsg.RegisterEventsResponse).SubscriptionID
	c.mu.Lock()
	c.starting = false
	c.initialized = true
	c.powered = true
	c.subscriptionID = subID
	c.cancelLife = cancel
	c.mu.Unlock()

	c.log.Info("initialized", "subscription_id", subID)
	return nil
}

// Shutdown unsubscribes from the server and releases every listener. A
// ConnectAndWait still pending returns ConnectionStatusFailureDevicePoweredOff.
// Asynchronous connection callbacks still pending are dropped without being
// invoked. Shutdown is idempotent; the returned error reports a failed
// unsubscribe send, after which the client is shut down all the same.
func (c *Client) Shutdown(ctx context.Context) error {
	const op = "hidclient.Shutdown"
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	subID := c.subscriptionID
	c.subscriptionID = 0
	dataID, hasData := uint32(0), false
	if e, ok := c.data.First(listener.KindDataPath); ok {
		d, _ := e.DataPath()
		dataID, hasData = d.ServerID, true
	}
	c.events.Clear()
	c.data.Clear()
	cancel := c.cancelLife
	c.cancelLife = nil
	c.updateGaugesLocked()
	c.mu.Unlock()

	var firstErr error
	if hasData {
		if err := c.send(ctx, op, &hidmsg.UnregisterDataEventsRequest{DataID: dataID}); err != nil {
			c.log.Warn("unregister data events failed", "error", err)
			firstErr = err
		}
	}
	if err := c.send(ctx, op, &hidmsg.UnregisterEventsRequest{SubscriptionID: subID}); err != nil {
		c.log.Warn("unregister events failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	c.tr.UnregisterGroupHandler(hidmsg.GroupHID)
	if cancel != nil {
		cancel()
	}
	c.log.Info("shut down")
	return firstErr
}

// Initialized reports whether Init has succeeded and Shutdown has not run.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Powered reports the last known power state of the local radio.
func (c *Client) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

func (c *Client) checkInitializedLocked(op string) error {
	if !c.initialized {
		return errs.Invalid(op, errs.CodeNotInitialized, errs.ErrNotInitialized)
	}
	return nil
}

func (c *Client) updateGaugesLocked() {
	c.metrics.SetListeners(listener.KindEvent.String(), c.events.Count(listener.KindEvent))
	c.metrics.SetListeners(listener.KindConnectionAwait.String(), c.events.Count(listener.KindConnectionAwait))
	c.metrics.SetListeners(listener.KindDataPath.String(), c.data.Len())
}

// handleLifecycle runs on the transport's delivery goroutine.
func (c *Client) handleLifecycle(ev transport.LifecycleEvent) {
	c.log.Info("lifecycle event", "event", ev.String())
	switch ev {
	case transport.PowerOn:
		c.mu.Lock()
		c.powered = true
		c.mu.Unlock()
	case transport.PowerOff:
		c.failPendingConnects(true)
	case transport.ClientDeregistered:
		c.failPendingConnects(false)
	}
}

// failPendingConnects resolves every pending connection attempt with
// ConnectionStatusFailureDevicePoweredOff, marking the radio off if powerOff.
func (c *Client) failPendingConnects(powerOff bool) {
	type pending struct {
		dev hidmsg.BDAddr
		cb  ConnectionCallback
	}
	var notify []pending

	c.mu.Lock()
	if powerOff {
		c.powered = false
	}
	removed := c.events.RemoveFunc(func(e *listener.Entry[callback]) bool {
		return e.Kind() == listener.KindConnectionAwait
	})
	for _, e := range removed {
		a := e.Await()
		if !a.Complete(hidmsg.ConnectionStatusFailureDevicePoweredOff) {
			continue
		}
		if !a.Blocking() && e.Callback.onConnect != nil {
			notify = append(notify, pending{dev: a.Device, cb: e.Callback.onConnect})
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, p := range notify {
		c.invoke("connection", func() { p.cb(p.dev, hidmsg.ConnectionStatusFailureDevicePoweredOff) })
	}
}
