// Package lifecycle drives the WhatsApp connection: it renders login QR
// codes, tells a logout apart from a transient drop, reconnects after a flat
// delay and starts the keep-alive server once the connection opens.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

const component = "lifecycle"

// DefaultReconnectDelay is used when no delay is configured.
const DefaultReconnectDelay = 2 * time.Second

type State int

const (
	Idle State = iota
	Connecting
	Open
	ClosedRetryable
	ClosedTerminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ClosedRetryable:
		return "closed-retryable"
	case ClosedTerminal:
		return "closed-terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Connection is the connection value carried by an update. The empty value
// means the update carries none.
type Connection string

const (
	ConnConnecting Connection = "connecting"
	ConnOpen       Connection = "open"
	ConnClose      Connection = "close"
)

// Cause describes why a connection closed.
type Cause struct {
	LoggedOut bool
	Err       error
}

func (c Cause) String() string {
	switch {
	case c.LoggedOut:
		return "logged out"
	case c.Err != nil:
		return c.Err.Error()
	}
	return "unknown"
}

// Update is one connection-state notification. QR and Connection may both be
// set; the QR is handled first.
type Update struct {
	Connection Connection
	QR         string
	Cause      Cause
}

type ActionKind int

const (
	RenderQR ActionKind = iota
	ScheduleReconnect
	StartKeepAlive
	NotifyLoggedOut
)

func (k ActionKind) String() string {
	switch k {
	case RenderQR:
		return "render_qr"
	case ScheduleReconnect:
		return "schedule_reconnect"
	case StartKeepAlive:
		return "start_keep_alive"
	case NotifyLoggedOut:
		return "notify_logged_out"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

type Action struct {
	Kind  ActionKind
	QR    string
	Delay time.Duration
	Cause Cause
}

// Transition returns the next state and the actions to run for u.
func Transition(s State, u Update, delay time.Duration) (State, []Action) {
	var actions []Action
	if u.QR != "" {
		actions = append(actions, Action{Kind: RenderQR, QR: u.QR})
	}
	if s == ClosedTerminal {
		return s, actions
	}

	switch u.Connection {
	case ConnConnecting:
		s = Connecting
	case ConnOpen:
		s = Open
		actions = append(actions, Action{Kind: StartKeepAlive})
	case ConnClose:
		if u.Cause.LoggedOut {
			s = ClosedTerminal
			actions = append(actions, Action{Kind: NotifyLoggedOut, Cause: u.Cause})
		} else {
			s = ClosedRetryable
			actions = append(actions, Action{Kind: ScheduleReconnect, Delay: delay, Cause: u.Cause})
		}
	}
	return s, actions
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// Hooks are the side effects the controller runs. Nil hooks are skipped.
type Hooks struct {
	ShowQR         func(code string)
	Reconnect      func() error
	StartKeepAlive func() error
}

type Option func(*Controller)

func WithDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for scheduling reconnects.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

// Controller applies Transition to incoming updates and runs the actions.
// It is safe for concurrent use.
type Controller struct {
	hooks     Hooks
	delay     time.Duration
	afterFunc func(time.Duration, func()) Timer

	mu      sync.Mutex
	state   State
	timers  map[uint64]Timer
	nextID  uint64
	stopped bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewController(hooks Hooks, opts ...Option) *Controller {
	c := &Controller{
		hooks: hooks,
		delay: DefaultReconnectDelay,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		timers: make(map[uint64]Timer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the connection is open.
func (c *Controller) Ready() bool {
	return c.State() == Open
}

// Done is closed once the session is logged out.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of reconnect timers not yet fired.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Handle applies u.
func (c *Controller) Handle(u Update) {
	c.mu.Lock()
	prev := c.state
	next, actions := Transition(prev, u, c.delay)
	c.state = next
	c.mu.Unlock()

	if prev != next {
		logger.DebugCF(component, "State changed", map[string]any{
			"from": prev.String(),
			"to":   next.String(),
		})
	}
	for _, a := range actions {
		c.run(a)
	}
}

// Stop cancels pending reconnects. Updates handled afterwards no longer
// schedule new ones.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) run(a Action) {
	switch a.Kind {
	case RenderQR:
		c.showQR(a.QR)
	case StartKeepAlive:
		logger.InfoC(component, "Connection opened")
		c.startKeepAlive()
	case ScheduleReconnect:
		logger.WarnCF(component, "Connection closed, reconnecting", map[string]any{
			"cause": a.Cause.String(),
			"delay": a.Delay.String(),
		})
		c.schedule(a.Delay)
	case NotifyLoggedOut:
		logger.ErrorC(component,
			"Logged out. Run `oncerelay logout` to discard the stored session, then start again to scan a new QR code")
		c.doneOnce.Do(func() { close(c.done) })
	}
}

func (c *Controller) showQR(code string) {
	if c.hooks.ShowQR == nil {
		return
	}
	defer logger.Recover(component)
	c.hooks.ShowQR(code)
}

func (c *Controller) startKeepAlive() {
	if c.hooks.StartKeepAlive == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.DebugCF(component, "Keep-alive start panicked", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	if err := c.hooks.StartKeepAlive(); err != nil {
		logger.DebugCF(component, "Keep-alive not started", map[string]any{"error": err.Error()})
	}
}

func (c *Controller) schedule(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.nextID++
	id := c.nextID
	c.timers[id] = c.afterFunc(d, func() { c.fire(id) })
}

func (c *Controller) fire(id uint64) {
	defer logger.Recover(component)

	c.mu.Lock()
	delete(c.timers, id)
	skip := c.stopped || c.state == ClosedTerminal
	c.mu.Unlock()
	if skip || c.hooks.Reconnect == nil {
		return
	}

	if err := c.hooks.Reconnect(); err != nil {
		c.Handle(Update{Connection: ConnClose, Cause: Cause{Err: fmt.Errorf("reconnect: %w", err)}})
	}
}
