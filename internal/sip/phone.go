// Package sip implements the softphone user agent whose calls are mirrored
// onto the native call surface. It satisfies bridge.Signaling and reports
// call lifecycle through bridge.SignalingEvents.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callbridge/internal/bridge"
)

const (
	defaultRTPPort = 10000
	dialTimeout    = 60 * time.Second
	requestTimeout = 10 * time.Second
)

// Options configures a Phone.
type Options struct {
	// User and Domain form the identity used for outgoing calls:
	// sip:<User>@<Domain>.
	User   string
	Domain string

	// AuthUser and Password answer digest challenges. AuthUser defaults
	// to User.
	AuthUser string
	Password string

	// ExternalIP is advertised in Contact, Via and SDP.
	ExternalIP string
	Port       int
	RTPPort    int

	// AllowedPeers restricts which sources may send INVITE. Empty allows
	// everyone.
	AllowedPeers []string
}

// Phone is a single-line SIP user agent. Calls are tracked by Call-ID.
type Phone struct {
	opts   Options
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	out    sender
	acl    *PeerACL
	calls  *callTable
	events bridge.SignalingEvents
	now    func() time.Time
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	listeners sync.WaitGroup
	requests  sync.WaitGroup

	confMu       sync.Mutex
	inConference bool

	micEnabled  atomic.Bool
	audioActive atomic.Bool
}

var _ bridge.Signaling = (*Phone)(nil)

// NewPhone creates the user agent and registers its request handlers.
// Listening starts with Start.
func NewPhone(opts Options, logger *slog.Logger) (*Phone, error) {
	logger = logger.With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callbridge"),
		sipgo.WithUserAgentHostname(opts.ExternalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger.With("subsystem", "sip-client")))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	p, err := newPhone(opts, clientSender{client: client}, logger)
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}
	p.ua, p.srv, p.client = ua, srv, client
	p.registerHandlers()
	return p, nil
}

// newPhone builds the transport-independent part of a Phone.
func newPhone(opts Options, out sender, logger *slog.Logger) (*Phone, error) {
	if opts.RTPPort == 0 {
		opts.RTPPort = defaultRTPPort
	}
	if opts.AuthUser == "" {
		opts.AuthUser = opts.User
	}
	acl, err := NewPeerACL(opts.AllowedPeers)
	if err != nil {
		return nil, fmt.Errorf("parsing allowed peers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Phone{
		opts:   opts,
		out:    out,
		acl:    acl,
		calls:  newCallTable(logger),
		events: nopEvents{},
		now:    time.Now,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.micEnabled.Store(true)
	return p, nil
}

// SetEvents installs the receiver of call lifecycle events. It must be
// called before Start.
func (p *Phone) SetEvents(ev bridge.SignalingEvents) {
	p.events = ev
}

func (p *Phone) registerHandlers() {
	p.srv.OnInvite(p.handleInvite)
	p.srv.OnAck(p.handleAck)
	p.srv.OnCancel(p.handleCancel)
	p.srv.OnBye(p.handleBye)
	p.srv.OnInfo(p.handleInfo)
	p.srv.OnOptions(p.handleOptions)
}

// Start begins listening on UDP and TCP. Listener errors are logged; the
// listeners stop when ctx is cancelled or Stop is called.
func (p *Phone) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-p.ctx.Done():
			cancel()
		}
	}()

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(p.opts.Port))
	for _, network := range []string{"udp", "tcp"} {
		p.listeners.Add(1)
		go func() {
			defer p.listeners.Done()
			p.logger.Info("sip listener starting", "network", network, "addr", addr)
			if err := p.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
				p.logger.Error("sip listener stopped", "network", network, "error", err)
			}
		}()
	}
	return nil
}

// Stop hangs up every call, waits for outstanding requests and closes the
// stack.
func (p *Phone) Stop() {
	p.logger.Info("stopping sip phone", "calls", p.calls.count())
	for _, c := range p.calls.list() {
		if err := p.terminate(c); err != nil {
			p.logger.Debug("terminate on stop", "call_id", c.id, "error", err)
		}
	}
	p.requests.Wait()
	p.cancel()
	p.listeners.Wait()
	if p.client != nil {
		p.client.Close()
	}
	if p.srv != nil {
		p.srv.Close()
	}
	if p.ua != nil {
		p.ua.Close()
	}
	p.logger.Info("sip phone stopped")
}

// goRequest runs fn in the background with a bounded context. The phone
// waits for these on Stop.
func (p *Phone) goRequest(timeout time.Duration, fn func(ctx context.Context)) {
	p.requests.Add(1)
	go func() {
		defer p.requests.Done()
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()
		fn(ctx)
	}()
}

// contactURI is where peers reach this phone.
func (p *Phone) contactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   p.opts.User,
		Host:   p.opts.ExternalIP,
		Port:   p.opts.Port,
	}
}

// end removes the call and emits CallEnded once.
func (p *Phone) end(id, cause string) {
	c := p.calls.remove(id)
	if c == nil {
		return
	}
	p.logger.Info("call ended",
		"call_id", id,
		"outgoing", c.outgoing,
		"cause", cause,
		"duration_ms", p.now().Sub(c.started).Milliseconds(),
	)
	p.events.CallEnded(id)
}

// handleOptions answers keepalive pings.
func (p *Phone) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		p.logger.Error("failed to respond to options", "error", err)
	}
}

func respond(logger *slog.Logger, tx serverTx, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send response",
			"code", res.StatusCode,
			"error", err,
		)
	}
}

type nopEvents struct{}

func (nopEvents) IncomingReceived(bridge.Call) {}
func (nopEvents) CallConnected(string)         {}
func (nopEvents) CallUpdated(bridge.Call)      {}
func (nopEvents) CallEnded(string)             {}
