// Package surface implements the native call surface contract for a remote
// device. Reports are published to an event feed the device long-polls and
// incoming calls additionally wake it with a VoIP push.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/push"
	"github.com/flowpbx/callbridge/internal/session"
)

// ErrNotDelivered is reported when the gateway accepted a push but could not
// hand it to the platform push service.
var ErrNotDelivered = errors.New("push not delivered to device")

const pushTimeout = 10 * time.Second

// Pusher sends VoIP pushes. *push.Client implements it.
type Pusher interface {
	Configured() bool
	Send(ctx context.Context, n push.Notification) (bool, error)
}

// Options configures a Surface.
type Options struct {
	// PushToken and PushPlatform are used when no device has registered a
	// token through the API.
	PushToken    string
	PushPlatform string

	BlockList    []string
	DoNotDisturb bool
}

// Surface is a bridge.Surface backed by a Feed and push notifications.
type Surface struct {
	feed   *Feed
	pusher Pusher
	tokens database.PushTokenRepository
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	dnd     bool
	blocked map[string]bool

	wg sync.WaitGroup
}

var _ bridge.Surface = (*Surface)(nil)

// New creates a Surface. pusher and tokens may be nil.
func New(feed *Feed, pusher Pusher, tokens database.PushTokenRepository, opts Options, logger *slog.Logger) *Surface {
	s := &Surface{
		feed:    feed,
		pusher:  pusher,
		tokens:  tokens,
		opts:    opts,
		logger:  logger.With("subsystem", "surface"),
		dnd:     opts.DoNotDisturb,
		blocked: make(map[string]bool),
	}
	for _, h := range opts.BlockList {
		if h = normalizeHandle(h); h != "" {
			s.blocked[h] = true
		}
	}
	return s
}

// Feed returns the event feed the device reads.
func (s *Surface) Feed() *Feed {
	return s.feed
}

// Settings is the device's call filtering state.
type Settings struct {
	DoNotDisturb bool     `json:"do_not_disturb"`
	BlockList    []string `json:"block_list"`
}

// Settings returns the current filtering state.
func (s *Surface) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]string, 0, len(s.blocked))
	for h := range s.blocked {
		list = append(list, h)
	}
	slices.Sort(list)
	return Settings{DoNotDisturb: s.dnd, BlockList: list}
}

// ApplySettings replaces the filtering state.
func (s *Surface) ApplySettings(in Settings) {
	blocked := make(map[string]bool, len(in.BlockList))
	for _, h := range in.BlockList {
		if h = normalizeHandle(h); h != "" {
			blocked[h] = true
		}
	}
	s.mu.Lock()
	s.dnd = in.DoNotDisturb
	s.blocked = blocked
	s.mu.Unlock()
	s.logger.Info("call filtering updated", "do_not_disturb", in.DoNotDisturb, "blocked", len(blocked))
}

func (s *Surface) filter(handle string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blocked[normalizeHandle(handle)] {
		return bridge.ErrFilteredByBlockList
	}
	if s.dnd {
		return bridge.ErrFilteredByDoNotDisturb
	}
	return nil
}

// ReportIncoming publishes the call and wakes the device. done receives
// the filter failure, if any. Once the call is on the feed it counts as
// displayed; the push is best-effort and its failure is only logged.
func (s *Surface) ReportIncoming(token session.Token, update bridge.CallUpdate, silent bool, done func(error)) {
	if err := s.filter(update.Handle); err != nil {
		s.logger.Info("incoming call filtered", "token", token, "from", update.Handle, "error", err)
		done(err)
		return
	}

	s.feed.Publish(Event{Kind: EventIncoming, Token: token, Update: &update, Silent: silent})
	done(nil)

	if s.pusher == nil || !s.pusher.Configured() {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.sendPush(push.Notification{
			Kind:         push.KindIncomingCall,
			SessionToken: token.String(),
			CallerID:     update.Handle,
			HasVideo:     update.HasVideo,
			Silent:       silent,
		})
		if err != nil {
			s.logger.Warn("incoming call push failed", "token", token, "error", err)
		}
	}()
}

func (s *Surface) ReportOutgoingConnecting(token session.Token) {
	s.feed.Publish(Event{Kind: EventOutgoingConnecting, Token: token})
}

func (s *Surface) ReportOutgoingConnected(token session.Token) {
	s.feed.Publish(Event{Kind: EventOutgoingConnected, Token: token})
}

func (s *Surface) UpdateCall(token session.Token, update bridge.CallUpdate) {
	s.feed.Publish(Event{Kind: EventUpdated, Token: token, Update: &update})
}

// EndCall publishes the end and sends a best-effort push so a device that
// was woken for the call can dismiss it.
func (s *Surface) EndCall(token session.Token, reason bridge.EndReason) {
	s.feed.Publish(Event{Kind: EventEnded, Token: token, Reason: reason})

	if s.pusher == nil || !s.pusher.Configured() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sendPush(push.Notification{Kind: push.KindCallEnded, SessionToken: token.String()}); err != nil {
			s.logger.Warn("call ended push failed", "token", token, "error", err)
		}
	}()
}

func (s *Surface) RequestStart(token session.Token, destination string) {
	s.feed.Publish(Event{Kind: EventStartRequested, Token: token, Destination: destination})
}

// Wait blocks until every in-flight push has finished.
func (s *Surface) Wait() {
	s.wg.Wait()
}

// sendPush fills in the device token and sends n. A missing device token
// is not an error; the device may still be reading the feed.
func (s *Surface) sendPush(n push.Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	token, platform, err := s.deviceToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		s.logger.Debug("no device push token, skipping push", "kind", n.Kind)
		return nil
	}
	n.PushToken, n.PushPlatform = token, platform

	delivered, err := s.pusher.Send(ctx, n)
	if errors.Is(err, push.ErrInvalidToken) && s.tokens != nil {
		if delErr := s.tokens.DeleteByToken(ctx, token); delErr != nil {
			s.logger.Error("removing rejected push token", "error", delErr)
		}
	}
	if err != nil {
		return fmt.Errorf("sending %s push: %w", n.Kind, err)
	}
	if !delivered {
		return ErrNotDelivered
	}
	return nil
}

func (s *Surface) deviceToken(ctx context.Context) (token, platform string, err error) {
	if s.tokens != nil {
		t, err := s.tokens.Latest(ctx)
		if err != nil {
			return "", "", fmt.Errorf("loading device push token: %w", err)
		}
		if t != nil {
			return t.Token, t.Platform, nil
		}
	}
	platform = s.opts.PushPlatform
	if platform == "" {
		platform = "apns"
	}
	return s.opts.PushToken, platform, nil
}

func normalizeHandle(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "sip:")
	h = strings.TrimPrefix(h, "tel:")
	return h
}
