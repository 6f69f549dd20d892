// Package bridge links relay nodes through a shared pub/sub channel so that
// clients connected to different processes see one conversation.
//
// Each node forwards messages published by its local sessions to the channel
// and republishes messages from other nodes into its local hub. Envelopes
// carry the sending node's ID; a node ignores its own envelopes, and messages
// that arrived over the bridge are never forwarded again.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/message"
)

// OriginPrefix marks the Origin of messages that arrived from another node.
const OriginPrefix = "bridge:"

// PubSub is the minimal broker surface the bridge needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers raw payloads published on a channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type envelope struct {
	Node   string `json:"node"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Bridge relays messages between a local hub and a broker channel.
type Bridge struct {
	hub     *hub.Hub
	ps      PubSub
	channel string
	nodeID  string
	logger  zerolog.Logger
	sub     *hub.Subscription
}

// New creates a Bridge. The local subscription starts immediately, so local
// messages published after New returns are forwarded once Run starts. An
// empty nodeID is replaced by a random one.
func New(h *hub.Hub, ps PubSub, channel, nodeID string, logger zerolog.Logger) *Bridge {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Bridge{
		hub:     h,
		ps:      ps,
		channel: channel,
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "bridge").Str("node", nodeID).Logger(),
		sub:     h.Subscribe(),
	}
}

// NodeID returns the identifier stamped on outgoing envelopes.
func (b *Bridge) NodeID() string { return b.nodeID }

// Run forwards in both directions until ctx is done or either direction
// fails. It returns nil on cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.sub.Close()

	remote, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	defer remote.Close()

	b.logger.Info().Str("channel", b.channel).Msg("bridge started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.forwardLocal(gctx) })
	g.Go(func() error { return b.forwardRemote(gctx, remote) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, hub.ErrClosed) {
		return nil
	}
	return err
}

func (b *Bridge) forwardLocal(ctx context.Context) error {
	for {
		msg, err := b.sub.Receive(ctx)
		if err != nil {
			var lagged *hub.LaggedError
			if errors.As(err, &lagged) {
				b.logger.Warn().Uint64("skipped", lagged.Skipped).Msg("bridge lagged behind local hub")
				continue
			}
			return err
		}
		if strings.HasPrefix(msg.Origin, OriginPrefix) {
			continue
		}

		payload, err := json.Marshal(envelope{Node: b.nodeID, Author: msg.Author, Text: msg.Text})
		if err != nil {
			return err
		}
		if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn().Err(err).Msg("bridge publish failed; message not relayed")
		}
	}
}

func (b *Bridge) forwardRemote(ctx context.Context, remote Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-remote.Messages():
			if !ok {
				return errors.New("bridge subscription closed")
			}

			var env envelope
			if err := json.Unmarshal(payload, &env); err != nil || env.Node == "" {
				b.logger.Warn().Err(err).Msg("dropping malformed bridge envelope")
				continue
			}
			if env.Node == b.nodeID {
				continue
			}

			msg := message.Message{Author: env.Author, Text: env.Text, Origin: OriginPrefix + env.Node}
			if _, err := b.hub.Publish(msg); err != nil {
				return err
			}
		}
	}
}
