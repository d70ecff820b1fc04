package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/platform/store"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

// ChainConfig describes one Neo N3 JSON-RPC websocket subscription
// endpoint (spec.md §6, pkg/config.ChainConfig).
type ChainConfig struct {
	Chain         string // logical name, e.g. "neo-mainnet"
	WSURL         string
	ReconnectWait time.Duration
}

// Chain is the chain watcher front door (spec.md §4.4): it holds a
// subscription to a Neo N3 node's block_added / transaction_added /
// notification_from_execution stream, normalizes each message into an
// Event, and persists the last committed block height to Store so a
// restart resumes without replaying already-processed blocks (spec.md §8,
// "chain-watcher restart"). Chain invocations are fire-and-forget
// (SPEC_FULL.md §5 open question resolution).
type Chain struct {
	cfg    ChainConfig
	index  TriggerIndex
	sched  Scheduler
	store  store.Store
	log    *logger.Logger
	dialer *websocket.Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChain(cfg ChainConfig, index TriggerIndex, sched Scheduler, s store.Store, log *logger.Logger) *Chain {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &Chain{cfg: cfg, index: index, sched: sched, store: s, log: log, dialer: websocket.DefaultDialer}
}

func (c *Chain) cursorKey() string { return c.cfg.Chain + "/cursor" }

func (c *Chain) lastHeight(ctx context.Context) (int64, error) {
	rec, err := c.store.Get(ctx, store.NamespaceEventLog, c.cursorKey())
	if err == store.ErrNotFound {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	var h int64
	if err := json.Unmarshal(rec.Value, &h); err != nil {
		return -1, fmt.Errorf("chain watcher: decode cursor: %w", err)
	}
	return h, nil
}

func (c *Chain) saveHeight(ctx context.Context, h int64) {
	encoded, _ := json.Marshal(h)
	if _, err := c.store.Put(ctx, store.NamespaceEventLog, c.cursorKey(), encoded); err != nil && c.log != nil {
		c.log.WithField("chain", c.cfg.Chain).WithError(err).Warn("persist chain cursor failed")
	}
}

// Start connects and, on any disconnect, reconnects after ReconnectWait
// until Stop is called.
func (c *Chain) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for runCtx.Err() == nil {
			if err := c.runOnce(runCtx); err != nil && c.log != nil {
				c.log.WithField("chain", c.cfg.Chain).WithError(err).Warn("chain watcher disconnected")
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(c.cfg.ReconnectWait):
			}
		}
	}()
}

func (c *Chain) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Chain) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("chain watcher: dial: %w", err)
	}
	defer conn.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()

	lastHeight, err := c.lastHeight(ctx)
	if err != nil {
		return fmt.Errorf("chain watcher: load cursor: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("chain watcher: read: %w", err)
		}
		lastHeight = c.handleMessage(ctx, raw, lastHeight)
	}
}

// handleMessage normalizes one subscription notification into an Event and
// submits it, returning the cursor height to carry forward.
func (c *Chain) handleMessage(ctx context.Context, raw []byte, lastHeight int64) int64 {
	kind, ok := chainEventKind(gjson.GetBytes(raw, "event").String())
	if !ok {
		return lastHeight // subscription ack or heartbeat, not a data event
	}

	payloadRaw := gjson.GetBytes(raw, "payload.0")
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadRaw.Raw), &payload); err != nil {
		if c.log != nil {
			c.log.WithField("chain", c.cfg.Chain).WithError(err).Warn("chain watcher: malformed payload")
		}
		return lastHeight
	}

	index := gjson.GetBytes(raw, "payload.0.index").Int()
	hash := gjson.GetBytes(raw, "payload.0.hash").String()
	if hash != "" {
		if _, err := util.Uint256DecodeStringLE(trimHexPrefix(hash)); err != nil && c.log != nil {
			c.log.WithField("chain", c.cfg.Chain).WithError(err).Debug("chain watcher: unparseable hash")
		}
	}

	if kind == "block" && index > 0 && index <= lastHeight {
		return lastHeight // already processed before a restart
	}

	ev := event.Event{
		ID:        uuid.NewString(),
		Source:    c.cfg.Chain,
		Kind:      event.KindChain,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		// Idempotency key is (chain, kind, block, index/hash): spec.md §4.4.
		IdempotencyKey: fmt.Sprintf("%s/%s/%d/%s", c.cfg.Chain, kind, index, hash),
	}

	triggerIDs, err := c.index.MatchEvent(c.cfg.Chain, kind, payload)
	if err != nil && c.log != nil {
		c.log.WithField("chain", c.cfg.Chain).WithError(err).Warn("chain watcher: match failed")
	}
	for _, triggerID := range triggerIDs {
		trig, ok := c.index.Trigger(triggerID)
		if !ok || !trig.Enabled {
			continue
		}
		if _, err := c.sched.Submit(ctx, ev, trig); err != nil && c.log != nil {
			c.log.WithField("trigger", triggerID).WithError(err).Debug("chain watcher submit rejected")
		}
	}

	if kind == "block" && index > lastHeight {
		lastHeight = index
		c.saveHeight(ctx, lastHeight)
	}
	return lastHeight
}

// chainEventKind maps a Neo N3 websocket subscription event name to the
// normalized kind spec.md §4.4 trigger specs filter on (block | tx |
// notification).
func chainEventKind(eventName string) (string, bool) {
	switch eventName {
	case "block_added":
		return "block", true
	case "transaction_added", "transaction_executed":
		return "tx", true
	case "notification_from_execution":
		return "notification", true
	default:
		return "", false
	}
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
