package httpapi

import (
	"context"
	"log"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/contactbridge/internal/bridge"
)

// tunnelFrame is one forwarded webhook delivery: which system sent it and
// the original request body. The body travels base64-encoded so a relay
// re-marshalling the frame cannot alter the bytes the signature covers;
// embedding it as raw JSON would compact whitespace and break the HMAC.
type tunnelFrame struct {
	System     string `json:"system"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Body       []byte `json:"body"`
}

// TunnelOptions configures the webhook tunnel client.
type TunnelOptions struct {
	URL string
	// WebhookSecret verifies forwarded CRM signatures, same as the direct
	// endpoint.
	WebhookSecret  string
	Intake         Intake
	Logger         *log.Logger
	ReconnectDelay time.Duration
	MaxReconnect   time.Duration
}

// Tunnel keeps a websocket open to a public relay and feeds forwarded
// webhook deliveries into the intake. It exists for deployments without a
// public HTTPS endpoint: the relay receives the webhooks and streams them
// down here. Disconnects reconnect forever with capped backoff; missed
// deliveries during an outage are covered by the reconciliation sweep.
type Tunnel struct {
	url            string
	secret         string
	intake         Intake
	logger         *log.Logger
	reconnectDelay time.Duration
	maxReconnect   time.Duration
}

func NewTunnel(opts TunnelOptions) *Tunnel {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxReconnect := opts.MaxReconnect
	if maxReconnect <= 0 {
		maxReconnect = time.Minute
	}
	return &Tunnel{
		url:            opts.URL,
		secret:         opts.WebhookSecret,
		intake:         opts.Intake,
		logger:         logger,
		reconnectDelay: reconnectDelay,
		maxReconnect:   maxReconnect,
	}
}

// Run connects and consumes frames until ctx is cancelled.
func (t *Tunnel) Run(ctx context.Context) {
	delay := t.reconnectDelay
	for {
		err := t.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Printf("tunnel disconnected: %v; reconnecting in %s", err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > t.maxReconnect {
			delay = t.maxReconnect
		}
	}
}

func (t *Tunnel) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	t.logger.Printf("tunnel connected to %s", t.url)

	for {
		var frame tunnelFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		t.dispatch(frame)
	}
}

func (t *Tunnel) dispatch(frame tunnelFrame) {
	var events []bridge.SyncEvent
	var err error
	switch strings.ToLower(strings.TrimSpace(frame.System)) {
	case "crm":
		if authErr := verifyWebhookHMAC(t.secret, frame.Signature, frame.Body); authErr != nil {
			t.logger.Printf("tunnel frame rejected: %s", authErr.message)
			return
		}
		events, err = parseCRMNotifications(frame.Body)
	case "scheduler":
		events, err = parseSchedulerNotification(frame.Body, frame.DeliveryID)
	default:
		t.logger.Printf("tunnel frame for unknown system %q dropped", frame.System)
		return
	}
	if err != nil {
		t.logger.Printf("tunnel frame unparseable: %v", err)
		return
	}
	for _, ev := range events {
		if err := t.intake.Submit(ev); err != nil {
			t.logger.Printf("tunnel event %s dropped: %v", ev.ID, err)
		}
	}
}
