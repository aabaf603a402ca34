package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event announces that a node changed on the remote side.
type Event struct {
	NodeID          string    `json:"node_id"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

const eventBuffer = 64

// Subscription is a bounded, cancellable feed of remote node changes. It
// reconnects with backoff until Close is called or its context ends.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens the change feed of an edition. Events that arrive while
// the buffer is full are dropped; the periodic sync catches them later.
func (c *Client) Subscribe(ctx context.Context, editionID string) (*Subscription, error) {
	wsURL, err := c.eventsURL(editionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.eventLoop(ctx, wsURL, editionID, sub)

	return sub, nil
}

func (c *Client) eventsURL(editionID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/editions/" + url.PathEscape(editionID) + "/events")
	if err != nil {
		return "", fmt.Errorf("remote: building events URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("remote: unsupported scheme %q for events", u.Scheme)
	}

	return u.String(), nil
}

func (c *Client) eventLoop(ctx context.Context, wsURL, editionID string, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.events)

	var failures int

	for ctx.Err() == nil {
		err := c.readEvents(ctx, wsURL, sub.events, func() { failures = 0 })
		if ctx.Err() != nil {
			return
		}

		backoff := c.calcBackoff(failures)
		failures++

		c.logger.Warn("remote event feed interrupted",
			slog.String("edition_id", editionID),
			slog.Int("failures", failures),
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)),
		)

		if c.sleepFunc(ctx, backoff) != nil {
			return
		}
	}
}

// readEvents holds one websocket connection until it fails. connected is
// called once the handshake succeeds.
func (c *Client) readEvents(ctx context.Context, wsURL string, out chan<- Event, connected func()) error {
	header := http.Header{}
	header.Set("User-Agent", c.userAgent)

	if err := c.authorize(header); err != nil {
		return err
	}

	// The websocket library rejects clients with a whole-request timeout;
	// the feed is long-lived and bounded by ctx instead.
	hc := *c.httpClient
	hc.Timeout = 0

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	connected()
	c.logger.Debug("remote event feed connected", slog.String("url", wsURL))

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the feed")
			}

			return err
		}

		if strings.TrimSpace(ev.NodeID) == "" {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.logger.Debug("dropping remote event, buffer full", slog.String("node_id", ev.NodeID))
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
