package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

// streamEvent is the subset of an exchange user-stream message the watcher
// cares about.
type streamEvent struct {
	Type   string `json:"e"`
	Symbol string `json:"s"`
	Status string `json:"X"`
}

// StreamWatcher listens to an exchange user-data stream and kicks the
// reconciler when an order event lands, so fills that happen between ticks
// get picked up without waiting a full interval.
type StreamWatcher struct {
	log    *logger.Entry
	url    string
	target *Reconciler

	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func NewStreamWatcher(log *logger.Entry, url string, target *Reconciler) *StreamWatcher {
	if log == nil {
		log = logger.NewEntry(logger.StandardLogger())
	}
	return &StreamWatcher{
		log:              log,
		url:              url,
		target:           target,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Start runs the connect/read loop until the context is cancelled. Connection
// failures back off and retry; the periodic reconciliation ticker covers any
// events missed while disconnected.
func (w *StreamWatcher) Start(ctx context.Context) {
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := w.connect(ctx)
		if err != nil {
			delay := backoffDelay(retry)
			retry++
			w.log.WithError(err).WithFields(logger.Fields{
				"retry": retry,
				"delay": delay.String(),
			}).Warn("Stream connection failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.readLoop(ctx, conn)
	}
}

func (w *StreamWatcher) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, err
	}

	w.log.WithField("url", w.url).Info("Stream connected")
	return conn, nil
}

func (w *StreamWatcher) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(w.ReadTimeout)); err != nil {
			w.log.WithError(err).Warn("Failed to set stream read deadline")
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.WithError(err).Warn("Stream read failed, reconnecting")
			}
			return
		}

		w.handleMessage(msg)
	}
}

func (w *StreamWatcher) handleMessage(msg []byte) {
	var event streamEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		w.log.WithError(err).Debug("Ignoring malformed stream message")
		return
	}

	switch event.Type {
	case "executionReport", "ORDER_TRADE_UPDATE":
		w.log.WithFields(logger.Fields{
			"symbol": event.Symbol,
			"status": event.Status,
		}).Debug("Order event received, requesting reconciliation")
		w.target.Kick()
	}
}

func backoffDelay(retry int) time.Duration {
	if retry > 4 {
		return 30 * time.Second
	}
	return time.Second << uint(retry)
}
