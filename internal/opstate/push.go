package opstate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/regix1/lancache-manager-sub005/internal/api"
)

// Reconnect backoff for the push channel.
const (
	pushBaseBackoff = 1 * time.Second
	pushMaxBackoff  = 30 * time.Second
)

// pushFrame is one named event on the push channel. The payload carries
// the same OperationStatus shape the polling endpoints return.
type pushFrame struct {
	Event   string              `json:"event"`
	Payload api.OperationStatus `json:"payload"`
}

// Event names emitted by the server's push hub.
const (
	EventCacheClearProgress     = "cacheClearProgress"
	EventLogProcessingProgress  = "logProcessingProgress"
	EventServiceRemovalProgress = "serviceRemovalProgress"
)

// subscription is one registered handler. Removal is by pointer identity.
type subscription struct {
	event   string
	handler func(api.OperationStatus)
}

// Subscriber maintains a websocket connection to the server's push hub,
// reconnecting with backoff whenever it drops, and dispatches decoded
// status events to registered handlers. Delivery is at-most-once and may
// be out of order relative to polling; consumers merge accordingly.
type Subscriber struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dialFunc is swapped by tests to avoid a real websocket server.
	dialFunc func(ctx context.Context) (*websocket.Conn, error)
}

// NewSubscriber creates a push subscriber for the hub at url (a ws:// or
// wss:// address). It does not connect until Start.
func NewSubscriber(url, apiKey string, httpClient *http.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber{
		url:        url,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
	}
	s.dialFunc = s.dial

	return s
}

// Subscribe registers a handler for one event name and returns an
// unsubscribe function. Handlers run on the read loop goroutine and must
// not block.
func (s *Subscriber) Subscribe(event string, handler func(api.OperationStatus)) func() {
	sub := &subscription{event: event, handler: handler}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
}

// Start launches the connect/read/reconnect loop. Call Stop to tear it
// down.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go s.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

// run reconnects with exponential backoff for as long as the context
// lives. A successful read resets the backoff.
func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := pushBaseBackoff

	for ctx.Err() == nil {
		conn, err := s.dialFunc(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Debug("push channel dial failed",
				slog.String("url", s.url),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if !sleepCtx(ctx, backoff) {
				return
			}

			backoff = min(backoff*2, pushMaxBackoff)

			continue
		}

		s.logger.Info("push channel connected", slog.String("url", s.url))

		if s.readLoop(ctx, conn) {
			backoff = pushBaseBackoff
		}

		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() == nil {
			s.logger.Warn("push channel disconnected, reconnecting",
				slog.Duration("backoff", backoff),
			)

			if !sleepCtx(ctx, backoff) {
				return
			}

			backoff = min(backoff*2, pushMaxBackoff)
		}
	}
}

// readLoop decodes frames until the connection breaks. Returns true if at
// least one frame was read, which resets the reconnect backoff.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	var gotFrame bool

	for {
		var frame pushFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("push channel read failed", slog.String("error", err.Error()))
			}

			return gotFrame
		}

		gotFrame = true

		s.dispatch(frame)
	}
}

// dispatch fans one frame out to every handler registered for its event.
func (s *Subscriber) dispatch(frame pushFrame) {
	s.mu.Lock()
	handlers := make([]func(api.OperationStatus), 0, len(s.subs))

	for sub := range s.subs {
		if sub.event == frame.Event {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(frame.Payload)
	}
}

// dial opens the websocket with the API key header set.
func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("X-Api-Key", s.apiKey)
	}

	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		return nil, err
	}

	return conn, nil
}

// sleepCtx waits for d or until ctx is done. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
