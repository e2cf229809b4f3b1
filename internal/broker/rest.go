package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/reliability"
)

// RESTConfig configures a REST broker adapter.
type RESTConfig struct {
	// Name matches Order.BrokerID and scopes logs.
	Name string
	// BaseURL is the broker's REST endpoint.
	BaseURL string
	// StreamURL is the broker's websocket event endpoint. Empty disables
	// streaming; reconciliation then relies on Poll alone.
	StreamURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// RequestsPerSecond bounds the outbound request rate (default 5).
	RequestsPerSecond float64
}

// REST is a broker adapter over a conventional order-management HTTP API with
// an optional websocket event stream.
type REST struct {
	cfg     RESTConfig
	http    *resty.Client
	limiter *rate.Limiter
	retry   reliability.RetryPolicy
	breaker *reliability.Breaker
	log     zerolog.Logger

	events    chan domain.BrokerEvent
	streamCtx context.Context
	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewREST creates a REST broker adapter and, when a stream URL is configured,
// starts the event stream reader.
func NewREST(cfg RESTConfig, log zerolog.Logger) *REST {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.APIKey)

	ctx, cancel := context.WithCancel(context.Background())
	r := &REST{
		cfg:       cfg,
		http:      http,
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		retry:     reliability.DefaultRetryPolicy,
		breaker:   reliability.NewBreaker(cfg.Name, log),
		log:       log.With().Str("client", cfg.Name).Logger(),
		events:    make(chan domain.BrokerEvent, 256),
		streamCtx: ctx,
		stop:      cancel,
		done:      make(chan struct{}),
	}

	if cfg.StreamURL != "" {
		go r.streamLoop()
	} else {
		close(r.done)
	}
	return r
}

// Name implements Broker.
func (r *REST) Name() string { return r.cfg.Name }

// submitRequest is the order placement payload. The idempotency key is carried
// both in the body and as a header so either convention is satisfied.
type submitRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Symbol         string   `json:"symbol"`
	Side           string   `json:"side"`
	Type           string   `json:"type"`
	Qty            float64  `json:"qty"`
	LimitPrice     *float64 `json:"limit_price,omitempty"`
	StopPrice      *float64 `json:"stop_price,omitempty"`
	TIF            string   `json:"tif"`
}

type orderResponse struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	Reason        string  `json:"reason"`
}

// Submit implements Broker. The broker side deduplicates on the idempotency
// key, so retried submissions cannot double-place.
func (r *REST) Submit(ctx context.Context, order domain.Order) (string, error) {
	body := submitRequest{
		IdempotencyKey: order.IdempotencyKey(),
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Type:           string(order.Type),
		Qty:            order.Qty,
		LimitPrice:     order.LimitPrice,
		StopPrice:      order.StopPrice,
		TIF:            string(order.TIF),
	}

	var out orderResponse
	err := r.retry.Do(ctx, func() error {
		return r.breaker.Do(func() error {
			if err := r.limiter.Wait(ctx); err != nil {
				return domain.ErrDeadlineExceeded
			}
			resp, err := r.http.R().
				SetContext(ctx).
				SetHeader("Idempotency-Key", order.IdempotencyKey()).
				SetBody(body).
				SetResult(&out).
				Post("/orders")
			if err != nil {
				return fmt.Errorf("%w: submit order: %v", domain.ErrUpstream, err)
			}
			return r.checkStatus(resp.StatusCode(), "submit")
		})
	})
	if err != nil {
		return "", err
	}
	if out.BrokerOrderID == "" {
		return "", fmt.Errorf("%w: broker returned no order id", domain.ErrUpstream)
	}

	r.log.Debug().
		Str("order_id", order.ID).
		Str("broker_order_id", out.BrokerOrderID).
		Msg("Order submitted")
	return out.BrokerOrderID, nil
}

// Cancel implements Broker.
func (r *REST) Cancel(ctx context.Context, brokerOrderID string) error {
	return r.retry.Do(ctx, func() error {
		return r.breaker.Do(func() error {
			if err := r.limiter.Wait(ctx); err != nil {
				return domain.ErrDeadlineExceeded
			}
			resp, err := r.http.R().
				SetContext(ctx).
				Delete("/orders/" + brokerOrderID)
			if err != nil {
				return fmt.Errorf("%w: cancel order: %v", domain.ErrUpstream, err)
			}
			return r.checkStatus(resp.StatusCode(), "cancel")
		})
	})
}

// Poll implements Broker. The broker's order snapshot is mapped onto the
// normalized event vocabulary.
func (r *REST) Poll(ctx context.Context, brokerOrderID string) (domain.BrokerEvent, error) {
	var out orderResponse
	err := r.retry.Do(ctx, func() error {
		return r.breaker.Do(func() error {
			if err := r.limiter.Wait(ctx); err != nil {
				return domain.ErrDeadlineExceeded
			}
			resp, err := r.http.R().
				SetContext(ctx).
				SetResult(&out).
				Get("/orders/" + brokerOrderID)
			if err != nil {
				return fmt.Errorf("%w: poll order: %v", domain.ErrUpstream, err)
			}
			return r.checkStatus(resp.StatusCode(), "poll")
		})
	})
	if err != nil {
		return domain.BrokerEvent{}, err
	}

	ev := domain.BrokerEvent{
		BrokerOrderID: brokerOrderID,
		Qty:           out.FilledQty,
		Price:         out.AvgFillPrice,
		Detail:        out.Reason,
		TS:            time.Now().UTC(),
	}
	switch out.Status {
	case "accepted", "open", "new":
		ev.Type = domain.BrokerAck
	case "partially_filled", "filled":
		ev.Type = domain.BrokerFill
	case "cancelled", "canceled":
		ev.Type = domain.BrokerCancelled
	case "rejected":
		ev.Type = domain.BrokerRejected
	case "expired":
		ev.Type = domain.BrokerExpired
	default:
		ev.Type = domain.BrokerErrored
		ev.Detail = fmt.Sprintf("unknown broker status %q", out.Status)
	}
	return ev, nil
}

// Events implements Broker.
func (r *REST) Events() <-chan domain.BrokerEvent {
	return r.events
}

// Close implements Broker.
func (r *REST) Close() error {
	r.closeOnce.Do(func() {
		r.stop()
		<-r.done
		close(r.events)
	})
	return nil
}

// checkStatus classifies an HTTP status into the error taxonomy. Rate limits
// and server errors are transient, everything else 4xx is permanent.
func (r *REST) checkStatus(code int, op string) error {
	switch {
	case code == 429 || code >= 500:
		return fmt.Errorf("%w: broker %s returned %d", domain.ErrUpstream, op, code)
	case code == 404:
		return fmt.Errorf("%w: broker %s returned 404", domain.ErrNotFound, op)
	case code >= 400:
		return fmt.Errorf("%w: broker %s returned %d", domain.ErrValidation, op, code)
	}
	return nil
}

// streamLoop keeps a websocket to the broker's event feed, reconnecting with
// backoff after any failure. Events with timestamps beyond the skew bound are
// dropped; reconciliation re-derives anything lost.
func (r *REST) streamLoop() {
	defer close(r.done)

	backoff := time.Second
	for {
		if r.streamCtx.Err() != nil {
			return
		}
		if err := r.readStream(); err != nil && r.streamCtx.Err() == nil {
			r.log.Warn().Err(err).Dur("backoff", backoff).Msg("Broker stream dropped, reconnecting")
		}
		select {
		case <-r.streamCtx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (r *REST) readStream() error {
	dialCtx, cancel := context.WithTimeout(r.streamCtx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, r.cfg.StreamURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + r.cfg.APIKey}},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial broker stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	r.log.Info().Str("url", r.cfg.StreamURL).Msg("Broker event stream connected")

	for {
		var ev domain.BrokerEvent
		if err := wsjson.Read(r.streamCtx, conn, &ev); err != nil {
			return fmt.Errorf("failed to read broker event: %w", err)
		}
		if err := ValidateEventClock(ev, time.Now().UTC()); err != nil {
			r.log.Warn().Err(err).Str("order_id", ev.OrderID).Msg("Dropping skewed broker event")
			continue
		}
		select {
		case r.events <- ev:
		case <-r.streamCtx.Done():
			return nil
		}
	}
}
