package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/publish"
)

// Broker fans published diffs out to the SSE subscribers of each
// tenant-scoped board channel. A slow subscriber drops events instead of
// blocking the fan-out; the client resyncs from the snapshot frame.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *Broker) subscribe(channel string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(channel string, ch chan []byte) {
	b.mu.Lock()
	if subs, ok := b.subs[channel]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, channel)
		}
	}
	b.mu.Unlock()
}

func (b *Broker) broadcast(channel string, data []byte) {
	b.mu.Lock()
	for ch := range b.subs[channel] {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.Unlock()
}

// SubscribeUpdates relays the tenant-scoped board channels from Redis into
// the in-process broker, reconnecting when the pub/sub stream closes.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, broker *Broker) {
	for {
		sub := rc.PSubscribe(ctx, publish.ChannelPattern())
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				broker.broadcast(msg.Channel, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func streamBoard(deps Deps, broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		identity, err := deps.Auth.IdentityFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		boardID := c.Param("boardId")
		store, err := deps.Stores.Store(identity.TenantID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "tenant store unavailable")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		channel := publish.Channel(identity.TenantID, boardID)
		ch := broker.subscribe(channel)
		defer broker.unsubscribe(channel, ch)

		// First frame is the full board snapshot so a fresh client can
		// render before any diff arrives.
		tasks, err := deps.Cache.Tasks(ctx, identity.TenantID, boardID, store)
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		snapshot, err := sonic.Marshal(tasks)
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		if err := writeSSE(c, "snapshot", snapshot); err != nil {
			return err
		}
		flusher.Flush()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-ch:
				if err := writeSSE(c, "change", data); err != nil {
					return err
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSE(c echo.Context, event string, data []byte) error {
	w := c.Response()
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
