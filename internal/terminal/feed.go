package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mmeshcher/orderdesk/internal/httpclient"
	"github.com/mmeshcher/orderdesk/internal/notify"
)

// Dialer открывает поток событий канала уведомлений.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Stream представляет открытое соединение с каналом уведомлений.
type Stream interface {
	// Next блокируется до следующего события или обрыва соединения.
	Next(ctx context.Context) (notify.Event, error)
	Close() error
}

// WSFeed подключается к websocket-каналу сервера.
type WSFeed struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// NewWSFeed создаёт подключение к каналу уведомлений с фильтром по филиалу.
func NewWSFeed(baseURL, token, branchID string) *WSFeed {
	base := httpclient.BaseURL(baseURL)
	base = "ws" + strings.TrimPrefix(base, "http")

	q := url.Values{}
	if branchID != "" {
		q.Set("branchId", branchID)
	}
	endpoint := base + "/api/ws"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return &WSFeed{
		url:    endpoint,
		header: header,
		dialer: websocket.DefaultDialer,
	}
}

// Dial устанавливает соединение. Соединение закрывается при отмене ctx.
func (f *WSFeed) Dial(ctx context.Context) (Stream, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	s := &wsStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

// Next возвращает следующее корректное событие. Неразборчивые кадры пропускаются.
func (s *wsStream) Next(ctx context.Context) (notify.Event, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return notify.Event{}, ctx.Err()
			}
			return notify.Event{}, fmt.Errorf("read feed: %w", err)
		}

		var e notify.Event
		if err := json.Unmarshal(data, &e); err != nil || e.Event == "" {
			continue
		}
		return e, nil
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
