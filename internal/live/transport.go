package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livewire/internal/auth"
)

const (
	// GeminiURL is the public live endpoint; API keys ride in the key query
	// parameter.
	GeminiURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	closeWriteTimeout = time.Second
	closeNormal       = websocket.CloseNormalClosure
)

// VertexURL builds the regional Vertex AI live endpoint.
func VertexURL(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		region = "us-central1"
	}
	return "wss://" + region + "-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"
}

// Conn is one open duplex connection. ReadMessage and WriteMessage are each
// called from a single goroutine; Close may be called from any goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections with the given credential attached.
type Dialer interface {
	Dial(ctx context.Context, cred auth.Credential) (Conn, error)
}

// DialError reports a rejected upgrade. StatusCode is the HTTP status the
// service answered with, or 0 when no response arrived.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial live websocket: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial live websocket: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// WebsocketDialer dials the service over gorilla/websocket.
type WebsocketDialer struct {
	URL    string
	dialer websocket.Dialer
}

func NewWebsocketDialer(endpoint string, handshakeTimeout time.Duration) *WebsocketDialer {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = GeminiURL
	}
	return &WebsocketDialer{
		URL: endpoint,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &DialError{Err: err}
	}
	headers := http.Header{}
	switch cred.Kind {
	case auth.KindBearer:
		headers.Set("Authorization", "Bearer "+cred.Value())
	default:
		q := u.Query()
		q.Set("key", cred.Value())
		u.RawQuery = q.Encode()
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		de := &DialError{Err: redactKey(err, cred)}
		if resp != nil {
			de.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, de
	}
	return &wsConn{conn: conn}, nil
}

// redactKey keeps the API key out of errors that echo the request URL.
func redactKey(err error, cred auth.Credential) error {
	v := cred.Value()
	if v == "" || !strings.Contains(err.Error(), v) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), v, "REDACTED"))
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = c.conn.Close()
	})
	return err
}

// IsNormalClosure reports whether err is the peer closing with 1000 or 1001.
func IsNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
