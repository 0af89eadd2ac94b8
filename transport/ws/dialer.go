// Package ws provides a WebSocket transport for the MQTT client, dialing
// with the "mqtt" subprotocol and presenting the connection as a net.Conn.
package ws

import (
	"context"
	"net"

	"nhooyr.io/websocket"
)

// Dialer dials MQTT-over-WebSocket endpoints ("ws://" and "wss://"). It
// satisfies the client's ContextDialer interface, so it can be passed
// directly to WithDialer.
type Dialer struct {
	// Subprotocols sent during the WebSocket handshake. Defaults to
	// []string{"mqtt"} when empty, per the MQTT specification.
	Subprotocols []string
}

// DialContext dials addr as a WebSocket URL and wraps the resulting stream
// as a net.Conn carrying binary MQTT frames. network is ignored; the scheme
// in addr (ws/wss) determines whether the connection is encrypted.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	subprotocols := d.Subprotocols
	if len(subprotocols) == 0 {
		subprotocols = []string{"mqtt"}
	}

	conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, err
	}

	return websocket.NetConn(ctx, conn, websocket.MessageBinary), nil
}
