package engine

import (
	"time"

	"github.com/gorilla/websocket"
)

// controlDeadline bounds how long a control-frame write (ping/pong/close)
// may block the relay goroutine.
const controlDeadline = 5 * time.Second

// relayWebSocket runs the bidirectional message loop between the
// client-facing and origin-facing WebSocket connections until either side
// errors or closes. Both connections are closed on return.
func relayWebSocket(client, origin *websocket.Conn) {
	defer client.Close()
	defer origin.Close()

	done := make(chan struct{}, 2)
	go func() { copyWSMessages(origin, client); done <- struct{}{} }() // client -> origin
	go func() { copyWSMessages(client, origin); done <- struct{}{} }() // origin -> client
	<-done
}

// copyWSMessages reads messages from src and writes their translation to
// dst until src errors. Text and Binary frames are forwarded verbatim;
// Ping and Pong are forwarded as control frames via handlers (gorilla
// answers them internally otherwise and never surfaces them from
// ReadMessage); a Close frame is translated preserving its numeric code and
// text (a Close frame without a code is forwarded without one), and a read
// error that is not a Close frame is forwarded as an abnormal-closure code.
func copyWSMessages(dst, src *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlDeadline))
	})
	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlDeadline))
	})

	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			text := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				text = ce.Text
			}
			dst.WriteControl(websocket.CloseMessage, //nolint:errcheck // best-effort close propagation
				websocket.FormatCloseMessage(code, text), time.Now().Add(controlDeadline))
			return
		}

		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
