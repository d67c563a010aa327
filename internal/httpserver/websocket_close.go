package httpserver

import (
	"errors"
	"log/slog"
	"net"

	"github.com/coder/websocket"
)

// closeWebsocket closes conn normally, logging failures other than the
// peer having already gone away.
func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return
	}
	if logger != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}
