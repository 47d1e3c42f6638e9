package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/DroneLeaf/petal-app-manager/internal/petal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MountPetal wires a loaded petal's HTTP and WebSocket endpoints under
// /petals/{name}/..., if it implements the corresponding mount
// interfaces. Called once per petal right after it loads successfully.
func (s *Server) MountPetal(name string, p petal.Petal) {
	prefix := fmt.Sprintf("/petals/%s/", name)

	if mounter, ok := p.(petal.HTTPMounter); ok {
		sub := http.NewServeMux()
		mounter.MountHTTP(sub)
		s.mux.Handle(prefix, http.StripPrefix(prefix[:len(prefix)-1], sub))
	}

	if wsMounter, ok := p.(petal.WebSocketMounter); ok {
		handler := wsMounter.MountWebSocket(upgrader)
		s.mux.HandleFunc(prefix+"ws", handler)
	}
}
