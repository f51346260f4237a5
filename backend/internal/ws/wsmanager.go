package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ordererServer/backend/internal/auth"
	"ordererServer/backend/internal/fanout"
	"ordererServer/backend/internal/orderer"
	"ordererServer/backend/internal/store"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Gateway 是面向协议的组件：接客户端连接、驱动握手、
// 把操作/内容/信号路由到 Orderer 和房间注册表
type Gateway struct {
	hub       *Hub
	validator *auth.Validator
	orderers  *orderer.Manager
	contents  store.ContentCollection
	sem       *fanout.SemaphoreControl
}

func NewGateway(hub *Hub, validator *auth.Validator, orderers *orderer.Manager, contents store.ContentCollection, sem *fanout.SemaphoreControl) *Gateway {
	if sem == nil {
		sem = fanout.NewSemaphoreControl()
	}
	return &Gateway{hub: hub, validator: validator, orderers: orderers, contents: contents, sem: sem}
}

func (g *Gateway) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, g.hub, g)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
