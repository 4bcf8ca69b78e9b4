package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/screamatthewind/novel/pkg/types"
)

// Service 把事件扇出给所有已订阅的 WebSocket 客户端
type Service struct {
	events chan types.Event
	done   chan struct{}
	once   sync.Once

	mutex   sync.Mutex
	clients map[*Client]struct{}
}

// Client 表示一个WebSocket客户端
type Client struct {
	Send chan types.Event
}

// NewService 创建广播服务，buffer 为待发送事件队列长度
func NewService(buffer int) *Service {
	if buffer <= 0 {
		buffer = 100
	}
	return &Service{
		events:  make(chan types.Event, buffer),
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Run 分发事件直到 ctx 结束或 Close 被调用。跟不上的客户端会被断开。
func (b *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.Close()
			b.dropAll()
			return
		case <-b.done:
			b.dropAll()
			return
		case ev := <-b.events:
			b.mutex.Lock()
			for client := range b.clients {
				select {
				case client.Send <- ev:
				default:
					delete(b.clients, client)
					close(client.Send)
				}
			}
			b.mutex.Unlock()
		}
	}
}

func (b *Service) dropAll() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for client := range b.clients {
		delete(b.clients, client)
		close(client.Send)
	}
}

// Publish 投递事件，队列已满或服务已关闭时丢弃并返回 false
func (b *Service) Publish(ev types.Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	if ev.Timestamp == "" {
		ev.Timestamp = GetTimeStr()
	}
	select {
	case b.events <- ev:
		return true
	default:
		return false
	}
}

// SendLog 发送日志消息
func (b *Service) SendLog(toolName, msg string) bool {
	return b.Publish(types.Event{ToolName: toolName, Type: types.EventLog, Message: msg})
}

// SendEvent 发送带数据的事件
func (b *Service) SendEvent(toolName, eventType, msg string, data interface{}) bool {
	return b.Publish(types.Event{ToolName: toolName, Type: eventType, Message: msg, Data: data})
}

// Subscribe 注册客户端
func (b *Service) Subscribe() *Client {
	client := &Client{Send: make(chan types.Event, 256)}
	b.mutex.Lock()
	b.clients[client] = struct{}{}
	b.mutex.Unlock()
	return client
}

// Unsubscribe 注销客户端
func (b *Service) Unsubscribe(client *Client) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.Send)
	}
}

// Clients 当前客户端数
func (b *Service) Clients() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.clients)
}

// Close 关闭广播服务
func (b *Service) Close() {
	b.once.Do(func() { close(b.done) })
}

func GetTimeStr() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
