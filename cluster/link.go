package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * 对等链路 - Link
 * ============================================================================
 *
 * 单线程协作式的并发模型要求集群状态不被多个 goroutine 直接持有锁
 * 竞争，但真正意义上的"无线程事件循环"（select 在一组 fd 上等
 * 就绪）在 Go 里没有地道写法。net.Conn 是阻塞式的，runtime 自己用
 * netpoller 把它伪装成同步接口。这里采用"每条连接一个 goroutine"的
 * 折中做法，并收紧成：每条 Link 只有一个专职的阻塞读 goroutine，它不
 * 接触任何集群状态，只负责把完整的帧喂给一个 channel；真正的状态修改
 * 全部发生在 Cron 驱动的单一 goroutine 里消费这个 channel。写方向同理，
 * 有一个专职写 goroutine 消费发送队列，调用方只把帧排进队列，不直接
 * 做阻塞写。
 */

const (
	minParseBuffer = 1 << 10        // 1 KiB
	maxParseBuffer = 1 << 20        // 1 MiB
	dialTimeout    = 3 * time.Second
	writeTimeout   = 2 * time.Second
)

// LinkState 描述一条对等链路的生命周期阶段。
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkEstablished
	LinkClosed
)

// Link 是到单个对等节点的一条双工集群总线连接。
type Link struct {
	mu    sync.Mutex
	conn  net.Conn
	state LinkState

	PeerID   string // 握手完成前为空
	PeerAddr string

	outbox chan *Frame
	inbox  chan<- *Frame // 共享给 Manager，解码后的帧投递到这里

	closeOnce sync.Once
	done      chan struct{}

	log *logrus.Entry
}

// newLink 包装一个已经建立（或刚刚被动接受）的连接。
func newLink(conn net.Conn, peerAddr string, inbox chan<- *Frame, log *logrus.Entry) *Link {
	l := &Link{
		conn:     conn,
		state:    LinkConnecting,
		PeerAddr: peerAddr,
		outbox:   make(chan *Frame, 64),
		inbox:    inbox,
		done:     make(chan struct{}),
		log:      log,
	}
	return l
}

// Dial 主动连接一个对等节点的总线端口。
func Dial(addr string, inbox chan<- *Frame, log *logrus.Entry) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
	}
	return newLink(conn, addr, inbox, log), nil
}

// Start 启动本链路的读写 goroutine。
func (l *Link) Start() {
	l.mu.Lock()
	l.state = LinkEstablished
	l.mu.Unlock()
	go l.readLoop()
	go l.writeLoop()
}

// Send 把一帧排入发送队列；队列满（对端长期不消费）时关闭这条链路并丢弃
// 该帧，而不是无界增长内存或阻塞调用方。
func (l *Link) Send(f *Frame) {
	select {
	case l.outbox <- f:
	default:
		l.log.WithField("peer", l.PeerAddr).Warn("cluster: outbox full, tearing down link")
		l.Close()
	}
}

// Close 幂等地关闭底层连接并停止读写 goroutine。
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = LinkClosed
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

// State 返回当前链路状态。
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case f, ok := <-l.outbox:
			if !ok {
				return
			}
			raw, err := Encode(f)
			if err != nil {
				l.log.WithError(err).Error("cluster: encode frame")
				continue
			}
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := l.conn.Write(raw); err != nil {
				l.log.WithError(err).WithField("peer", l.PeerAddr).Warn("cluster: write failed, closing link")
				l.Close()
				return
			}
		}
	}
}

// readLoop 经由一个 1 KiB 的 bufio 读取器读帧：先读出签名、版本和声明的
// 总长度，再按声明长度一次性分配整帧缓冲区读完剩余部分（不做倍增扩容）；
// 声明长度超过 1 MiB 视为协议违规，拆除链路。
func (l *Link) readLoop() {
	defer l.Close()
	br := bufio.NewReaderSize(l.conn, minParseBuffer)
	header := make([]byte, 10) // signature(4) + version(2) + length(4)

	for {
		select {
		case <-l.done:
			return
		default:
		}

		if _, err := io.ReadFull(br, header); err != nil {
			if err != io.EOF {
				l.log.WithError(err).WithField("peer", l.PeerAddr).Debug("cluster: read header failed")
			}
			return
		}
		if string(header[0:4]) != signature {
			l.log.WithField("peer", l.PeerAddr).Warn("cluster: bad signature, closing link")
			return
		}
		length := binary.BigEndian.Uint32(header[6:10])
		if length > maxParseBuffer {
			l.log.WithField("peer", l.PeerAddr).WithField("length", length).Warn("cluster: frame exceeds max buffer, closing link")
			return
		}

		buf := make([]byte, length)
		copy(buf, header)
		if _, err := io.ReadFull(br, buf[len(header):]); err != nil {
			l.log.WithError(err).WithField("peer", l.PeerAddr).Debug("cluster: read body failed")
			return
		}

		frame, err := Decode(buf)
		if err != nil {
			l.log.WithError(err).WithField("peer", l.PeerAddr).Warn("cluster: decode failed, closing link")
			return
		}

		select {
		case l.inbox <- frame:
		case <-l.done:
			return
		}
	}
}

// Manager 持有本地节点到所有已知对等节点的链路集合，按标识符索引。
type Manager struct {
	mu    sync.RWMutex
	links map[string]*Link // 键是 PeerID；握手完成前以地址为临时键
	inbox chan *Frame
	log   *logrus.Entry
}

// NewManager 创建一个链路管理器，inboxSize 控制解码后帧的缓冲深度。
func NewManager(inboxSize int, log *logrus.Entry) *Manager {
	return &Manager{
		links: make(map[string]*Link),
		inbox: make(chan *Frame, inboxSize),
		log:   log,
	}
}

// Inbox 返回只读的解码帧通道，Cron 驱动从这里消费。
func (m *Manager) Inbox() <-chan *Frame { return m.inbox }

// Get 按对等节点标识符查找现有链路。
func (m *Manager) Get(peerID string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[peerID]
	return l, ok
}

// Put 注册一条已完成握手的链路（以其 PeerID 为键）。
func (m *Manager) Put(peerID string, l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.PeerID = peerID
	m.links[peerID] = l
}

// Remove 拆除并移除一条链路。
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()
	if ok {
		l.Close()
	}
}

// EnsureConnected 如果该对等节点尚无链路，则拨号 addr（host:busport）
// 并以 peerID 登记新链路；Cron 在回复来自无链路节点的 MEET 时调用它。
// Cron 不做周期性的重连扫描。
func (m *Manager) EnsureConnected(peerID, addr string) error {
	if _, ok := m.Get(peerID); ok {
		return nil
	}
	l, err := Dial(addr, m.inbox, m.log)
	if err != nil {
		return err
	}
	l.Start()
	m.Put(peerID, l)
	return nil
}

// Broadcast 把一帧发给所有已建立的链路（用于 FAIL 消息的全员扩散）。
func (m *Manager) Broadcast(f *Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.links {
		l.Send(f)
	}
}

// All 返回当前已注册链路的快照。
func (m *Manager) All() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// Accept 在总线监听端口上持续接受入站连接，为每条连接创建 Link、启动其
// 读写循环，并以远端地址为键登记。入站链路不会被改为按 PeerID 索引：
// 对入站 PING/MEET 的 PONG 回复走 Get(PeerID) 找到的链路，或 MEET 时由
// EnsureConnected 新拨的出站链路。
func (m *Manager) Accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.log.WithError(err).Warn("cluster: bus listener accept failed")
			return
		}
		l := newLink(conn, conn.RemoteAddr().String(), m.inbox, m.log)
		l.Start()
		m.mu.Lock()
		m.links[conn.RemoteAddr().String()] = l
		m.mu.Unlock()
	}
}
