package cluster

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * Gossip 调度与摘要选择
 * ============================================================================
 *
 * 每个 cron 周期（100ms，见 cron.go）都会：
 *   1. 对最多一个随机选中的已建立链路发送 PING（每 10 个周期一次，即 1Hz）。
 *   2. 对任何超过 node_timeout/2 没有发送过 PING 的对等节点单独追加 PING，
 *      防止故障检测完全依赖于上面那个低频随机调度而错过超时窗口。
 *
 * 每条 PING/PONG/MEET 都携带一个"摘要"：本地已知节点里随机挑选的一批
 * （至少 3 个，或者总节点数的 1/10，取较大者，但不超过已知节点总数），
 * 外加当前处于 PFAIL 的节点（不占用随机抽样的名额，另有一份同样大小的
 * 配额，因为怀疑信息的扩散速度直接决定了法定人数收敛 FAIL 判定的速度）。
 */

const (
	gossipMinDigest = 3
	gossipDivisor   = 10
)

// Engine 驱动 gossip 调度，读取 Registry 生成摘要，通过 Manager 发送帧。
type Engine struct {
	registry    *Registry
	slots       *SlotMap
	links       *Manager
	nodeTimeout time.Duration
	log         *logrus.Entry
}

// NewEngine 创建一个 gossip 引擎。
func NewEngine(registry *Registry, slots *SlotMap, links *Manager, nodeTimeout time.Duration, log *logrus.Entry) *Engine {
	return &Engine{registry: registry, slots: slots, links: links, nodeTimeout: nodeTimeout, log: log}
}

// digestBudget 计算本次摘要应当携带的随机节点条数。
func (e *Engine) digestBudget() int {
	total := e.registry.Count()
	n := total / gossipDivisor
	if n < gossipMinDigest {
		n = gossipMinDigest
	}
	if n > total {
		n = total
	}
	return n
}

// eligibleForDigest 报告一个节点是否适合出现在摘要里：排除自己、尚未
// 完成握手的节点（对端还不知道该怎么称呼它）、没有公布地址的节点，以及
// 既没有建立链路、又不持有任何槽位的节点。
func (e *Engine) eligibleForDigest(n *Node) bool {
	if n.ID == e.registry.MyID() {
		return false
	}
	if n.HasFlag(FlagHandshake) || n.HasFlag(FlagNoAddr) {
		return false
	}
	if _, connected := e.links.Get(n.ID); !connected && e.slots.CountOwnedBy(n.ID) == 0 {
		return false
	}
	return true
}

// buildDigest 生成一次 PING/PONG/MEET 要携带的对等节点摘要：随机抽样
// + PFAIL 节点（去重），两者都只从 eligibleForDigest 的节点里选取；
// PFAIL 追加使用一份独立的、大小同为 budget 的配额，避免大规模怀疑
// 风暴让单条消息无限膨胀。
func (e *Engine) buildDigest() []Gossip {
	all := e.registry.All()
	budget := e.digestBudget()

	seen := make(map[string]bool, budget)
	var out []Gossip

	candidates := make([]*Node, 0, len(all))
	for _, n := range all {
		if e.eligibleForDigest(n) {
			candidates = append(candidates, n)
		}
	}

	perm := rand.Perm(len(candidates))
	for _, idx := range perm {
		if len(out) >= budget {
			break
		}
		n := candidates[idx]
		out = append(out, toGossip(n))
		seen[n.ID] = true
	}

	pfailAdded := 0
	for _, n := range candidates {
		if pfailAdded >= budget {
			break
		}
		if n.HasFlag(FlagPFail) && !seen[n.ID] {
			out = append(out, toGossip(n))
			seen[n.ID] = true
			pfailAdded++
		}
	}

	return out
}

func toGossip(n *Node) Gossip {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Gossip{
		NodeID:       n.ID,
		IP:           n.Addr.IP,
		ClientPort:   n.Addr.ClientPort,
		BusPort:      n.Addr.BusPort,
		Flags:        n.Flags,
		ConfigEpoch:  n.ConfigEpoch,
		PingSent:     nowMillis(n.PingSent),
		PongReceived: nowMillis(n.PongReceived),
	}
}

// selfHeader 构造携带本地节点完整身份信息的消息头，供 Ping/Pong/Meet
// 复用。currentEpoch 由调用方（cluster.go）传入，因为它是全局纪元计数器，
// 不属于单个 Node 记录。
func (e *Engine) selfHeader(msgType MsgType, currentEpoch int64) Header {
	self := e.registry.Self()
	h := Header{Type: msgType, State: StateOK}
	if self == nil {
		return h
	}
	self.mu.RLock()
	h.SenderID = self.ID
	h.ConfigEpoch = self.ConfigEpoch
	h.ReplOffset = self.ReplOffset
	h.MasterID = self.MasterID
	h.IP = self.Addr.IP
	h.ClientPort = uint16(self.Addr.ClientPort)
	h.BusPort = uint16(self.Addr.BusPort)
	self.mu.RUnlock()
	h.CurrentEpoch = currentEpoch
	copy(h.SlotBitmap[:], e.slots.Bitmap(self.ID).Bytes())
	return h
}

// SendPing 向一个已建立的链路发送一条 PING，并更新本地对该节点的
// ping_sent 时间戳。
func (e *Engine) SendPing(peer *Node, currentEpoch int64) {
	link, ok := e.links.Get(peer.ID)
	if !ok {
		return
	}
	frame := &Frame{Header: e.selfHeader(MsgPing, currentEpoch), Gossips: e.buildDigest()}
	link.Send(frame)
	peer.mu.Lock()
	peer.PingSent = time.Now()
	peer.mu.Unlock()
}

// SendMeet 向一个尚未完成握手的地址发送 MEET，用于主动把新节点引入集群。
func (e *Engine) SendMeet(addr string, currentEpoch int64) error {
	link, err := Dial(addr, e.links.inbox, e.log)
	if err != nil {
		return err
	}
	link.Start()
	e.links.mu.Lock()
	e.links.links[addr] = link
	e.links.mu.Unlock()
	frame := &Frame{Header: e.selfHeader(MsgMeet, currentEpoch), Gossips: e.buildDigest()}
	link.Send(frame)
	return nil
}

// ReplyPong 响应一条收到的 PING/MEET。
func (e *Engine) ReplyPong(link *Link, currentEpoch int64) {
	frame := &Frame{Header: e.selfHeader(MsgPong, currentEpoch), Gossips: e.buildDigest()}
	link.Send(frame)
}

// PickRandomPeer 为低频随机 PING 调度选出一个已建立链路对应的节点，
// 如果当前没有任何对等节点则返回 nil。
func (e *Engine) PickRandomPeer() *Node {
	all := e.registry.All()
	myID := e.registry.MyID()
	candidates := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.ID == myID {
			continue
		}
		if _, ok := e.links.Get(n.ID); ok {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// StalePingTargets 返回超过 node_timeout/2 未被 ping 过的已连接对等节点，
// cron.go 用它来补发 PING，防止纯随机调度漏掉某个节点导致它的超时检测
// 被无限期推迟。
func (e *Engine) StalePingTargets(now time.Time) []*Node {
	threshold := e.nodeTimeout / 2
	var out []*Node
	myID := e.registry.MyID()
	for _, n := range e.registry.All() {
		if n.ID == myID {
			continue
		}
		if _, ok := e.links.Get(n.ID); !ok {
			continue
		}
		n.mu.RLock()
		last := n.PingSent
		n.mu.RUnlock()
		if last.IsZero() || now.Sub(last) >= threshold {
			out = append(out, n)
		}
	}
	return out
}

// MergeGossip 吸收一条收到帧里携带的摘要：对每个条目，如果本地未知就
// 创建一个新的（待完整 handshake 确认的）节点记录；如果已知则用携带
// 的更新信息刷新 epoch。reporter 是转发这份摘要的那一帧的发送者标识符：
// 如果某条目携带 PFAIL/FAIL 标记，就把 reporter 记作一条对该节点的
// 第三方失败报告——真正的本地 PFAIL/FAIL 判定由 failstate.go 基于报告
// 集合和法定人数计算，这里不直接采信远端标记。
func (e *Engine) MergeGossip(reporter string, gossips []Gossip, now time.Time) {
	for _, g := range gossips {
		if g.NodeID == e.registry.MyID() || g.NodeID == "" {
			continue
		}
		existing, ok := e.registry.Get(g.NodeID)
		if !ok {
			if e.registry.IsBlacklisted(g.NodeID) {
				continue
			}
			n := NewNode(g.NodeID, Addr{IP: g.IP, ClientPort: g.ClientPort, BusPort: g.BusPort}, FlagHandshake)
			n.ConfigEpoch = g.ConfigEpoch
			_ = e.registry.Add(n)
			continue
		}
		existing.mu.Lock()
		if g.ConfigEpoch > existing.ConfigEpoch {
			existing.ConfigEpoch = g.ConfigEpoch
		}
		existing.mu.Unlock()
		if reporter != "" && (g.Flags.Has(FlagPFail) || g.Flags.Has(FlagFail)) {
			existing.AddFailureReport(reporter, now)
		}
	}
}
