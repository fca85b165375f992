package cluster

import (
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * 故障检测状态机 - OK / PFAIL / FAIL
 * ============================================================================
 *
 * 本地判定 PFAIL 是纯粹的本地观察：一个节点超过 node_timeout 没有收到
 * 期望的 PONG。PFAIL 只存在于发现它的那个节点的视野里，不会单独散播
 * 成为全局事实。
 *
 * FAIL 需要法定人数：当一个节点自己的 PFAIL 判断，加上通过 gossip 收到
 * 的其它主节点对同一节点的失败报告（经过 2×node_timeout 老化窗口过滤），
 * 合计达到 floor(N/2)+1 个不同的主节点时，本地把该节点标记为 FAIL 并
 * 向全员广播一条 FAIL 消息，让收到的节点无需等待自己的法定人数收敛就
 * 能立即采信（FAIL 是自扩散的，PFAIL 不是）。
 *
 * 从 PFAIL/FAIL 回到 OK：收到该节点自己的合法 PONG 时清除 PFAIL；FAIL
 * 只对副本和不持有槽位的主节点在收到 PONG 时清除，仍持有槽位的 FAIL
 * 主节点保持 FAIL（见 ClearFailOnPong）。
 */

// FAIL_UNDO_TIME_MULT 的取值。ClearFailOnPong 不使用它：持有槽位的 FAIL
// 主节点重新可达后不论 FAIL 已持续多久都保持 FAIL。
const failUndoTimeMult = 2

// Detector 在 Registry 之上运行故障检测状态机。
type Detector struct {
	registry    *Registry
	slots       *SlotMap
	links       *Manager
	nodeTimeout time.Duration
	onFail      func(nodeID string)
	log         *logrus.Entry
}

// NewDetector 创建一个故障检测器。onFail 在某节点首次被本地判定为 FAIL
// 时调用，供 cluster.go 触发广播和（如果是主节点）选举评估。
func NewDetector(registry *Registry, slots *SlotMap, links *Manager, nodeTimeout time.Duration, onFail func(string), log *logrus.Entry) *Detector {
	return &Detector{registry: registry, slots: slots, links: links, nodeTimeout: nodeTimeout, onFail: onFail, log: log}
}

// reportWindow 是失败报告的有效期：超过这个窗口的报告被视为陈旧，
// 在法定人数计算中不再计入。
func (d *Detector) reportWindow() time.Duration {
	return 2 * d.nodeTimeout
}

// Tick 在每个 cron 周期调用一次，对所有已知节点运行一轮状态评估。
func (d *Detector) Tick(now time.Time) {
	myID := d.registry.MyID()
	for _, n := range d.registry.All() {
		if n.ID == myID {
			continue
		}
		d.evaluate(n, now)
	}
}

func (d *Detector) evaluate(n *Node, now time.Time) {
	n.mu.RLock()
	pingSent := n.PingSent
	pongReceived := n.PongReceived
	alreadyFail := n.Flags.Has(FlagFail)
	alreadyPFail := n.Flags.Has(FlagPFail)
	n.mu.RUnlock()

	_, linked := d.links.Get(n.ID)

	// 本地 PFAIL 判断：已经发过 PING 但超过 node_timeout 没等到 PONG，
	// 或者链路已经被拆除（I/O 失败本身就是强烈的不可达信号）。
	locallyUnresponsive := !linked
	if linked && !pingSent.IsZero() && pongReceived.Before(pingSent) && now.Sub(pingSent) > d.nodeTimeout {
		locallyUnresponsive = true
	}

	if locallyUnresponsive && !alreadyPFail && !alreadyFail {
		n.SetFlag(FlagPFail)
		d.log.WithField("node", n.ID).Info("cluster: marking node PFAIL")
	} else if !locallyUnresponsive && alreadyPFail && !alreadyFail {
		// 本地观察恢复，但只有在没有其它节点坚持怀疑（报告集合为空）
		// 时才清除 PFAIL，否则等它们的报告过期或者直接等法定人数达成 FAIL。
		window := d.reportWindow()
		if len(n.PurgeStaleReports(window, now)) == 0 {
			n.ClearFlag(FlagPFail)
		}
	}

	if alreadyFail {
		return
	}

	suspectCount := 0
	reporters := n.PurgeStaleReports(d.reportWindow(), now)
	countedMasters := make(map[string]bool, len(reporters)+1)
	for _, r := range reporters {
		if reporter, ok := d.registry.Get(r); ok && reporter.IsMaster() {
			countedMasters[r] = true
		}
	}
	if n.HasFlag(FlagPFail) {
		if self := d.registry.Self(); self != nil && self.IsMaster() {
			countedMasters[self.ID] = true
		}
	}
	suspectCount = len(countedMasters)

	quorum := d.registry.QuorumSize(d.slots)
	if suspectCount >= quorum && n.HasFlag(FlagPFail) {
		n.MarkFail(now)
		d.log.WithFields(logrus.Fields{"node": n.ID, "suspects": suspectCount, "quorum": quorum}).Warn("cluster: node reached FAIL quorum")
		if d.onFail != nil {
			d.onFail(n.ID)
		}
	}
}

// HandleFailMessage 处理收到的 FAIL 广播：立即采信，无需本地法定人数。
func (d *Detector) HandleFailMessage(nodeID string, now time.Time) {
	n, ok := d.registry.Get(nodeID)
	if !ok {
		return
	}
	if n.HasFlag(FlagFail) {
		return
	}
	n.MarkFail(now)
	d.log.WithField("node", nodeID).Warn("cluster: FAIL accepted via broadcast")
	if d.onFail != nil {
		d.onFail(nodeID)
	}
}

// ClearFailOnPong 在收到某节点合法 PONG 时调用：如果它之前被标记
// PFAIL/FAIL，现在恢复可达，按规则清除标记。
//
// 对于仍然持有槽位的已 FAIL 主节点重新可达的情况：一个带槽位的 FAIL
// 主节点不会仅因为重新可达就自动回到 OK，它必须等待 CLUSTER FORGET/RESET，
// 或者等待某个副本完成选举、用更大的 config epoch 重新声明了它的槽位
// 之后，它的 FAIL 状态才会被覆盖。没有槽位的 FAIL 节点（或 replica）
// 在重新可达后可以直接恢复。
func (d *Detector) ClearFailOnPong(n *Node, slots *SlotMap, now time.Time) {
	n.mu.RLock()
	hadFail := n.Flags.Has(FlagFail)
	isMaster := n.Flags.Has(FlagMaster)
	n.mu.RUnlock()

	n.ClearFlag(FlagPFail)
	n.PurgeStaleReports(d.reportWindow(), now)

	if !hadFail {
		return
	}
	if isMaster && slots.CountOwnedBy(n.ID) > 0 {
		d.log.WithField("node", n.ID).Info("cluster: stale master reachable again but retains FAIL until slots are reclaimed or operator intervenes")
		return
	}
	n.ClearFail()
	d.log.WithField("node", n.ID).Info("cluster: FAIL cleared after node became reachable again")
}
