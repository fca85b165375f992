package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * 手动故障转移 - CLUSTER FAILOVER
 * ============================================================================
 *
 * 与自动故障转移不同，手动故障转移是运维在副本上发起的、没有数据丢失
 * 窗口的计划内主从切换：
 *
 *   1. 副本向当前主节点发送 MFSTART。
 *   2. 主节点暂停接受写命令（PAUSED），把自己当前的复制偏移量作为
 *      "目标偏移量"告知副本（复用 MFSTART 帧的 payload 回传）。
 *   3. 副本等待自己的复制偏移量追上目标偏移量，此时可以保证没有任何
 *      已经被主节点确认的写命令会在切换后丢失。
 *   4. 副本发起选举（带 FORCEACK，因为主节点此刻并未处于 FAIL 状态，
 *      常规投票规则的"主节点必须 FAIL"这一条在这里被显式绕过）。
 *   5. 主节点的暂停状态在一个安全超时（manualFailoverPauseTimeout）后
 *      自行结束，防止手动故障转移半途而废导致集群长期不可写；副本当选
 *      并不会提前结束主节点一侧的暂停。
 *
 * CLUSTER FAILOVER FORCE 跳过步骤 2/3 的偏移量等待，直接进入选举——
 * 用于主节点本身已经无响应、无法协调暂停的紧急场景。
 */

const manualFailoverPauseTimeout = 10 * time.Second

type mfPhase int

const (
	mfIdle mfPhase = iota
	mfRequested      // 副本已发出 MFSTART，等待主节点的偏移量回执
	mfWaitingOffset  // 已收到目标偏移量，等待本地复制追上
	mfReady          // 偏移量已追上，可以发起选举
)

// ManualFailover 在副本一侧跟踪一次手动故障转移握手的进度；主节点一侧
// 的暂停状态由 paused/pauseExpiry 字段单独维护，因为同一个 Cluster 实例在
// 不同角色下只会用到其中一套状态。
type ManualFailover struct {
	mu sync.Mutex

	phase        mfPhase
	masterID     string
	targetOffset int64
	startedAt    time.Time

	paused      bool // 本节点作为主节点时，是否正处于手动故障转移的写暂停期
	pauseExpiry time.Time

	coordinator *Coordinator
	registry    *Registry
	log         *logrus.Entry
}

// NewManualFailover 创建一个手动故障转移跟踪器。
func NewManualFailover(coordinator *Coordinator, registry *Registry, log *logrus.Entry) *ManualFailover {
	return &ManualFailover{coordinator: coordinator, registry: registry, log: log}
}

// Start 由副本节点的 CLUSTER FAILOVER 命令处理器调用。force 为真时跳过
// 偏移量等待，直接安排一次 FORCEACK 选举。
func (m *ManualFailover) Start(masterID string, links *Manager, force bool, now time.Time) error {
	self := m.registry.Self()
	if self == nil || !self.IsReplica() {
		return ErrNotReplica
	}

	m.mu.Lock()
	m.phase = mfRequested
	m.masterID = masterID
	m.startedAt = now
	m.mu.Unlock()

	if force {
		m.mu.Lock()
		m.phase = mfReady
		m.mu.Unlock()
		m.coordinator.ScheduleFailover(masterID, now)
		m.coordinator.MaybeStartElection(now, true)
		return nil
	}

	link, ok := links.Get(masterID)
	if !ok {
		return ErrNodeNotFound
	}
	link.Send(&Frame{
		Header: Header{Type: MsgMFStart, SenderID: self.ID},
		MF:     &MFPayload{MasterOffset: 0},
	})
	return nil
}

// HandleMFStart 是主节点一侧的处理器：进入写暂停状态并把当前复制偏移量
// 回复给发起手动故障转移的副本。
func (m *ManualFailover) HandleMFStart(requester *Node, selfOffset int64, links *Manager, now time.Time) {
	m.mu.Lock()
	m.paused = true
	m.pauseExpiry = now.Add(manualFailoverPauseTimeout)
	m.mu.Unlock()

	m.log.WithField("requester", requester.ID).Info("cluster: pausing writes for manual failover handshake")

	link, ok := links.Get(requester.ID)
	if !ok {
		return
	}
	self := m.registry.Self()
	link.Send(&Frame{
		Header: Header{Type: MsgMFStart, SenderID: self.ID},
		MF:     &MFPayload{MasterOffset: selfOffset},
	})
}

// HandleOffsetReply 在副本收到主节点回传的目标偏移量时调用。
func (m *ManualFailover) HandleOffsetReply(targetOffset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != mfRequested {
		return
	}
	m.targetOffset = targetOffset
	m.phase = mfWaitingOffset
}

// CheckOffsetCaughtUp 由 cron.go 每周期用本地复制偏移量调用；一旦追上
// 目标偏移量就安排一次带 FORCEACK 的选举。
func (m *ManualFailover) CheckOffsetCaughtUp(localOffset int64, now time.Time) {
	m.mu.Lock()
	if m.phase != mfWaitingOffset || localOffset < m.targetOffset {
		m.mu.Unlock()
		return
	}
	masterID := m.masterID
	m.phase = mfReady
	m.mu.Unlock()

	m.coordinator.ScheduleFailover(masterID, now)
	m.coordinator.MaybeStartElection(now, true)
}

// IsPaused 报告本节点当前（作为主节点）是否处于手动故障转移写暂停期；
// 暂停在到期或被清除前阻止普通写命令。
func (m *ManualFailover) IsPaused(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return false
	}
	if now.After(m.pauseExpiry) {
		m.paused = false
		return false
	}
	return true
}

// EndPause 立即清除写暂停状态，不等待 pauseExpiry。
func (m *ManualFailover) EndPause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Reset 放弃当前正在进行的手动故障转移握手（例如运维取消、或者主节点
// 在等待期间被检测为 FAIL，退化为自动故障转移路径）。
func (m *ManualFailover) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = mfIdle
	m.masterID = ""
	m.targetOffset = 0
}
