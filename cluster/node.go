package cluster

import (
	"fmt"
	"sync"
	"time"
)

/*
 * ============================================================================
 * 节点数据模型 - Node
 * ============================================================================
 *
 * 每个节点以一个 40 位十六进制标识符为键存放在 Registry 中（见 registry.go）。
 * 主从关系、失败报告之间的环状引用一律通过标识符解析，而不是直接持有指针，
 * 这样移除一个节点只需要操作 Registry 这一处，避免环状引用图里出现
 * 悬空指针。
 */

// Flag 是节点角色/健康状态的位标记集合。
type Flag uint32

const (
	FlagMaster Flag = 1 << iota
	FlagReplica
	FlagPFail
	FlagFail
	FlagHandshake
	FlagNoAddr
	FlagNoFlags
	FlagMeet
	FlagMigrateTo
	FlagNoFailover
	FlagMyself
)

func (f Flag) Has(o Flag) bool { return f&o != 0 }

// Addr 是一个节点对外公布的网络地址三元组。
type Addr struct {
	IP            string
	ClientPort    int
	BusPort       int
	PlaintextPort int // 0 表示未公布明文端口
}

// FailureReport 是 (reporter_node, timestamp) 对，挂在被怀疑节点的
// Reports 列表上。报告有效期 = 2 * node_timeout，由 PurgeStaleReports 惰性清理。
type FailureReport struct {
	Reporter  string
	Timestamp time.Time
}

// Node 是集群成员的内存表示。
type Node struct {
	mu sync.RWMutex

	ID    string
	Addr  Addr
	Flags Flag

	ConfigEpoch int64

	ReplOffset    int64
	ReplOffsetAt  time.Time
	PingSent      time.Time
	PongReceived  time.Time
	FailTime      time.Time
	VotedTime     time.Time

	MasterID string   // 空字符串表示本节点是主节点或尚无主节点
	Replicas []string // 仅主节点维护：当前以本节点为 master 的节点标识符集合

	Reports []FailureReport

	// Slots 是该节点拥有的槽位图（16384 位），只在从 nodes.conf 载入时填充；
	// 运行期间的槽位变更只写 SlotMap，不同步到这里。NumSlots 和 Summary
	// 读取它，gossip 头部的槽位图取自 SlotMap.Bitmap。
	Slots *SlotBitmap

	CreatedAt time.Time
}

// NewNode 创建一个新的、尚未分配任何槽的节点记录。
func NewNode(id string, addr Addr, flags Flag) *Node {
	return &Node{
		ID:        id,
		Addr:      addr,
		Flags:     flags,
		Slots:     NewSlotBitmap(),
		CreatedAt: time.Now(),
	}
}

// IsMaster 报告该节点当前是否扮演主节点角色。
func (n *Node) IsMaster() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Flags.Has(FlagMaster)
}

// IsReplica 报告该节点当前是否扮演从节点角色。
func (n *Node) IsReplica() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Flags.Has(FlagReplica)
}

// NumSlots 返回该节点声称拥有的槽位数量。
func (n *Node) NumSlots() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.Slots == nil {
		return 0
	}
	return n.Slots.Count()
}

// SetFlag 原子地置位一个或多个标记。
func (n *Node) SetFlag(f Flag) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Flags |= f
}

// ClearFlag 原子地清除一个或多个标记。
func (n *Node) ClearFlag(f Flag) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Flags &^= f
}

// HasFlag 原子地读取标记集合的交集是否非空。
func (n *Node) HasFlag(f Flag) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Flags.Has(f)
}

// MarkFail 置位 FAIL 标记并记录 fail_time（不变量 (iv)：fail_time 非零当且
// 仅当 FAIL 标记被置位）。
func (n *Node) MarkFail(at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Flags |= FlagFail
	n.Flags &^= FlagPFail
	n.FailTime = at
}

// ClearFail 清除 FAIL 标记并将 fail_time 归零。
func (n *Node) ClearFail() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Flags &^= FlagFail
	n.FailTime = time.Time{}
}

// AddFailureReport 记录一条来自 reporter 的失败报告（去重：同一 reporter
// 的旧报告被替换为新时间戳）。
func (n *Node) AddFailureReport(reporter string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.Reports {
		if n.Reports[i].Reporter == reporter {
			n.Reports[i].Timestamp = at
			return
		}
	}
	n.Reports = append(n.Reports, FailureReport{Reporter: reporter, Timestamp: at})
}

// PurgeStaleReports 惰性清除超过有效期窗口的失败报告，返回剩余报告的
// reporter 标识符集合。
func (n *Node) PurgeStaleReports(window time.Duration, now time.Time) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	fresh := n.Reports[:0]
	for _, r := range n.Reports {
		if now.Sub(r.Timestamp) <= window {
			fresh = append(fresh, r)
		}
	}
	n.Reports = fresh
	out := make([]string, len(fresh))
	for i, r := range fresh {
		out[i] = r.Reporter
	}
	return out
}

// snapshotOffset 原子地读取复制偏移量及其采集时间，供选举排名使用。
func (n *Node) snapshotOffset() (int64, time.Time) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ReplOffset, n.ReplOffsetAt
}

// SetReplOffset 更新节点的复制偏移量（由 gossip 帧或本地复制流驱动）。
func (n *Node) SetReplOffset(offset int64, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ReplOffset = offset
	n.ReplOffsetAt = at
}

// String 以 NODES 转储使用的 flags-csv 形式返回该节点的主要角色标记。
func (n *Node) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return flagsToCSV(n.Flags)
}

// Summary 返回一行适合人眼查看的节点摘要（id、地址、角色、已拥有槽数），
// 供独立于 Cluster 组合根之外的只读观测工具（cmd/server 的 cluster
// nodes 子命令、main.go 的管理面板）使用——它们只加载了 nodes.conf，
// 没有一个活跃的 SlotMap 可以喂给 formatNodeLine。
func (n *Node) Summary() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	master := "-"
	if n.MasterID != "" {
		master = n.MasterID
	}
	slots := 0
	if n.Slots != nil {
		slots = n.Slots.Count()
	}
	return fmt.Sprintf("%s %s:%d@%d %s master=%s epoch=%d slots=%d",
		n.ID, n.Addr.IP, n.Addr.ClientPort, n.Addr.BusPort, flagsToCSV(n.Flags), master, n.ConfigEpoch, slots)
}

func flagsToCSV(f Flag) string {
	type pair struct {
		flag Flag
		name string
	}
	all := []pair{
		{FlagMyself, "myself"},
		{FlagMaster, "master"},
		{FlagReplica, "slave"},
		{FlagPFail, "fail?"},
		{FlagFail, "fail"},
		{FlagHandshake, "handshake"},
		{FlagNoAddr, "noaddr"},
		{FlagNoFlags, "noflags"},
		{FlagMeet, "meet"},
		{FlagMigrateTo, "migrate-to"},
		{FlagNoFailover, "nofailover"},
	}
	out := ""
	for _, p := range all {
		if f.Has(p.flag) {
			if out != "" {
				out += ","
			}
			out += p.name
		}
	}
	if out == "" {
		return "noflags"
	}
	return out
}
