package cluster

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * 选举与自动故障转移
 * ============================================================================
 *
 * 副本一侧：发现自己的主节点进入 FAIL 后，不立即发起选举，而是按照
 * "排名"延后一段时间——排名靠前（复制偏移量更大）的副本更快触发，
 * 给它机会在排名靠后的副本超时之前先行当选，减少多个副本同时拉票、
 * 选票被瓜分导致这一轮集体失败的概率：
 *
 *     T = now + 500ms + random(0, 500ms) + rank * 1000ms
 *
 * rank 是该副本在同一主节点全部副本里，按复制偏移量降序排序的名次
 * （0 表示偏移量最大，最该当选）。
 *
 * 主节点一侧：收到 AUTH-REQUEST 时按 7 条规则决定是否投票（见
 * ShouldGrantVote 的注释），每个 epoch 至多投一票。候选人需要达到
 * floor(N/2)+1 张不同主节点的赞成票才能当选，当选后提升自己的角色，
 * 原主节点持有的全部槽位以新的（更大的）config epoch 重新声明。
 */

const (
	electionBaseDelay   = 500 * time.Millisecond
	electionJitterSpan  = 500 * time.Millisecond
	electionRankSpacing = 1000 * time.Millisecond
)

// ElectionState 跟踪本地节点（作为候选人）当前进行中的一轮选举。
type ElectionState struct {
	mu sync.Mutex

	pendingMaster string    // 正在等待故障转移的主节点 id，空表示当前无待决选举
	fireAt        time.Time // 排名延迟到期的时间点
	epoch         int64     // 本轮候选发起时使用的 epoch（AUTH-REQUEST 里携带）
	votesGranted  map[string]bool
	forceack      bool
}

// Coordinator 运行选举/自动故障转移流程。
type Coordinator struct {
	registry    *Registry
	slots       *SlotMap
	links       *Manager
	epochs      *EpochCounter
	nodeTimeout time.Duration
	log         *logrus.Entry

	state ElectionState

	lastVotedEpoch map[string]int64     // 作为投票者时，每个 epoch 最多投一票
	lastVoteAt     map[string]time.Time // 按候选人所属主节点 id 记录上次投票时间，用于反抖动
	lastVoteMu     sync.Mutex
}

// EpochCounter 是全局 current_epoch 的线程安全包装，由 cluster.go 持有
// 并在 SETSLOT/BUMPEPOCH/选举中统一驱动，保证同一时刻只有一个递增来源。
type EpochCounter struct {
	mu    sync.Mutex
	value int64
}

func NewEpochCounter(initial int64) *EpochCounter { return &EpochCounter{value: initial} }

func (c *EpochCounter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Bump 原子地把计数器提升到至少 min，并返回提升后的值。
func (c *EpochCounter) Bump(min int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if min > c.value {
		c.value = min
	}
	c.value++
	return c.value
}

// NewCoordinator 创建一个选举协调器。nodeTimeout 用于推导反抖动投票
// 窗口（2 * nodeTimeout）：同一个失败主节点的连续多轮选举之间，投票者
// 不应该在这个窗口内重复对它的副本投票。
func NewCoordinator(registry *Registry, slots *SlotMap, links *Manager, epochs *EpochCounter, nodeTimeout time.Duration, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		registry:       registry,
		slots:          slots,
		links:          links,
		epochs:         epochs,
		nodeTimeout:    nodeTimeout,
		log:            log,
		lastVotedEpoch: make(map[string]int64),
		lastVoteAt:     make(map[string]time.Time),
	}
}

// rankAmong 计算 self 在 replicas（含 self）里按复制偏移量降序排序的名次。
func rankAmong(selfID string, replicas []*Node) int {
	type scored struct {
		id     string
		offset int64
	}
	scores := make([]scored, 0, len(replicas))
	for _, r := range replicas {
		off, _ := r.snapshotOffset()
		scores = append(scores, scored{id: r.ID, offset: off})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].offset > scores[j].offset })
	for i, s := range scores {
		if s.id == selfID {
			return i
		}
	}
	return len(scores)
}

// ScheduleFailover 在副本发现自己的主节点进入 FAIL 时调用，计算排名
// 延迟并记录待触发时间；真正发起 AUTH-REQUEST 由 cron.go 在 fireAt
// 到达时调用 MaybeStartElection。
func (c *Coordinator) ScheduleFailover(masterID string, now time.Time) {
	self := c.registry.Self()
	if self == nil {
		return
	}
	replicas := c.registry.ReplicasOf(masterID)
	rank := rankAmong(self.ID, replicas)

	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.pendingMaster == masterID {
		return // 已经在等待这个主节点的选举窗口
	}
	c.state.pendingMaster = masterID
	jitter := time.Duration(rand.Int63n(int64(electionJitterSpan)))
	c.state.fireAt = now.Add(electionBaseDelay + jitter + time.Duration(rank)*electionRankSpacing)
	c.log.WithFields(logrus.Fields{"master": masterID, "rank": rank, "fire_at": c.state.fireAt}).Info("cluster: scheduled failover election")
}

// CancelFailover 取消本地待触发的选举：清除待决主节点和已收集的选票。
func (c *Coordinator) CancelFailover() {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.pendingMaster = ""
	c.state.votesGranted = nil
}

// MaybeStartElection 由 cron.go 每个周期调用；如果存在一个已到期的
// 待决选举窗口，发起新一轮 AUTH-REQUEST 广播。forceack 为真（手动故障
// 转移）时不等待排名延迟，只要存在待决选举就立即发起。
func (c *Coordinator) MaybeStartElection(now time.Time, forceack bool) {
	c.state.mu.Lock()
	if c.state.pendingMaster == "" || (!forceack && now.Before(c.state.fireAt)) {
		c.state.mu.Unlock()
		return
	}
	epoch := c.epochs.Bump(c.epochs.Current())
	c.state.epoch = epoch
	c.state.votesGranted = make(map[string]bool)
	c.state.forceack = forceack
	c.state.mu.Unlock()

	self := c.registry.Self()
	if self == nil {
		return
	}
	self.VotedTime = now
	auth := &AuthPayload{Epoch: epoch, Force: forceack}
	if self.MasterID != "" {
		for _, slot := range c.slots.SlotsOwnedBy(self.MasterID) {
			auth.ClaimedSlots[slot/8] |= 1 << uint(slot%8)
		}
	}
	frame := &Frame{
		Header: Header{Type: MsgAuthRequest, SenderID: self.ID, CurrentEpoch: epoch, ConfigEpoch: self.ConfigEpoch},
		Auth:   auth,
	}
	c.links.Broadcast(frame)
	c.log.WithFields(logrus.Fields{"epoch": epoch, "forceack": forceack}).Info("cluster: broadcasting AUTH-REQUEST")
}

// HandleAuthAck 记录一张收到的赞成票；如果达到法定人数就触发提升。
func (c *Coordinator) HandleAuthAck(voterID string, epoch int64, now time.Time) {
	c.state.mu.Lock()
	if c.state.pendingMaster == "" || epoch != c.state.epoch {
		c.state.mu.Unlock()
		return
	}
	c.state.votesGranted[voterID] = true
	granted := len(c.state.votesGranted)
	masterID := c.state.pendingMaster
	c.state.mu.Unlock()

	quorum := c.registry.QuorumSize(c.slots)
	if granted >= quorum {
		c.promoteSelf(masterID, now)
	}
}

// promoteSelf 执行当选后的角色转换：清除 REPLICA，置位 MASTER，接管原
// 主节点的全部槽位并以新的、更大的 config epoch 重新声明它们。
func (c *Coordinator) promoteSelf(formerMasterID string, now time.Time) {
	self := c.registry.Self()
	if self == nil {
		return
	}
	c.state.mu.Lock()
	c.state.pendingMaster = ""
	c.state.votesGranted = nil
	c.state.mu.Unlock()

	newEpoch := c.epochs.Bump(c.epochs.Current())

	self.mu.Lock()
	self.Flags &^= FlagReplica
	self.Flags |= FlagMaster
	self.MasterID = ""
	self.ConfigEpoch = newEpoch
	self.mu.Unlock()

	slots := c.slots.SlotsOwnedBy(formerMasterID)
	for _, slot := range slots {
		c.slots.Assign(slot, self.ID)
	}
	c.log.WithFields(logrus.Fields{"former_master": formerMasterID, "new_epoch": newEpoch, "slots": len(slots)}).Warn("cluster: promoted to master via election")
}

// ShouldGrantVote 实现主节点一侧的投票规则：
//  1. 本地投票者自己必须是一个持有至少一个槽位的主节点（非投票者被忽略，
//     否则副本或尚未持有槽位的主节点投出的票会被计入法定人数）。
//  2. 请求的 epoch 必须不小于本地的 current_epoch（否则是过时的请求）。
//  3. 本 epoch 内尚未对同一个候选人所属主节点投过票。
//  4. 候选人必须是某个主节点的已知副本（不是裸节点）。
//  5. 候选人所属的主节点当前处于 FAIL 状态（除非携带 FORCEACK）。
//  6. 候选人声称即将接管的每一个槽位，其当前所有者的 config epoch 都
//     必须严格小于候选人的请求 epoch，否则存在一个 epoch 更高或相等的
//     所有者仍然认为自己合法持有该槽，贸然投票会制造脑裂。
//  7. 距离上一次对同一个主节点的副本投票，至少经过 2 * node_timeout
//     （避免针对同一次故障连续重复投票，窗口按候选人所属主节点分别
//     计算，而不是一个全局的单一时间戳）。
func (c *Coordinator) ShouldGrantVote(candidate *Node, requestEpoch int64, force bool, claimedSlots [NumSlots / 8]byte, now time.Time) error {
	self := c.registry.Self()
	if self == nil || !self.IsMaster() || c.slots.CountOwnedBy(self.ID) == 0 {
		return ErrVoterNotEligible
	}

	currentEpoch := c.epochs.Current()
	if requestEpoch < currentEpoch {
		return ErrVoterNotEligible
	}
	if candidate.MasterID == "" {
		return ErrVoterNotEligible
	}

	c.lastVoteMu.Lock()
	lastEpoch, voted := c.lastVotedEpoch[candidate.MasterID]
	lastAt, votedRecently := c.lastVoteAt[candidate.MasterID]
	c.lastVoteMu.Unlock()
	if voted && lastEpoch == requestEpoch {
		return ErrAlreadyVoted
	}
	if votedRecently && now.Sub(lastAt) < 2*c.nodeTimeout {
		return ErrAlreadyVoted
	}

	master, ok := c.registry.Get(candidate.MasterID)
	if !ok {
		return ErrVoterNotEligible
	}
	if !master.HasFlag(FlagFail) && !force {
		return ErrVoterNotEligible
	}

	for slot := 0; slot < NumSlots; slot++ {
		if claimedSlots[slot/8]&(1<<uint(slot%8)) == 0 {
			continue
		}
		owner := c.slots.Owner(slot)
		if owner == "" || owner == candidate.MasterID {
			continue
		}
		if ownerNode, ok := c.registry.Get(owner); ok && ownerNode.ConfigEpoch >= requestEpoch {
			return ErrVoterNotEligible
		}
	}

	c.lastVoteMu.Lock()
	c.lastVotedEpoch[candidate.MasterID] = requestEpoch
	c.lastVoteAt[candidate.MasterID] = now
	c.lastVoteMu.Unlock()
	self.VotedTime = now
	return nil
}

// GrantVote 向候选人发送一张 AUTH-ACK。
func (c *Coordinator) GrantVote(candidateID string, epoch int64) {
	link, ok := c.links.Get(candidateID)
	if !ok {
		return
	}
	self := c.registry.Self()
	frame := &Frame{
		Header: Header{Type: MsgAuthAck, SenderID: self.ID, CurrentEpoch: epoch},
		Auth:   &AuthPayload{Epoch: epoch},
	}
	link.Send(frame)
}

// ResolveConfigEpochCollision 实现 config epoch 冲突的确定性仲裁：两个
// 节点以相同的 config epoch 声明重叠的槽位归属时，标识符字典序更大的
// 一方把自己的 config epoch 提升为全局新高位，从而赢得后续的歧义裁决。
// 这是故意设计成确定性而非随机的——否则不同节点各自的 gossip 视图可能
// 在同一场冲突里收敛到不同的"赢家"。
func (c *Coordinator) ResolveConfigEpochCollision(a, b *Node) {
	if a.ConfigEpoch != b.ConfigEpoch {
		return
	}
	winner := a
	if b.ID > a.ID {
		winner = b
	}
	newEpoch := c.epochs.Bump(c.epochs.Current())
	winner.mu.Lock()
	winner.ConfigEpoch = newEpoch
	winner.mu.Unlock()
	c.log.WithFields(logrus.Fields{"winner": winner.ID, "new_epoch": newEpoch}).Info("cluster: resolved config epoch collision")
}
