package cluster

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * Cron 驱动 - 统一的 10Hz 事件循环
 * ============================================================================
 *
 * 单线程协作式并发模型的核心：所有会修改 Registry/SlotMap/选举状态的
 * 逻辑都只从这一个 goroutine 里触发，读写链路的专职 goroutine（link.go）
 * 只负责 I/O，把解码后的帧喂进 Manager.Inbox()，真正的状态转移发生在
 * 这里的每个 tick 里。这样整个 cluster 包除了 Node/Registry/SlotMap
 * 自身的细粒度锁之外，不需要一把覆盖全部状态的大锁。
 *
 * 每个 tick（100ms）依次执行：
 *   1. 排空 Inbox，处理所有已到达的帧（PING/PONG/MEET/FAIL/AUTH-*/...）。
 *   2. 运行故障检测评估（failstate.go）。
 *   3. 运行选举调度（election.go）：到期的待决选举会被触发。
 *   4. 检查手动故障转移的偏移量是否追上。
 *   5. 按 10 个 tick 一次的频率（1Hz）挑一个随机对等节点发 PING；
 *      此外单独补发给所有超过 node_timeout/2 没 ping 过的对等节点。
 *   6. 如果自上次保存以来状态发生了变化，触发一次 nodes.conf 落盘
 *      （去抖：至多每秒一次，避免槽位频繁变更时疯狂写盘）。
 */

const (
	tickInterval   = 100 * time.Millisecond
	pingEveryTicks = 10
	saveDebounce   = 1 * time.Second
)

// ReplOffsetFunc 由调用方提供，返回本地节点当前的复制偏移量，用于
// 选举排名快照和手动故障转移的偏移量匹配判断。
type ReplOffsetFunc func() int64

// Driver 运行统一的 cron 循环。
type Driver struct {
	registry *Registry
	slots    *SlotMap
	links    *Manager
	gossip   *Engine
	detector *Detector
	election *Coordinator
	manual   *ManualFailover
	topology *TopologyStore
	metrics  *Metrics
	log      *logrus.Entry

	replOffset ReplOffsetFunc
	onMeet     func(frame *Frame, link *Link)

	ticks       int64
	dirty       bool
	lastSave    time.Time
	stopCh      chan struct{}
}

// NewDriver wires all cluster subsystems into one cron loop.
func NewDriver(
	registry *Registry,
	slots *SlotMap,
	links *Manager,
	gossip *Engine,
	detector *Detector,
	election *Coordinator,
	manual *ManualFailover,
	topology *TopologyStore,
	metrics *Metrics,
	replOffset ReplOffsetFunc,
	log *logrus.Entry,
) *Driver {
	return &Driver{
		registry:   registry,
		slots:      slots,
		links:      links,
		gossip:     gossip,
		detector:   detector,
		election:   election,
		manual:     manual,
		topology:   topology,
		metrics:    metrics,
		replOffset: replOffset,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Run blocks, ticking until Stop is called. Intended to be launched in its
// own goroutine by cluster.go at startup.
func (d *Driver) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

// Stop terminates the cron loop.
func (d *Driver) Stop() { close(d.stopCh) }

func (d *Driver) tick(now time.Time) {
	d.drainInbox(now)
	d.detector.Tick(now)
	d.election.MaybeStartElection(now, false)
	if d.replOffset != nil {
		offset := d.replOffset()
		if self := d.registry.Self(); self != nil {
			self.SetReplOffset(offset, now)
		}
		d.manual.CheckOffsetCaughtUp(offset, now)
	}

	d.ticks++
	currentEpoch := d.election.epochs.Current()
	if d.ticks%pingEveryTicks == 0 {
		if peer := d.gossip.PickRandomPeer(); peer != nil {
			d.gossip.SendPing(peer, currentEpoch)
			d.metrics.BusMessages.WithLabelValues(MsgPing.String(), "out").Inc()
		}
	}
	for _, stale := range d.gossip.StalePingTargets(now) {
		d.gossip.SendPing(stale, currentEpoch)
		d.metrics.BusMessages.WithLabelValues(MsgPing.String(), "out").Inc()
	}

	if d.dirty && now.Sub(d.lastSave) >= saveDebounce {
		if err := d.topology.Save(d.registry, d.slots, currentEpoch, 0); err != nil {
			d.log.WithError(err).Warn("cluster: failed to persist nodes.conf")
		} else {
			d.lastSave = now
			d.dirty = false
		}
	}
}

func (d *Driver) markDirty() { d.dirty = true }

// drainInbox consumes every frame currently buffered in the link manager's
// inbox without blocking, so a burst of arrivals in one tick doesn't stall
// subsequent subsystems indefinitely.
func (d *Driver) drainInbox(now time.Time) {
	for {
		select {
		case frame := <-d.links.Inbox():
			d.handleFrame(frame, now)
		default:
			return
		}
	}
}

func (d *Driver) handleFrame(f *Frame, now time.Time) {
	d.metrics.BusMessages.WithLabelValues(f.Header.Type.String(), "in").Inc()

	sender, known := d.registry.Get(f.Header.SenderID)
	if !known && f.Header.SenderID != "" {
		if d.registry.IsBlacklisted(f.Header.SenderID) {
			return
		}
		sender = NewNode(f.Header.SenderID, Addr{IP: f.Header.IP, ClientPort: int(f.Header.ClientPort), BusPort: int(f.Header.BusPort)}, FlagHandshake)
		_ = d.registry.Add(sender)
		d.markDirty()
	}
	if sender != nil {
		sender.mu.Lock()
		if f.Header.ConfigEpoch > sender.ConfigEpoch {
			sender.ConfigEpoch = f.Header.ConfigEpoch
		}
		sender.MasterID = f.Header.MasterID
		sender.SetReplOffset(f.Header.ReplOffset, now)
		sender.mu.Unlock()
		for slot := 0; slot < NumSlots; slot++ {
			bitSet := f.Header.SlotBitmap[slot/8]&(1<<uint(slot%8)) != 0
			if bitSet {
				d.slots.MergeClaim(slot, sender.ID, sender.ConfigEpoch, d.configEpochOf)
			}
		}
	}

	switch f.Header.Type {
	case MsgPing, MsgMeet:
		d.gossip.MergeGossip(f.Header.SenderID, f.Gossips, now)
		if link, ok := d.links.Get(f.Header.SenderID); ok {
			d.gossip.ReplyPong(link, d.election.epochs.Current())
		} else if f.Header.Type == MsgMeet {
			if err := d.links.EnsureConnected(f.Header.SenderID, fmt.Sprintf("%s:%d", f.Header.IP, f.Header.BusPort)); err == nil {
				if link, ok := d.links.Get(f.Header.SenderID); ok {
					d.gossip.ReplyPong(link, d.election.epochs.Current())
				}
			}
		}
	case MsgPong:
		d.gossip.MergeGossip(f.Header.SenderID, f.Gossips, now)
		if sender != nil {
			sender.mu.Lock()
			sender.PongReceived = now
			sender.mu.Unlock()
			d.detector.ClearFailOnPong(sender, d.slots, now)
		}
	case MsgFail:
		if f.Fail != nil {
			d.detector.HandleFailMessage(f.Fail.FailingNodeID, now)
			if n, ok := d.registry.Get(f.Fail.FailingNodeID); ok && n.IsMaster() {
				if self := d.registry.Self(); self != nil && self.MasterID == n.ID {
					d.election.ScheduleFailover(n.ID, now)
				}
			}
		}
	case MsgAuthRequest:
		if f.Auth != nil && sender != nil {
			if err := d.election.ShouldGrantVote(sender, f.Auth.Epoch, f.Auth.Force, f.Auth.ClaimedSlots, now); err == nil {
				d.election.GrantVote(sender.ID, f.Auth.Epoch)
			}
		}
	case MsgAuthAck:
		if f.Auth != nil {
			d.election.HandleAuthAck(f.Header.SenderID, f.Auth.Epoch, now)
			d.metrics.Elections.WithLabelValues("vote_received").Inc()
		}
	case MsgMFStart:
		if f.MF != nil && sender != nil {
			self := d.registry.Self()
			if self != nil && self.IsMaster() {
				d.manual.HandleMFStart(sender, d.replOffsetOrZero(), d.links, now)
			} else {
				d.manual.HandleOffsetReply(f.MF.MasterOffset)
			}
		}
	case MsgUpdate:
		if f.Update != nil {
			d.applyUpdate(f.Update, now)
		}
	}
}

func (d *Driver) applyUpdate(u *UpdatePayload, now time.Time) {
	n, ok := d.registry.Get(u.NodeID)
	if !ok {
		return
	}
	n.mu.Lock()
	if u.ConfigEpoch > n.ConfigEpoch {
		n.ConfigEpoch = u.ConfigEpoch
	}
	n.mu.Unlock()
	for slot := 0; slot < NumSlots; slot++ {
		if u.SlotBitmap[slot/8]&(1<<uint(slot%8)) != 0 {
			d.slots.Assign(slot, u.NodeID)
		}
	}
	d.markDirty()
}

func (d *Driver) configEpochOf(nodeID string) int64 {
	if n, ok := d.registry.Get(nodeID); ok {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.ConfigEpoch
	}
	return 0
}

func (d *Driver) replOffsetOrZero() int64 {
	if d.replOffset == nil {
		return 0
	}
	return d.replOffset()
}
