package cluster

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

/*
 * ============================================================================
 * Cluster - 组合根
 * ============================================================================
 *
 * Cluster 把本包的全部子系统（Registry、SlotMap、Manager、Engine、
 * Detector、Coordinator、ManualFailover、TopologyStore、Driver、Metrics）
 * 组装成一个可以被 server 包直接持有和驱动的单一对象，并暴露管理命令
 * 表面（CLUSTER 的各个子命令、MEET、ASKING 等）。
 */

// Config 是启动一个 Cluster 实例所需的全部外部输入。
type Config struct {
	NodeID          string // 空字符串表示让 Cluster 自己生成新的随机 id
	BindIP          string
	ClientPort      int
	BusPort         int
	ConfigPath      string
	NodeTimeout     time.Duration
	AllowReadsDown  bool
	RequireFullCover bool
	Registerer      prometheus.Registerer
	Logger          *logrus.Logger
}

// Cluster 是 server 包与本包交互的唯一入口。
type Cluster struct {
	cfg Config
	log *logrus.Entry

	registry *Registry
	slots    *SlotMap
	links    *Manager
	gossip   *Engine
	detector *Detector
	election *Coordinator
	manual   *ManualFailover
	topology *TopologyStore
	metrics  *Metrics
	driver   *Driver

	busListener net.Listener
	keyExists   KeyExistsFunc
}

// New constructs a Cluster and loads the persisted topology without starting
// any network I/O; call Start to bind the bus listener, acquire the topology
// file lock, and launch the cron loop.
func New(cfg Config) (*Cluster, error) {
	if cfg.NodeTimeout == 0 {
		cfg.NodeTimeout = 15 * time.Second
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "cluster")

	c := &Cluster{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(),
		slots:    NewSlotMap(),
		topology: NewTopologyStore(cfg.ConfigPath),
		metrics:  NewMetrics(cfg.Registerer),
	}
	c.links = NewManager(1024, log)

	id := cfg.NodeID
	if id == "" {
		id = newNodeID()
	}
	if !validNodeID(id) {
		return nil, fmt.Errorf("cluster: invalid node id %q", id)
	}

	var currentEpoch int64
	loaded, err := c.topology.Load()
	if err != nil {
		return nil, err
	}
	for _, n := range loaded.Nodes {
		_ = c.registry.Add(n)
		for _, slot := range n.Slots.ownedSlots() {
			c.slots.Assign(slot, n.ID)
		}
	}
	if loaded.LocalNodeID != "" {
		id = loaded.LocalNodeID
	}
	if loaded.CurrentEpoch > currentEpoch {
		currentEpoch = loaded.CurrentEpoch
	}

	self, ok := c.registry.Get(id)
	if !ok {
		self = NewNode(id, Addr{IP: cfg.BindIP, ClientPort: cfg.ClientPort, BusPort: cfg.BusPort}, FlagMaster|FlagMyself)
		if err := c.registry.Add(self); err != nil {
			return nil, err
		}
	} else {
		self.mu.Lock()
		self.Addr = Addr{IP: cfg.BindIP, ClientPort: cfg.ClientPort, BusPort: cfg.BusPort}
		self.Flags |= FlagMyself
		self.mu.Unlock()
	}
	c.registry.SetMyID(id)

	epochs := NewEpochCounter(currentEpoch)
	c.gossip = NewEngine(c.registry, c.slots, c.links, cfg.NodeTimeout, log)
	c.election = NewCoordinator(c.registry, c.slots, c.links, epochs, cfg.NodeTimeout, log)
	c.detector = NewDetector(c.registry, c.slots, c.links, cfg.NodeTimeout, c.onNodeFail, log)
	c.manual = NewManualFailover(c.election, c.registry, log)

	return c, nil
}

func (n *SlotBitmap) ownedSlots() []int {
	var out []int
	for slot := 0; slot < NumSlots; slot++ {
		if n.Has(slot) {
			out = append(out, slot)
		}
	}
	return out
}

func (c *Cluster) onNodeFail(nodeID string) {
	self := c.registry.Self()
	if n, ok := c.registry.Get(nodeID); ok && n.IsMaster() && self != nil && self.MasterID == nodeID {
		c.election.ScheduleFailover(nodeID, time.Now())
	}
	c.metrics.NodeFailures.Inc()
	frame := &Frame{
		Header: Header{Type: MsgFail, SenderID: self.ID, CurrentEpoch: c.election.epochs.Current()},
		Fail:   &FailPayload{FailingNodeID: nodeID},
	}
	c.links.Broadcast(frame)
}

// Start binds the cluster bus listener, acquires the topology file lock,
// and launches the cron driver in its own goroutine.
func (c *Cluster) Start(replOffset ReplOffsetFunc) error {
	if err := c.topology.Lock(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", c.cfg.BindIP, c.cfg.BusPort))
	if err != nil {
		return fmt.Errorf("cluster: binding bus listener: %w", err)
	}
	c.busListener = ln
	go c.links.Accept(ln)

	c.driver = NewDriver(c.registry, c.slots, c.links, c.gossip, c.detector, c.election, c.manual, c.topology, c.metrics, replOffset, c.log)
	go c.driver.Run()
	c.log.WithField("node_id", c.registry.MyID()).Info("cluster: started")
	return nil
}

// Stop tears down the cron loop, the bus listener, and releases the
// topology file lock.
func (c *Cluster) Stop() {
	if c.driver != nil {
		c.driver.Stop()
	}
	if c.busListener != nil {
		c.busListener.Close()
	}
	for _, l := range c.links.All() {
		l.Close()
	}
	c.topology.Unlock()
}

// Myself returns the local node record.
func (c *Cluster) Myself() *Node { return c.registry.Self() }

// Registry exposes the node registry for redirector / command-surface use.
func (c *Cluster) Registry() *Registry { return c.registry }

// Slots exposes the slot map for redirector / command-surface use.
func (c *Cluster) Slots() *SlotMap { return c.slots }

// Redirect runs the server-side redirection decision for a command's key set.
func (c *Cluster) Redirect(keys []string, asking, readOnly bool) Decision {
	return Redirect(c.slots, c.registry, keys, asking, readOnly, c.cfg.AllowReadsDown, c.keyExists)
}

// SetKeyExistsChecker wires a storage-backed key-existence check into the
// redirector, used to tell whether a key has already migrated out during an
// in-progress slot move (the MIGRATING/ASK branch of Redirect). Optional:
// left nil, a key that is still logically owned locally is always treated
// as present.
func (c *Cluster) SetKeyExistsChecker(fn KeyExistsFunc) { c.keyExists = fn }

// IsDown reports whether the cluster as a whole is currently unavailable.
func (c *Cluster) IsDown() bool { return clusterIsDown(c.slots, c.registry) }

// IsWritePaused reports whether the local node is currently holding off
// writes for an in-progress manual failover handshake (MFSTART received,
// waiting for the requesting replica's offset to catch up).
func (c *Cluster) IsWritePaused(now time.Time) bool { return c.manual.IsPaused(now) }

// Meet dials a peer's bus port and begins the handshake; addr is host:busport.
func (c *Cluster) Meet(ip string, busPort int) error {
	addr := fmt.Sprintf("%s:%d", ip, busPort)
	return c.gossip.SendMeet(addr, c.election.epochs.Current())
}

// AddSlots assigns a set of currently-unowned slots to the local node.
func (c *Cluster) AddSlots(slots []int) error {
	self := c.registry.Self()
	for _, s := range slots {
		if s < 0 || s >= NumSlots {
			return ErrSlotOutOfRange
		}
		if owner := c.slots.Owner(s); owner != "" && owner != self.ID {
			return ErrSlotAlreadyOwned
		}
	}
	for _, s := range slots {
		c.slots.Assign(s, self.ID)
	}
	return nil
}

// DelSlots unassigns slots currently owned by the local node.
func (c *Cluster) DelSlots(slots []int) error {
	self := c.registry.Self()
	for _, s := range slots {
		if c.slots.Owner(s) != self.ID {
			return ErrSlotNotOwned
		}
	}
	for _, s := range slots {
		c.slots.Unassign(s)
	}
	return nil
}

// FlushSlots unassigns every slot currently owned by the local node.
func (c *Cluster) FlushSlots() {
	self := c.registry.Self()
	c.slots.UnassignAllOwnedBy(self.ID)
}

// SetSlotMigrating marks a locally-owned slot as migrating to target.
func (c *Cluster) SetSlotMigrating(slot int, targetNodeID string) error {
	self := c.registry.Self()
	if c.slots.Owner(slot) != self.ID {
		return ErrSlotNotOwned
	}
	if _, ok := c.registry.Get(targetNodeID); !ok {
		return ErrNodeNotFound
	}
	c.slots.SetMigrating(slot, targetNodeID)
	return nil
}

// SetSlotImporting marks a slot as being imported from source into the local node.
func (c *Cluster) SetSlotImporting(slot int, sourceNodeID string) error {
	if _, ok := c.registry.Get(sourceNodeID); !ok {
		return ErrNodeNotFound
	}
	c.slots.SetImporting(slot, sourceNodeID)
	return nil
}

// SetSlotStable clears any migration state on a slot.
func (c *Cluster) SetSlotStable(slot int) {
	c.slots.ClearMigrationState(slot)
}

// SetSlotNode finalizes a slot's ownership transfer after migration completes.
func (c *Cluster) SetSlotNode(slot int, nodeID string) error {
	if _, ok := c.registry.Get(nodeID); !ok {
		return ErrNodeNotFound
	}
	c.slots.Assign(slot, nodeID)
	c.slots.ClearMigrationState(slot)
	return nil
}

// Forget removes a node and blacklists it against gossip re-introduction.
func (c *Cluster) Forget(nodeID string) error {
	if nodeID == c.registry.MyID() {
		return &InvariantViolation{What: "cannot FORGET the local node"}
	}
	c.slots.UnassignAllOwnedBy(nodeID)
	c.registry.Forget(nodeID)
	return nil
}

// Replicate configures the local node as a replica of masterID. The caller
// (server package) is responsible for verifying the local data set is
// empty before calling this, per ErrDataSetNotEmpty semantics.
func (c *Cluster) Replicate(masterID string) error {
	master, ok := c.registry.Get(masterID)
	if !ok {
		return ErrNodeNotFound
	}
	self := c.registry.Self()
	self.mu.Lock()
	self.Flags &^= FlagMaster
	self.Flags |= FlagReplica
	self.MasterID = masterID
	self.mu.Unlock()
	master.mu.Lock()
	master.Replicas = append(master.Replicas, self.ID)
	master.mu.Unlock()
	return nil
}

// Failover starts a manual failover handshake from a replica.
func (c *Cluster) Failover(force bool) error {
	self := c.registry.Self()
	if self == nil || !self.IsReplica() {
		return ErrNotReplica
	}
	return c.manual.Start(self.MasterID, c.links, force, time.Now())
}

// Reset clears all cluster state local to this node: every other node is
// removed, every slot it owns is released, and it reverts to a master with
// config epoch 0. A hard reset also gives it a fresh identity; a soft reset
// keeps its current identity.
func (c *Cluster) Reset(hard bool) {
	self := c.registry.Self()
	oldID := self.ID
	for _, n := range c.registry.All() {
		if n.ID != oldID {
			c.registry.Remove(n.ID)
		}
	}
	c.slots.UnassignAllOwnedBy(oldID)
	if hard {
		newID := newNodeID()
		c.registry.Rename(oldID, newID)
		c.registry.SetMyID(newID)
	}
	self.mu.Lock()
	self.Flags = FlagMaster | FlagMyself
	self.MasterID = ""
	self.ConfigEpoch = 0
	self.mu.Unlock()
}

// SetConfigEpoch sets the local node's config epoch; only valid when the
// node owns no slots yet (mirrors the real system's startup-time use).
func (c *Cluster) SetConfigEpoch(epoch int64) error {
	self := c.registry.Self()
	if c.slots.CountOwnedBy(self.ID) > 0 {
		return &InvariantViolation{What: "SET-CONFIG-EPOCH requires an empty slot set"}
	}
	self.mu.Lock()
	self.ConfigEpoch = epoch
	self.mu.Unlock()
	return nil
}

// BumpEpoch advances the global current_epoch counter and returns the new value.
func (c *Cluster) BumpEpoch() int64 {
	return c.election.epochs.Bump(c.election.epochs.Current())
}

// Info renders the CLUSTER INFO counters block.
func (c *Cluster) Info() string {
	state := "ok"
	if c.IsDown() {
		state = "fail"
	}
	assigned := 0
	for slot := 0; slot < NumSlots; slot++ {
		if c.slots.Owner(slot) != "" {
			assigned++
		}
	}
	masters := c.registry.Masters()
	knownNodes := c.registry.Count()
	return fmt.Sprintf(
		"cluster_state:%s\ncluster_slots_assigned:%d\ncluster_slots_ok:%d\ncluster_slots_pfail:0\ncluster_slots_fail:0\n"+
			"cluster_known_nodes:%d\ncluster_size:%d\ncluster_current_epoch:%d\ncluster_my_epoch:%d\n",
		state, assigned, assigned, knownNodes, len(masters), c.election.epochs.Current(), c.Myself().ConfigEpoch)
}

// Nodes renders the CLUSTER NODES dump.
func (c *Cluster) Nodes() string {
	var out string
	myID := c.registry.MyID()
	for _, n := range c.registry.All() {
		out += formatNodeLine(n, myID, c.slots) + "\n"
	}
	return out
}

// SlotRange is one entry of the CLUSTER SLOTS reply: a (start, end, [ip,
// port, id]) range; SlotsRanges groups slots by contiguous ownership.
type SlotRange struct {
	Start, End int
	NodeID     string
	IP         string
	Port       int
}

func (c *Cluster) SlotsRanges() []SlotRange {
	var out []SlotRange
	var cur *SlotRange
	for slot := 0; slot < NumSlots; slot++ {
		owner := c.slots.Owner(slot)
		if owner == "" {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			continue
		}
		if cur != nil && cur.NodeID == owner {
			cur.End = slot
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		node, _ := c.registry.Get(owner)
		ip, port := "", 0
		if node != nil {
			node.mu.RLock()
			ip, port = node.Addr.IP, node.Addr.ClientPort
			node.mu.RUnlock()
		}
		cur = &SlotRange{Start: slot, End: slot, NodeID: owner, IP: ip, Port: port}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// BalanceReport exposes the read-only imbalance advisory.
func (c *Cluster) BalanceReport() BalanceReport {
	return ComputeBalanceReport(c.slots, c.registry)
}

// GetKeysInSlot and CountKeysInSlot are implemented by server.go against the
// storage layer's iteration primitives (this package has no storage
// dependency); Cluster only validates the slot and defers key enumeration
// to the caller via the keyLister passed at call time.
type KeyLister func(slot int, count int) []string

func (c *Cluster) GetKeysInSlot(slot int, count int, lister KeyLister) ([]string, error) {
	if slot < 0 || slot >= NumSlots {
		return nil, ErrSlotOutOfRange
	}
	return lister(slot, count), nil
}

func (c *Cluster) CountKeysInSlot(slot int, counter func(slot int) int) (int, error) {
	if slot < 0 || slot >= NumSlots {
		return 0, ErrSlotOutOfRange
	}
	return counter(slot), nil
}

// ParsePort is a small helper kept for the command layer's address parsing.
func ParsePort(s string) (int, error) { return strconv.Atoi(s) }
