package cluster

import "fmt"

/*
 * ============================================================================
 * 服务端重定向决策 - MOVED / ASK / CROSSSLOT / CLUSTERDOWN
 * ============================================================================
 *
 * Redirect 在命令分派管线里位于命令执行之前：给定这条命令触达的 key 集合
 * 和发起连接当前的 ASKING 标记，判断是本地执行、拒绝，还是把客户端指向
 * 别的节点。
 *
 *   - 零个 key（如 PING、INFO）：总是本地执行，不做槽位检查。
 *   - 多个 key 落在不同槽：CROSSSLOT。
 *   - 槽未分配：CLUSTERDOWN。只要有一个槽未分配，槽位空间就没有被完全
 *     覆盖，clusterIsDown 即判定集群 DOWN。
 *   - 槽由本地拥有：本地执行。
 *   - 槽正在从本地迁出（MIGRATING）且 key 在本地数据集中不存在：ASK 到
 *     迁移目标（因为 key 可能已经搬过去了，去目标节点问更准确）。
 *   - 槽由其它节点拥有，且连接带着 ASKING 标记、且本地正在从该节点导入
 *     这个槽：放行本地执行一次（ASKING 标记用后即焚）。
 *   - 槽由其它节点拥有，其余情况：MOVED 到真正的所有者。
 *   - 集群处于 CLUSTERDOWN 且未开启宽松模式：拒绝几乎所有命令。
 */

// Decision 是 Redirect 的结果。
type Decision struct {
	Action RedirectAction
	Slot   int
	Addr   string // "ip:port"，Action 为 MOVED/ASK 时有效
	Err    error  // Action 为 Reject 时的具体错误
}

// RedirectAction 枚举 Redirect 可能产生的动作。
type RedirectAction int

const (
	ActionExecute RedirectAction = iota
	ActionMoved
	ActionAsk
	ActionReject
)

// KeyExistsFunc 由调用方（server 包）提供，用于 MIGRATING 分支判断 key
// 是否仍在本地数据集中。
type KeyExistsFunc func(key string) bool

// Redirect 根据给定的 key 集合和连接状态，决定如何处理这条命令。
// asking 为真表示该连接刚刚发送过 ASKING，这次放行只生效一次，由
// 调用方（server 包）负责在命令执行后清除该标记。
// clusterDownAllowReads 对应 cluster-allow-reads-when-down 风格的配置：
// 集群 DOWN 时是否仍允许只读命令执行。
func Redirect(slots *SlotMap, registry *Registry, keys []string, asking bool, readOnly bool, clusterDownAllowReads bool, keyExists KeyExistsFunc) Decision {
	if len(keys) == 0 {
		return Decision{Action: ActionExecute}
	}

	slot := HashSlot(keys[0])
	for _, k := range keys[1:] {
		if HashSlot(k) != slot {
			return Decision{Action: ActionReject, Err: ErrCrossSlot}
		}
	}

	down := clusterIsDown(slots, registry)
	if down && !(readOnly && clusterDownAllowReads) {
		return Decision{Action: ActionReject, Err: ErrClusterDown}
	}

	owner := slots.Owner(slot)
	myID := registry.MyID()

	if owner == "" {
		if down {
			return Decision{Action: ActionReject, Err: ErrClusterDown}
		}
		return Decision{Action: ActionReject, Slot: slot, Err: fmt.Errorf("cluster: TRYAGAIN slot %d has no owner yet", slot)}
	}

	if owner == myID {
		if target := slots.MigratingTo(slot); target != "" && keyExists != nil && !allKeysExist(keys, keyExists) {
			if node, ok := registry.Get(target); ok {
				return Decision{Action: ActionAsk, Slot: slot, Addr: nodeClientAddr(node)}
			}
		}
		return Decision{Action: ActionExecute}
	}

	if asking && slots.ImportingFrom(slot) == owner {
		return Decision{Action: ActionExecute}
	}

	if node, ok := registry.Get(owner); ok {
		return Decision{Action: ActionMoved, Slot: slot, Addr: nodeClientAddr(node)}
	}
	return Decision{Action: ActionReject, Err: ErrNodeNotFound}
}

// allKeysExist 报告命令涉及的全部 key 是否都仍在本地数据集中——一条
// MIGRATING 槽上的多 key 命令只要有一个 key 已经搬走，就必须整条 ASK
// 到目标节点重试，不能只看第一个 key 就地执行一半。
func allKeysExist(keys []string, keyExists KeyExistsFunc) bool {
	for _, k := range keys {
		if !keyExists(k) {
			return false
		}
	}
	return true
}

func nodeClientAddr(n *Node) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("%s:%d", n.Addr.IP, n.Addr.ClientPort)
}

// clusterIsDown 报告集群整体是否处于 DOWN 状态：槽位空间未被完全覆盖，
// 或者某个仍拥有槽位的主节点当前处于 FAIL（不考虑它是否有可用副本）。
// 槽覆盖率的判定与 INFO 里报告的槽位统计共享同一个真相来源。
func clusterIsDown(slots *SlotMap, registry *Registry) bool {
	if !slots.FullyCovered() {
		return true
	}
	for _, n := range registry.All() {
		if n.HasFlag(FlagMaster) && n.HasFlag(FlagFail) && slots.CountOwnedBy(n.ID) > 0 {
			return true
		}
	}
	return false
}

// ErrorReply 把一个 Decision 渲染成 RESP 协议的错误回复字符串（不含前导
// '-' 和结尾 CRLF，由调用方的协议层负责包装）。
func (d Decision) ErrorReply() string {
	switch d.Action {
	case ActionMoved:
		return fmt.Sprintf("MOVED %d %s", d.Slot, d.Addr)
	case ActionAsk:
		return fmt.Sprintf("ASK %d %s", d.Slot, d.Addr)
	case ActionReject:
		if d.Err == ErrCrossSlot {
			return "CROSSSLOT Keys in request don't hash to the same slot"
		}
		if d.Err == ErrClusterDown {
			return "CLUSTERDOWN The cluster is down"
		}
		return "TRYAGAIN " + d.Err.Error()
	default:
		return ""
	}
}
