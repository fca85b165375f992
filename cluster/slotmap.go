package cluster

import (
	"strings"
	"sync"
)

// NumSlots 是槽位空间的固定大小。
const NumSlots = 16384

/*
 * ============================================================================
 * 槽位图与一致性哈希 - SlotMap
 * ============================================================================
 *
 * crc16Table / crc16 取自 CCITT 多项式 0x1021，是集群客户端和服务端都要
 * 实现的标准算法：同一个 key 在任何实现里都必须落到同一个槽，这张表的
 * 字节序列不是我们的自由发挥空间。
 */

var crc16Table = func() [256]uint16 {
	const poly = 0x1021
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// HashSlot 计算一个 key 所属的槽位，遵循哈希标签（hash tag）规则：如果
// key 中含有由 '{' 和 '}' 包围的非空子串，只对该子串求哈希，从而让
// 应用能把相关的多个 key 强制路由到同一个槽（用于事务/多键命令）。
//
// 边界情况：
//   - 没有 '{'：对整个 key 求哈希。
//   - 有 '{' 但没有随后的 '}'：对整个 key 求哈希。
//   - '{' 和 '}' 之间为空（即 "{}"）：对整个 key 求哈希，而不是空字符串。
//   - 多个 '{...}'：只使用第一对。
func HashSlot(key string) int {
	if start := strings.IndexByte(key, '{'); start != -1 {
		if end := strings.IndexByte(key[start+1:], '}'); end != -1 && end != 0 {
			tag := key[start+1 : start+1+end]
			return int(crc16([]byte(tag))) % NumSlots
		}
	}
	return int(crc16([]byte(key))) % NumSlots
}

// SlotBitmap 是一个 16384 位的定长位图，gossip 摘要里逐节点携带它来
// 声明槽位所有权。
type SlotBitmap struct {
	bits [NumSlots / 8]byte
}

// NewSlotBitmap 返回一个全零位图。
func NewSlotBitmap() *SlotBitmap {
	return &SlotBitmap{}
}

func (b *SlotBitmap) Set(slot int)   { b.bits[slot/8] |= 1 << uint(slot%8) }
func (b *SlotBitmap) Clear(slot int) { b.bits[slot/8] &^= 1 << uint(slot%8) }
func (b *SlotBitmap) Has(slot int) bool {
	return b.bits[slot/8]&(1<<uint(slot%8)) != 0
}

// Count 返回置位的槽数。
func (b *SlotBitmap) Count() int {
	n := 0
	for _, by := range b.bits {
		for by != 0 {
			n += int(by & 1)
			by >>= 1
		}
	}
	return n
}

// Bytes 返回位图的只读底层字节切片，供 wire.go 序列化使用。
func (b *SlotBitmap) Bytes() []byte { return b.bits[:] }

// SetBytes 用给定的原始字节覆盖位图内容，供 wire.go 反序列化使用。
func (b *SlotBitmap) SetBytes(raw []byte) {
	n := copy(b.bits[:], raw)
	for i := n; i < len(b.bits); i++ {
		b.bits[i] = 0
	}
}

// migrationState 记录一个槽正在进行的迁移方向（两者至多一个非空，
// 不变量由 SlotMap 的写路径维护）。
type migrationState struct {
	migratingTo   string // 本地拥有该槽，正把它迁出给这个目标节点
	importingFrom string // 本地正在从这个源节点导入该槽
}

// SlotMap 是 16384 槽到所有者节点标识符的全局映射，加上每槽独立的迁移
// 状态。它不持有 Node 指针，只持有标识符，解析交给 Registry，避免循环依赖。
type SlotMap struct {
	mu        sync.RWMutex
	owner     [NumSlots]string // 空字符串表示未分配
	migration [NumSlots]migrationState
}

// NewSlotMap 返回一个空的（未分配任何槽的）槽位映射。
func NewSlotMap() *SlotMap {
	return &SlotMap{}
}

// Owner 返回槽的当前所有者标识符，未分配时返回空字符串。
func (m *SlotMap) Owner(slot int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner[slot]
}

// Assign 将槽分配给 nodeID，不做 epoch 比较——调用方（cluster.go 的
// ADDSLOTS/SETSLOT 或 gossip 摘要合并逻辑）负责仲裁。
func (m *SlotMap) Assign(slot int, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[slot] = nodeID
}

// Unassign 清空槽的所有者。
func (m *SlotMap) Unassign(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[slot] = ""
}

// UnassignAllOwnedBy 清空某节点拥有的全部槽，返回被清空的槽号列表，
// 在节点被 FORGET 时调用。
func (m *SlotMap) UnassignAllOwnedBy(nodeID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []int
	for slot := 0; slot < NumSlots; slot++ {
		if m.owner[slot] == nodeID {
			m.owner[slot] = ""
			cleared = append(cleared, slot)
		}
		if m.migration[slot].migratingTo == nodeID {
			m.migration[slot].migratingTo = ""
		}
		if m.migration[slot].importingFrom == nodeID {
			m.migration[slot].importingFrom = ""
		}
	}
	return cleared
}

// CountOwnedBy 返回某节点当前拥有的槽数。
func (m *SlotMap) CountOwnedBy(nodeID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.owner {
		if o == nodeID {
			n++
		}
	}
	return n
}

// SlotsOwnedBy 返回某节点当前拥有的全部槽号，升序。
func (m *SlotMap) SlotsOwnedBy(nodeID string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for slot, o := range m.owner {
		if o == nodeID {
			out = append(out, slot)
		}
	}
	return out
}

// FullyCovered 报告是否 16384 个槽都已被分配，CLUSTERDOWN 判定的前提之一。
func (m *SlotMap) FullyCovered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owner {
		if o == "" {
			return false
		}
	}
	return true
}

// SetMigrating 标记一个槽正从本地迁出到 target（CLUSTER SETSLOT <slot> MIGRATING）。
func (m *SlotMap) SetMigrating(slot int, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migration[slot].migratingTo = target
}

// SetImporting 标记一个槽正从 source 导入到本地（CLUSTER SETSLOT <slot> IMPORTING）。
func (m *SlotMap) SetImporting(slot int, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migration[slot].importingFrom = source
}

// ClearMigrationState 清除一个槽的迁移标记（SETSLOT <slot> STABLE 或迁移完成后的
// SETSLOT <slot> NODE <new-owner>）。
func (m *SlotMap) ClearMigrationState(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migration[slot] = migrationState{}
}

// MigratingTo 返回一个槽的迁出目标，如果当前不在迁出状态则返回空字符串。
func (m *SlotMap) MigratingTo(slot int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.migration[slot].migratingTo
}

// ImportingFrom 返回一个槽的导入来源，如果当前不在导入状态则返回空字符串。
func (m *SlotMap) ImportingFrom(slot int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.migration[slot].importingFrom
}

// Bitmap 生成某节点当前拥有槽位的位图快照，供 gossip 摘要和 NODES 输出使用。
func (m *SlotMap) Bitmap(nodeID string) *SlotBitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := NewSlotBitmap()
	for slot, o := range m.owner {
		if o == nodeID {
			b.Set(slot)
		}
	}
	return b
}

// MergeClaim 是 gossip 摘要到达时的槽位仲裁入口：远端节点 claimant 声称
// 以 epoch claimEpoch 拥有 slot。如果本地当前所有者的 epoch 更小，所有权
// 转移给 claimant；相等时按惯例不转移（避免抖动），只有在冲突检测
// （cluster.go 的 config-epoch 冲突解决）里才会真正产生新的更大 epoch。
// 返回 true 表示所有权发生了变化。
func (m *SlotMap) MergeClaim(slot int, claimant string, claimEpoch int64, currentEpoch func(nodeID string) int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.owner[slot]
	if current == claimant {
		return false
	}
	if current == "" {
		m.owner[slot] = claimant
		return true
	}
	if claimEpoch > currentEpoch(current) {
		m.owner[slot] = claimant
		return true
	}
	return false
}
