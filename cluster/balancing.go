package cluster

import (
	"sort"
)

/*
 * ============================================================================
 * 槽分布失衡报告 - CLUSTER BALANCE-REPORT
 * ============================================================================
 *
 * 自动再平衡不在范围内：槽迁移的发起和执行是运维通过 SETSLOT/MIGRATING/
 * IMPORTING 手工编排的（见 cluster.go 的 SETSLOT 实现）。这里只提供一个
 * 只读的失衡诊断，帮助运维判断"现在是否值得手工迁一批槽"，不会自己
 * 触发任何迁移动作。
 */

// NodeBalance 描述单个主节点当前的槽占比情况。
type NodeBalance struct {
	NodeID     string
	SlotCount  int
	TargetLow  int // floor(16384 / masterCount)
	TargetHigh int // ceil(16384 / masterCount)
	Deviation  int // SlotCount - 理想值(16384/masterCount)，可正可负
}

// BalanceReport 是 CLUSTER BALANCE-REPORT 的输出：按偏差绝对值降序排列，
// 偏差最大的节点排在最前面，方便运维优先处理。
type BalanceReport struct {
	MasterCount int
	Nodes       []NodeBalance
}

// ComputeBalanceReport 基于当前槽位映射和已知主节点集合生成只读的失衡
// 报告；不修改任何状态。
func ComputeBalanceReport(slots *SlotMap, registry *Registry) BalanceReport {
	masters := registry.Masters()
	if len(masters) == 0 {
		return BalanceReport{}
	}

	ideal := float64(NumSlots) / float64(len(masters))
	low := NumSlots / len(masters)
	high := low
	if NumSlots%len(masters) != 0 {
		high = low + 1
	}

	report := BalanceReport{MasterCount: len(masters)}
	for _, m := range masters {
		count := slots.CountOwnedBy(m.ID)
		report.Nodes = append(report.Nodes, NodeBalance{
			NodeID:     m.ID,
			SlotCount:  count,
			TargetLow:  low,
			TargetHigh: high,
			Deviation:  count - int(ideal+0.5),
		})
	}

	sort.Slice(report.Nodes, func(i, j int) bool {
		return absInt(report.Nodes[i].Deviation) > absInt(report.Nodes[j].Deviation)
	})
	return report
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
