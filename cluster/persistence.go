package cluster

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

/*
 * ============================================================================
 * 拓扑持久化 - nodes.conf
 * ============================================================================
 *
 * 每行一个节点，字段以空格分隔：
 *
 *   <node-id> <ip>:<client-port>@<bus-port> <flags> <master-id> \
 *       <ping-sent> <pong-recv> <config-epoch> <link-state> [<slot-range> ...]
 *
 * flags 是逗号分隔的集合（"myself,master"、"slave"、"fail?" 等）；
 * master-id 对主节点是 "-"；ping-sent/pong-recv 是毫秒时间戳，0 表示
 * 尚无记录；slot-range 是 "<start>-<end>" 或单槽 "<slot>"；本地节点那一行
 * 对迁移中的槽额外携带 "[<slot>->-<node-id>]"（迁出）或
 * "[<slot>-<-<node-id>]"（导入）。
 *
 * 写入是原子的：先写到 "<path>.tmp"，fsync，再 os.Rename 到目标路径，
 * 保证任何时刻读者要么看到旧文件要么看到新文件，不会看到半截内容。
 * 一个进程级的文件锁（golang.org/x/sys/unix.Flock，LOCK_EX|LOCK_NB）
 * 防止同一份 nodes.conf 被两个实例同时持有写权限——这在手工误启动第二个
 * 进程指向同一份配置时避免了静默的状态分叉。
 */

const nodesConfFileMode = 0644

// TopologyStore 读写 nodes.conf 并持有其建议锁。
type TopologyStore struct {
	mu       sync.Mutex
	path     string
	lockFile *os.File
}

// NewTopologyStore 创建一个指向给定路径的拓扑存储句柄。path 为空时使用
// "nodes.conf"。
func NewTopologyStore(path string) *TopologyStore {
	if path == "" {
		path = "nodes.conf"
	}
	return &TopologyStore{path: path}
}

// Lock 获取对 nodes.conf 的独占建议锁，进程存活期间持有。如果另一个
// 进程已经持有锁，立即返回 ErrTopologyFileLocked 而不阻塞等待——拓扑
// 文件冲突应当在启动期就暴露出来，而不是让两个实例静默排队。
func (s *TopologyStore) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cluster: creating nodes.conf directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, nodesConfFileMode)
	if err != nil {
		return fmt.Errorf("cluster: opening %s: %w", s.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return ErrTopologyFileLocked
	}
	s.lockFile = f
	return nil
}

// Unlock 释放建议锁并关闭句柄，供进程正常退出时调用。
func (s *TopologyStore) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile != nil {
		unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		s.lockFile.Close()
		s.lockFile = nil
	}
}

// Save 把当前注册表和槽位映射序列化为 nodes.conf 并原子替换旧文件。
func (s *TopologyStore) Save(registry *Registry, slots *SlotMap, currentEpoch, lastVoteEpoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	myID := registry.MyID()
	for _, n := range registry.All() {
		sb.WriteString(formatNodeLine(n, myID, slots))
		sb.WriteByte('\n')
	}
	sb.WriteString(fmt.Sprintf("vars currentEpoch %d lastVoteEpoch %d\n", currentEpoch, lastVoteEpoch))

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, nodesConfFileMode)
	if err != nil {
		return fmt.Errorf("cluster: creating %s: %w", tmpPath, err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return fmt.Errorf("cluster: writing %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cluster: fsync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cluster: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("cluster: renaming %s to %s: %w", tmpPath, s.path, err)
	}
	return nil
}

func formatNodeLine(n *Node, myID string, slots *SlotMap) string {
	n.mu.RLock()
	id := n.ID
	ip := n.Addr.IP
	clientPort := n.Addr.ClientPort
	busPort := n.Addr.BusPort
	flags := n.Flags
	masterID := n.MasterID
	pingSent := nowMillis(n.PingSent)
	pongRecv := nowMillis(n.PongReceived)
	epoch := n.ConfigEpoch
	n.mu.RUnlock()

	if id == myID {
		flags |= FlagMyself
	}
	flagCSV := flagsToCSV(flags)

	master := "-"
	if masterID != "" {
		master = masterID
	}

	linkState := "connected"

	owned := slots.SlotsOwnedBy(id)
	slotField := formatSlotRanges(owned)

	line := fmt.Sprintf("%s %s:%d@%d %s %s %d %d %d %s",
		id, ip, clientPort, busPort, flagCSV, master, pingSent, pongRecv, epoch, linkState)
	if slotField != "" {
		line += " " + slotField
	}
	if id == myID {
		for slot := 0; slot < NumSlots; slot++ {
			if to := slots.MigratingTo(slot); to != "" {
				line += fmt.Sprintf(" [%d->-%s]", slot, to)
			}
			if from := slots.ImportingFrom(slot); from != "" {
				line += fmt.Sprintf(" [%d-<-%s]", slot, from)
			}
		}
	}
	return line
}

// formatSlotRanges 把升序槽号列表压缩成最少数量的 "start-end"/"slot" 区间。
func formatSlotRanges(slots []int) string {
	if len(slots) == 0 {
		return ""
	}
	var parts []string
	start := slots[0]
	prev := slots[0]
	for i := 1; i <= len(slots); i++ {
		if i < len(slots) && slots[i] == prev+1 {
			prev = slots[i]
			continue
		}
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
		if i < len(slots) {
			start = slots[i]
			prev = slots[i]
		}
	}
	return strings.Join(parts, " ")
}

// LoadResult 汇总从 nodes.conf 解析出的拓扑，供调用方（cluster.go 的
// 启动序列）把它装入 Registry 和 SlotMap。
type LoadResult struct {
	CurrentEpoch  int64
	LastVoteEpoch int64
	Nodes         []*Node
	LocalNodeID   string // 带 "myself" 标记的那一行
}

// Load 解析 nodes.conf；文件不存在时返回空结果而非错误（首次启动的
// 正常路径）。
func (s *TopologyStore) Load() (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return &LoadResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cluster: opening %s: %w", s.path, err)
	}
	defer f.Close()

	result := &LoadResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "vars ") {
			parseVarsLine(line, result)
			continue
		}
		n, isMyself, err := parseNodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("cluster: parsing nodes.conf line %q: %w", line, err)
		}
		result.Nodes = append(result.Nodes, n)
		if isMyself {
			result.LocalNodeID = n.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cluster: reading %s: %w", s.path, err)
	}
	return result, nil
}

func parseVarsLine(line string, result *LoadResult) {
	fields := strings.Fields(line)
	for i := 1; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "currentEpoch":
			result.CurrentEpoch, _ = strconv.ParseInt(fields[i+1], 10, 64)
		case "lastVoteEpoch":
			result.LastVoteEpoch, _ = strconv.ParseInt(fields[i+1], 10, 64)
		}
	}
}

func parseNodeLine(line string) (*Node, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false, fmt.Errorf("expected at least 8 fields, got %d", len(fields))
	}

	id := fields[0]
	addrPart := fields[1]
	flagsPart := fields[2]
	masterPart := fields[3]
	pingSent, _ := strconv.ParseInt(fields[4], 10, 64)
	pongRecv, _ := strconv.ParseInt(fields[5], 10, 64)
	epoch, _ := strconv.ParseInt(fields[6], 10, 64)
	// fields[7] 是 link-state，目前只用于可读性，不影响内存模型。

	ip, clientPort, busPort, err := parseNodeAddr(addrPart)
	if err != nil {
		return nil, false, err
	}

	flags, isMyself := parseFlagsCSV(flagsPart)

	n := NewNode(id, Addr{IP: ip, ClientPort: clientPort, BusPort: busPort}, flags)
	n.ConfigEpoch = epoch
	if pingSent > 0 {
		n.PingSent = msToTime(pingSent)
	}
	if pongRecv > 0 {
		n.PongReceived = msToTime(pongRecv)
	}
	if masterPart != "-" {
		n.MasterID = masterPart
	}

	for _, tok := range fields[8:] {
		if strings.HasPrefix(tok, "[") {
			continue // 迁移中标记：加载时跳过，SlotMap 的迁移状态不从文件恢复
		}
		lo, hi, err := parseSlotToken(tok)
		if err != nil {
			return nil, false, err
		}
		for slot := lo; slot <= hi; slot++ {
			n.Slots.Set(slot)
		}
	}

	return n, isMyself, nil
}

func parseNodeAddr(s string) (ip string, clientPort, busPort int, err error) {
	at := strings.IndexByte(s, '@')
	if at == -1 {
		return "", 0, 0, fmt.Errorf("address %q missing @busport", s)
	}
	busStr := s[at+1:]
	hostPort := s[:at]
	colon := strings.LastIndexByte(hostPort, ':')
	if colon == -1 {
		return "", 0, 0, fmt.Errorf("address %q missing :port", s)
	}
	ip = hostPort[:colon]
	clientPort, err = strconv.Atoi(hostPort[colon+1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad client port in %q: %w", s, err)
	}
	busPort, err = strconv.Atoi(busStr)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad bus port in %q: %w", s, err)
	}
	return ip, clientPort, busPort, nil
}

func parseFlagsCSV(s string) (Flag, bool) {
	var f Flag
	isMyself := false
	for _, name := range strings.Split(s, ",") {
		switch name {
		case "myself":
			isMyself = true
		case "master":
			f |= FlagMaster
		case "slave":
			f |= FlagReplica
		case "fail?":
			f |= FlagPFail
		case "fail":
			f |= FlagFail
		case "handshake":
			f |= FlagHandshake
		case "noaddr":
			f |= FlagNoAddr
		case "meet":
			f |= FlagMeet
		case "migrate-to":
			f |= FlagMigrateTo
		case "nofailover":
			f |= FlagNoFailover
		}
	}
	return f, isMyself
}

func parseSlotToken(tok string) (lo, hi int, err error) {
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		lo, err = strconv.Atoi(tok[:dash])
		if err != nil {
			return 0, 0, err
		}
		hi, err = strconv.Atoi(tok[dash+1:])
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, 0, err
	}
	return v, v, nil
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }
