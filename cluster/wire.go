package cluster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

/*
 * ============================================================================
 * 集群总线二进制编解码 - Wire Codec
 * ============================================================================
 *
 * 帧布局（大端序）：
 *
 *   offset  size  field
 *   0       4     signature "RCmb"
 *   4       2     version
 *   6       4     total length (含头部)
 *   10      2     message type
 *   12      40    sender node id (ascii hex, 不足补 0x00)
 *   52      8     current epoch
 *   60      8     config epoch
 *   68      8     replication offset
 *   76      2048  sender slot bitmap (16384 bits)
 *   2124    40    sender master id (全零表示本节点是主节点)
 *   2164    16    sender ip (点分十进制，左对齐，右侧补 0x00)
 *   2180    2     sender client port
 *   2182    2     sender bus port
 *   2184    1     cluster state (0 = ok, 1 = down)
 *   2185    3     flags (bitfield，目前只用最低若干位)
 *   2188    ...   payload（随 message type 变化，见下文）
 *
 * 固定头部大小 headerSize = 2188 字节。之所以把 slot bitmap 放进头部
 * 而不是 payload，是因为几乎每种消息类型都要携带发送者的完整槽位声明
 * （gossip 的核心机制就是"顺带"传播槽位和节点健康信息），单独为每种
 * payload 重复定义一遍反而更容易出现编解码不对称的 bug。
 */

const (
	signature  = "RCmb"
	wireVer    = 1
	headerSize = 4 + 2 + 4 + 2 + idLength + 8 + 8 + 8 + (NumSlots / 8) + idLength + 16 + 2 + 2 + 1 + 3
)

// MsgType 标识集群总线消息的种类。
type MsgType uint16

const (
	MsgPing MsgType = iota + 1
	MsgPong
	MsgMeet
	MsgFail
	MsgPublish
	MsgAuthRequest
	MsgAuthAck
	MsgMFStart
	MsgUpdate
	MsgModule
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgMeet:
		return "MEET"
	case MsgFail:
		return "FAIL"
	case MsgPublish:
		return "PUBLISH"
	case MsgAuthRequest:
		return "AUTH-REQUEST"
	case MsgAuthAck:
		return "AUTH-ACK"
	case MsgMFStart:
		return "MFSTART"
	case MsgUpdate:
		return "UPDATE"
	case MsgModule:
		return "MODULE"
	default:
		return "UNKNOWN"
	}
}

// ClusterState 是头部里节点对集群整体健康状态的判断。
type ClusterState uint8

const (
	StateOK ClusterState = iota
	StateDown
)

// Gossip 是 PING/PONG/MEET 随附携带的随机对等节点摘要条目。
type Gossip struct {
	NodeID     string
	IP         string
	ClientPort int
	BusPort    int
	Flags      Flag
	ConfigEpoch int64
	PingSent    int64 // unix millis, 0 表示未知
	PongReceived int64
}

const gossipEntrySize = idLength + 16 + 2 + 2 + 4 + 8 + 8 + 8

// Header 是每条集群总线消息共享的固定头部。
type Header struct {
	Version       uint16
	Type          MsgType
	SenderID      string
	CurrentEpoch  int64
	ConfigEpoch   int64
	ReplOffset    int64
	SlotBitmap    [NumSlots / 8]byte
	MasterID      string
	IP            string
	ClientPort    uint16
	BusPort       uint16
	State         ClusterState
	Flags         [3]byte
}

// Frame 是一条完整的集群总线消息：头部 + 随消息类型变化的 payload。
type Frame struct {
	Header  Header
	Gossips []Gossip    // PING/PONG/MEET
	Fail    *FailPayload    // FAIL
	Publish *PublishPayload // PUBLISH
	Auth    *AuthPayload    // AUTH-REQUEST/AUTH-ACK
	MF      *MFPayload      // MFSTART
	Update  *UpdatePayload  // UPDATE
}

// FailPayload 通知接收者某节点已被判定为 FAIL。
type FailPayload struct {
	FailingNodeID string
}

// PublishPayload 承载发布订阅消息的跨节点转发。
type PublishPayload struct {
	Channel string
	Message string
}

// AuthPayload 承载选举投票请求/应答。ClaimedSlots 只在 AUTH-REQUEST 里
// 有意义：候选人即将接管的槽位集合（通常是其失败主节点当前拥有的全部
// 槽位），供投票者据此核对这些槽各自当前所有者的 config epoch，拒绝会
// 导致脑裂的过时声明（AUTH-ACK 中未使用，全零）。
type AuthPayload struct {
	Epoch        int64
	Force        bool // AUTH-REQUEST 的 FORCEACK 位；AUTH-ACK 中未使用
	ClaimedSlots [NumSlots / 8]byte
}

// MFPayload 承载手动故障转移握手的起始通知。
type MFPayload struct {
	MasterOffset int64
}

// UpdatePayload 通知接收者某节点的 config epoch/slot 声明已经过期，
// 需要用随附的权威槽位图覆盖本地视图。
type UpdatePayload struct {
	NodeID      string
	ConfigEpoch int64
	SlotBitmap  [NumSlots / 8]byte
}

// putFixed 把字符串左对齐写入固定宽度字段，右侧补零。
func putFixed(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixed(src []byte) string {
	end := bytes.IndexByte(src, 0)
	if end == -1 {
		end = len(src)
	}
	return string(src[:end])
}

// encode 序列化头部字段，不含 payload。
func (h *Header) encode(buf *bytes.Buffer, payloadLen int) {
	buf.WriteString(signature)
	writeU16(buf, h.Version)
	writeU32(buf, uint32(headerSize+payloadLen))
	writeU16(buf, uint16(h.Type))

	idField := make([]byte, idLength)
	putFixed(idField, h.SenderID)
	buf.Write(idField)

	writeI64(buf, h.CurrentEpoch)
	writeI64(buf, h.ConfigEpoch)
	writeI64(buf, h.ReplOffset)
	buf.Write(h.SlotBitmap[:])

	masterField := make([]byte, idLength)
	putFixed(masterField, h.MasterID)
	buf.Write(masterField)

	ipField := make([]byte, 16)
	putFixed(ipField, h.IP)
	buf.Write(ipField)

	writeU16(buf, h.ClientPort)
	writeU16(buf, h.BusPort)
	buf.WriteByte(byte(h.State))
	buf.Write(h.Flags[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

// Encode 序列化整条消息帧（头部 + payload）为字节切片，可直接写入连接。
func Encode(f *Frame) ([]byte, error) {
	var payload bytes.Buffer
	switch f.Header.Type {
	case MsgPing, MsgPong, MsgMeet:
		writeU32(&payload, uint32(len(f.Gossips)))
		for _, g := range f.Gossips {
			encodeGossip(&payload, g)
		}
	case MsgFail:
		if f.Fail == nil {
			return nil, fmt.Errorf("cluster: FAIL frame missing payload")
		}
		idField := make([]byte, idLength)
		putFixed(idField, f.Fail.FailingNodeID)
		payload.Write(idField)
	case MsgPublish:
		if f.Publish == nil {
			return nil, fmt.Errorf("cluster: PUBLISH frame missing payload")
		}
		writeU32(&payload, uint32(len(f.Publish.Channel)))
		payload.WriteString(f.Publish.Channel)
		writeU32(&payload, uint32(len(f.Publish.Message)))
		payload.WriteString(f.Publish.Message)
	case MsgAuthRequest, MsgAuthAck:
		if f.Auth == nil {
			return nil, fmt.Errorf("cluster: AUTH frame missing payload")
		}
		writeI64(&payload, f.Auth.Epoch)
		if f.Auth.Force {
			payload.WriteByte(1)
		} else {
			payload.WriteByte(0)
		}
		payload.Write(f.Auth.ClaimedSlots[:])
	case MsgMFStart:
		if f.MF == nil {
			return nil, fmt.Errorf("cluster: MFSTART frame missing payload")
		}
		writeI64(&payload, f.MF.MasterOffset)
	case MsgUpdate:
		if f.Update == nil {
			return nil, fmt.Errorf("cluster: UPDATE frame missing payload")
		}
		idField := make([]byte, idLength)
		putFixed(idField, f.Update.NodeID)
		payload.Write(idField)
		writeI64(&payload, f.Update.ConfigEpoch)
		payload.Write(f.Update.SlotBitmap[:])
	case MsgModule:
		// MODULE 消息目前没有本地模块注册任何 payload schema，按规范
		// 转发一个空 payload 即可满足"收到未知内容时不崩溃"的要求。
	default:
		return nil, fmt.Errorf("cluster: unknown message type %d", f.Header.Type)
	}

	var out bytes.Buffer
	out.Grow(headerSize + payload.Len())
	h := f.Header
	h.Version = wireVer
	h.encode(&out, payload.Len())
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

func encodeGossip(buf *bytes.Buffer, g Gossip) {
	idField := make([]byte, idLength)
	putFixed(idField, g.NodeID)
	buf.Write(idField)
	ipField := make([]byte, 16)
	putFixed(ipField, g.IP)
	buf.Write(ipField)
	writeU16(buf, g.ClientPort)
	writeU16(buf, g.BusPort)
	writeU32(buf, uint32(g.Flags))
	writeI64(buf, g.ConfigEpoch)
	writeI64(buf, g.PingSent)
	writeI64(buf, g.PongReceived)
}

func decodeGossip(r *bytes.Reader) (Gossip, error) {
	var g Gossip
	idField := make([]byte, idLength)
	if _, err := r.Read(idField); err != nil {
		return g, err
	}
	g.NodeID = getFixed(idField)
	ipField := make([]byte, 16)
	if _, err := r.Read(ipField); err != nil {
		return g, err
	}
	g.IP = getFixed(ipField)
	cp, err := readU16(r)
	if err != nil {
		return g, err
	}
	g.ClientPort = int(cp)
	bp, err := readU16(r)
	if err != nil {
		return g, err
	}
	g.BusPort = int(bp)
	flags, err := readU32(r)
	if err != nil {
		return g, err
	}
	g.Flags = Flag(flags)
	if g.ConfigEpoch, err = readI64(r); err != nil {
		return g, err
	}
	if g.PingSent, err = readI64(r); err != nil {
		return g, err
	}
	if g.PongReceived, err = readI64(r); err != nil {
		return g, err
	}
	return g, nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Decode 解析一个完整的、已经按 length 字段切好的帧缓冲区。调用方
// （link.go）负责先从流里按 length 字段切出恰好一帧再传给 Decode。
func Decode(raw []byte) (*Frame, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("cluster: frame shorter than header (%d < %d)", len(raw), headerSize)
	}
	if string(raw[0:4]) != signature {
		return nil, fmt.Errorf("cluster: bad signature %q", raw[0:4])
	}
	ver := binary.BigEndian.Uint16(raw[4:6])
	if ver != wireVer {
		return nil, fmt.Errorf("cluster: unsupported wire version %d", ver)
	}
	length := binary.BigEndian.Uint32(raw[6:10])
	if int(length) != len(raw) {
		return nil, fmt.Errorf("cluster: declared length %d does not match buffer %d", length, len(raw))
	}

	h := Header{Version: ver}
	h.Type = MsgType(binary.BigEndian.Uint16(raw[10:12]))
	off := 12
	h.SenderID = getFixed(raw[off : off+idLength])
	off += idLength
	h.CurrentEpoch = int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	h.ConfigEpoch = int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	h.ReplOffset = int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	copy(h.SlotBitmap[:], raw[off:off+NumSlots/8])
	off += NumSlots / 8
	h.MasterID = getFixed(raw[off : off+idLength])
	off += idLength
	h.IP = getFixed(raw[off : off+16])
	off += 16
	h.ClientPort = binary.BigEndian.Uint16(raw[off : off+2])
	off += 2
	h.BusPort = binary.BigEndian.Uint16(raw[off : off+2])
	off += 2
	h.State = ClusterState(raw[off])
	off++
	copy(h.Flags[:], raw[off:off+3])
	off += 3

	if off != headerSize {
		return nil, &InvariantViolation{What: "wire header decode offset mismatch"}
	}

	f := &Frame{Header: h}
	payload := bytes.NewReader(raw[headerSize:])

	switch h.Type {
	case MsgPing, MsgPong, MsgMeet:
		count, err := readU32(payload)
		if err != nil {
			return nil, err
		}
		f.Gossips = make([]Gossip, 0, count)
		for i := uint32(0); i < count; i++ {
			g, err := decodeGossip(payload)
			if err != nil {
				return nil, fmt.Errorf("cluster: decoding gossip entry %d: %w", i, err)
			}
			f.Gossips = append(f.Gossips, g)
		}
	case MsgFail:
		idField := make([]byte, idLength)
		if _, err := payload.Read(idField); err != nil {
			return nil, err
		}
		f.Fail = &FailPayload{FailingNodeID: getFixed(idField)}
	case MsgPublish:
		chanLen, err := readU32(payload)
		if err != nil {
			return nil, err
		}
		chanBuf := make([]byte, chanLen)
		if _, err := payload.Read(chanBuf); err != nil {
			return nil, err
		}
		msgLen, err := readU32(payload)
		if err != nil {
			return nil, err
		}
		msgBuf := make([]byte, msgLen)
		if _, err := payload.Read(msgBuf); err != nil {
			return nil, err
		}
		f.Publish = &PublishPayload{Channel: string(chanBuf), Message: string(msgBuf)}
	case MsgAuthRequest, MsgAuthAck:
		epoch, err := readI64(payload)
		if err != nil {
			return nil, err
		}
		forceByte, err := payload.ReadByte()
		if err != nil {
			return nil, err
		}
		var claimed [NumSlots / 8]byte
		if _, err := payload.Read(claimed[:]); err != nil {
			return nil, err
		}
		f.Auth = &AuthPayload{Epoch: epoch, Force: forceByte == 1, ClaimedSlots: claimed}
	case MsgMFStart:
		offset, err := readI64(payload)
		if err != nil {
			return nil, err
		}
		f.MF = &MFPayload{MasterOffset: offset}
	case MsgUpdate:
		idField := make([]byte, idLength)
		if _, err := payload.Read(idField); err != nil {
			return nil, err
		}
		epoch, err := readI64(payload)
		if err != nil {
			return nil, err
		}
		var bitmap [NumSlots / 8]byte
		if _, err := payload.Read(bitmap[:]); err != nil {
			return nil, err
		}
		f.Update = &UpdatePayload{NodeID: getFixed(idField), ConfigEpoch: epoch, SlotBitmap: bitmap}
	case MsgModule:
		// 无 payload 可解析。
	default:
		return nil, fmt.Errorf("cluster: unknown message type %d", h.Type)
	}

	return f, nil
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }
