package collab

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageKind 同步通道上的消息类型
type MessageKind uint64

const (
	// MsgSyncStep1 载荷是发送方的状态向量
	MsgSyncStep1 MessageKind = 0
	// MsgSyncStep2 载荷是接收方缺少的操作
	MsgSyncStep2 MessageKind = 1
	MsgUpdate    MessageKind = 2
	// MsgAwareness 光标/选区等临时状态，服务端只转发不解析
	MsgAwareness MessageKind = 3
	// MsgError 载荷是 UTF-8 错误码
	MsgError MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case MsgSyncStep1:
		return "sync_step1"
	case MsgSyncStep2:
		return "sync_step2"
	case MsgUpdate:
		return "update"
	case MsgAwareness:
		return "awareness"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", uint64(k))
}

var ErrMalformedMessage = errors.New("malformed message")

// 单帧载荷上限
const maxPayload = 32 << 20

type Message struct {
	Kind    MessageKind
	Payload []byte
}

// Encode 帧格式：varint(kind) + varint(len) + payload
func (m Message) Encode() []byte {
	b := make([]byte, 0, len(m.Payload)+2*protowire.SizeVarint(uint64(len(m.Payload))))
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

func DecodeMessage(b []byte) (Message, error) {
	kind, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: kind: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	if kind > uint64(MsgError) {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, kind)
	}
	b = b[n:]
	size, m := protowire.ConsumeVarint(b)
	if m < 0 {
		return Message{}, fmt.Errorf("%w: length: %v", ErrMalformedMessage, protowire.ParseError(m))
	}
	if size > maxPayload {
		return Message{}, fmt.Errorf("%w: payload %d bytes", ErrMalformedMessage, size)
	}
	payload, m := protowire.ConsumeBytes(b)
	if m < 0 {
		return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformedMessage, protowire.ParseError(m))
	}
	if m != len(b) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(b)-m)
	}
	return Message{Kind: MessageKind(kind), Payload: payload}, nil
}

func syncStep1(sv []byte) []byte       { return Message{Kind: MsgSyncStep1, Payload: sv}.Encode() }
func syncStep2(update []byte) []byte   { return Message{Kind: MsgSyncStep2, Payload: update}.Encode() }
func updateFrame(update []byte) []byte { return Message{Kind: MsgUpdate, Payload: update}.Encode() }
func errorFrame(code string) []byte    { return Message{Kind: MsgError, Payload: []byte(code)}.Encode() }

// awarenessFrame 转发时在前面加上会话 id，接收方据此区分来源
func awarenessFrame(sessionID string, blob []byte) []byte {
	p := protowire.AppendString(nil, sessionID)
	p = append(p, blob...)
	return Message{Kind: MsgAwareness, Payload: p}.Encode()
}

// SplitAwareness 拆出 awarenessFrame 里的会话 id
func SplitAwareness(payload []byte) (string, []byte, error) {
	id, n := protowire.ConsumeString(payload)
	if n < 0 {
		return "", nil, fmt.Errorf("%w: awareness: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return id, payload[n:], nil
}
