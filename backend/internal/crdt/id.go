package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ID 唯一标识一个字符：(副本, 该副本内递增序号)。Client 从 1 开始，0 保留给文档开头。
type ID struct {
	Client uint64
	Seq    uint64
}

var rootID = ID{}

func (id ID) IsRoot() bool { return id == rootID }

func (id ID) String() string {
	return strconv.FormatUint(id.Client, 10) + ":" + strconv.FormatUint(id.Seq, 10)
}

// ParseID 解析 "client:seq" 形式的字符串
func ParseID(s string) (ID, error) {
	left, right, ok := strings.Cut(s, ":")
	if !ok {
		return ID{}, fmt.Errorf("invalid id %q", s)
	}
	c, err := strconv.ParseUint(left, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	q, err := strconv.ParseUint(right, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if c == 0 || q == 0 {
		return ID{}, fmt.Errorf("invalid id %q", s)
	}
	return ID{Client: c, Seq: q}, nil
}

// StateVector: client -> 已连续收到的最大 seq
type StateVector map[uint64]uint64

func (sv StateVector) Get(client uint64) uint64 { return sv[client] }

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Equal 忽略值为 0 的项
func (sv StateVector) Equal(other StateVector) bool {
	for k, v := range sv {
		if v != 0 && other[k] != v {
			return false
		}
	}
	for k, v := range other {
		if v != 0 && sv[k] != v {
			return false
		}
	}
	return true
}

// Dominates 表示 sv 包含 other 的全部操作
func (sv StateVector) Dominates(other StateVector) bool {
	for k, v := range other {
		if sv[k] < v {
			return false
		}
	}
	return true
}

// Behind 返回 sv 相对 current 落后的操作数
func (sv StateVector) Behind(current StateVector) uint64 {
	var n uint64
	for k, v := range current {
		if have := sv[k]; have < v {
			n += v - have
		}
	}
	return n
}

func (sv StateVector) clients() []uint64 {
	keys := make([]uint64, 0, len(sv))
	for k, v := range sv {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Encode 按 client 升序编码，保证同一状态得到相同字节
func (sv StateVector) Encode() []byte {
	keys := sv.clients()
	b := protowire.AppendVarint(nil, uint64(len(keys)))
	for _, k := range keys {
		b = protowire.AppendVarint(b, k)
		b = protowire.AppendVarint(b, sv[k])
	}
	return b
}

// DecodeStateVector 空输入视为空状态
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	r := reader{buf: b}
	n, err := r.varint()
	if err != nil {
		return nil, corrupt(err)
	}
	if n > uint64(len(b)) {
		return nil, corrupt(errors.New("state vector length out of range"))
	}
	for i := uint64(0); i < n; i++ {
		c, err := r.varint()
		if err != nil {
			return nil, corrupt(err)
		}
		s, err := r.varint()
		if err != nil {
			return nil, corrupt(err)
		}
		sv[c] = s
	}
	if !r.done() {
		return nil, corrupt(errors.New("trailing bytes in state vector"))
	}
	return sv, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	r.off += n
	return v, nil
}

func (r *reader) done() bool { return r.off >= len(r.buf) }
