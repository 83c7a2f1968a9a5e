// Package causal 提供副本标识、Lamport 时间戳与版本向量。
// 这些是其余组件判定因果关系的基础原语，全部是纯函数，不会失败。
package causal

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ReplicaID 是 128 位的全局唯一副本标识，在副本启动时生成且不可变。
type ReplicaID uuid.UUID

// Nil 表示未分配的副本 ID。
var Nil ReplicaID

// NewReplicaID 生成随机副本 ID。
func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.New())
}

// ParseReplicaID 解析标准 UUID 字符串。
func ParseReplicaID(s string) (ReplicaID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("invalid replica id %q: %w", s, err)
	}
	return ReplicaID(u), nil
}

// MustParseReplicaID 用于测试和常量初始化。
func MustParseReplicaID(s string) ReplicaID {
	id, err := ParseReplicaID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ReplicaID) String() string {
	return uuid.UUID(id).String()
}

// Short 返回前 8 位，便于日志输出。
func (id ReplicaID) Short() string {
	return id.String()[:8]
}

func (id ReplicaID) IsNil() bool {
	return id == Nil
}

// Compare 按字节序比较两个 ID。
func (id ReplicaID) Compare(other ReplicaID) int {
	return bytes.Compare(id[:], other[:])
}

var (
	_ msgpack.CustomEncoder = ReplicaID{}
	_ msgpack.CustomDecoder = (*ReplicaID)(nil)
)

// EncodeMsgpack 以 16 字节 bin 编码。
func (id ReplicaID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(id[:])
}

func (id *ReplicaID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("replica id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return nil
}
