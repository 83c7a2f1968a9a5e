// Package snapshot 管理文档状态的版本化检查点。
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
)

// Snapshot 是某个文档在某个版本上的只读检查点。
// 从 Manager 取得的 Snapshot 是共享的，调用方不得修改。
type Snapshot struct {
	ID         string               `msgpack:"id"`
	StateID    string               `msgpack:"state"`
	Version    uint64               `msgpack:"ver"`
	Data       []byte               `msgpack:"data"`
	Clock      causal.VersionVector `msgpack:"clock"`
	CreatedAt  int64                `msgpack:"at"` // HLC 物理时间，Unix 毫秒
	Compressed bool                 `msgpack:"z"`
	Checksum   string               `msgpack:"sum"` // 未压缩数据的 SHA-256 (hex)
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("%s@%d(%s)", s.StateID, s.Version, s.ID)
}

// Checksum 计算未压缩数据的校验和。
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
