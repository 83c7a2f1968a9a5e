// Package config 加载副本进程的 YAML 配置。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Config 是 replicad 的完整配置。
type Config struct {
	Replica  ReplicaConfig  `yaml:"replica"`
	Engine   EngineConfig   `yaml:"engine"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ReplicaConfig 描述本地副本。ID 为空时启动时生成。
type ReplicaConfig struct {
	ID string `yaml:"id" validate:"omitempty,uuid"`
}

type EngineConfig struct {
	MailboxSize   int           `yaml:"mailbox_size" validate:"gt=0"`
	MaxPending    int           `yaml:"max_pending" validate:"gt=0"`
	PruneInterval time.Duration `yaml:"prune_interval" validate:"gte=0"`
	ClockDriftMS  int64         `yaml:"clock_drift_ms" validate:"gte=0"`
	DeliveryRate  float64       `yaml:"delivery_rate" validate:"gte=0"` // 每秒交付的远端信封数，0 不限
	DeliveryBurst int           `yaml:"delivery_burst" validate:"gte=0"`
}

type SnapshotConfig struct {
	MaxPerState      int    `yaml:"max_per_state" validate:"gt=0"`
	Compress         bool   `yaml:"compress"`
	CompressionLevel int    `yaml:"compression_level" validate:"gte=1,lte=4"`
	StorePath        string `yaml:"store_path"`
	InMemory         bool   `yaml:"in_memory"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json auto"`
}

// ClockDrift 返回允许的最大时钟漂移，0 表示不检查。
func (c EngineConfig) ClockDrift() time.Duration {
	return time.Duration(c.ClockDriftMS) * time.Millisecond
}

var validate = validator.New()

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			MailboxSize:   64,
			MaxPending:    1024,
			PruneInterval: time.Minute,
			ClockDriftMS:  5000,
		},
		Snapshot: SnapshotConfig{
			MaxPerState:      10,
			Compress:         true,
			CompressionLevel: 2,
			InMemory:         true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load 读取 path 处的 YAML，未出现的字段取默认值。
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, syncerr.Wrap(syncerr.KindInvalidConfig, fmt.Errorf("read config %s: %w", path, err))
	}
	return Parse(data)
}

// Parse 解析 YAML 内容并校验。
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, syncerr.Wrap(syncerr.KindInvalidConfig, fmt.Errorf("parse config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验字段取值以及字段之间的约束。
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return syncerr.New(syncerr.KindInvalidConfig, "%s", strings.Join(msgs, "; "))
		}
		return syncerr.Wrap(syncerr.KindInvalidConfig, err)
	}
	if c.Engine.DeliveryRate > 0 && c.Engine.DeliveryBurst == 0 {
		return syncerr.New(syncerr.KindInvalidConfig, "engine.delivery_burst must be > 0 when delivery_rate is set")
	}
	if !c.Snapshot.InMemory && c.Snapshot.StorePath == "" {
		return syncerr.New(syncerr.KindInvalidConfig, "snapshot.store_path is required unless snapshot.in_memory is set")
	}
	return nil
}

// ReplicaID 解析配置中的副本 ID；为空时生成一个新的。
func (c Config) ReplicaID() (causal.ReplicaID, error) {
	if c.Replica.ID == "" {
		return causal.NewReplicaID(), nil
	}
	id, err := causal.ParseReplicaID(c.Replica.ID)
	if err != nil {
		return causal.Nil, syncerr.Wrap(syncerr.KindInvalidConfig, err)
	}
	if id.IsNil() {
		return causal.Nil, syncerr.New(syncerr.KindInvalidConfig, "replica id must not be the nil uuid")
	}
	return id, nil
}

// Marshal 输出 YAML，用于生成默认配置文件。
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
