package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"docSyncServer/backend/internal/blame"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/patch"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Redis struct {
		// Addrs 多个地址时按集群连接；为空时锁和在线状态退回进程内实现
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// Brokers 为空时不发布文档事件
		Brokers    []string                      `mapstructure:"brokers"`
		Topic      string                        `mapstructure:"topic"`
		Dispatcher collab.KafkaDispatcherOptions `mapstructure:"dispatcher"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Compaction compaction.Config `mapstructure:"compaction"`
	Collab     collab.Config     `mapstructure:"collab"`
	Patch      struct {
		patch.Config `mapstructure:",squash"`
		// RebaseStrategy: reanchor / http / none
		RebaseStrategy string `mapstructure:"rebase_strategy"`
		RebaseURL      string `mapstructure:"rebase_url"`
	} `mapstructure:"patch"`
	Blame blame.Config `mapstructure:"blame"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	// 没有默认值的键也要登记，环境变量才能覆盖
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("patch.rebase_url", "")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("mysql.slow_threshold", 200*time.Millisecond)
	v.SetDefault("kafka.topic", "doc-events")

	d := collab.DefaultKafkaDispatcherOptions()
	v.SetDefault("kafka.dispatcher.queue_size", d.QueueSize)
	v.SetDefault("kafka.dispatcher.workers", d.Workers)
	v.SetDefault("kafka.dispatcher.max_retry", d.MaxRetry)
	v.SetDefault("kafka.dispatcher.base_backoff", d.BaseBackoff)
	v.SetDefault("kafka.dispatcher.max_backoff", d.MaxBackoff)
	v.SetDefault("kafka.dispatcher.max_in_flight", d.MaxInFlight)

	c := compaction.DefaultConfig()
	v.SetDefault("compaction.max_updates", c.MaxUpdates)
	v.SetDefault("compaction.max_bytes", c.MaxBytes)
	v.SetDefault("compaction.max_age", c.MaxAge)
	v.SetDefault("compaction.force_updates", c.ForceUpdates)
	v.SetDefault("compaction.max_state_bytes", c.MaxStateBytes)
	v.SetDefault("compaction.retention", c.Retention)
	v.SetDefault("compaction.lock_ttl", c.LockTTL)
	v.SetDefault("compaction.lock_wait", c.LockWait)
	v.SetDefault("compaction.sweep_interval", c.SweepInterval)
	v.SetDefault("compaction.queue_size", c.QueueSize)
	v.SetDefault("compaction.workers", c.Workers)

	s := collab.DefaultConfig()
	v.SetDefault("collab.send_queue", s.SendQueue)
	v.SetDefault("collab.corrupt_threshold", s.CorruptThreshold)
	v.SetDefault("collab.update_rate", s.UpdateRate)
	v.SetDefault("collab.update_burst", s.UpdateBurst)
	v.SetDefault("collab.awareness_ttl", s.AwarenessTTL)
	v.SetDefault("collab.max_awareness_bytes", s.MaxAwareness)
	v.SetDefault("collab.max_concurrent_loads", s.MaxLoads)
	v.SetDefault("collab.load_timeout", s.LoadTimeout)
	v.SetDefault("collab.publish_timeout", s.PublishTimeout)

	p := patch.DefaultConfig()
	v.SetDefault("patch.rebase_timeout", p.RebaseTimeout)
	v.SetDefault("patch.max_operations", p.MaxOperations)
	v.SetDefault("patch.rebase_strategy", "reanchor")

	b := blame.DefaultConfig()
	v.SetDefault("blame.workers", b.Workers)
	v.SetDefault("blame.queue_size", b.QueueSize)
	v.SetDefault("blame.cache_size", b.CacheSize)
	v.SetDefault("blame.max_backfill", b.MaxBackfill)
}

// Load 读取 docsyncConfig.yaml；file 非空时只读该文件。
// 环境变量 DOCSYNC_ 前缀覆盖同名配置，例如 DOCSYNC_MYSQL_DSN。
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("docsyncConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
