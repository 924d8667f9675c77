package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	// ID 是這個實例的唯一識別，作為consumer group內的consumer名稱
	ID string

	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Engine EngineConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	ConsumerGroup string
	LockExpiry    time.Duration

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	Events        string
	Notifications string
}

type AuthConfig struct {
	PrivateKey     crypto.Signer
	Issuer         string
	Audience       string
	ExpireDuration time.Duration
}

type EngineConfig struct {
	// QueueDepth 是單一拍賣允許排隊的操作數量上限，超過直接拒絕
	QueueDepth int
	// ReopenWindow 是重新開標後的新競標時長
	ReopenWindow time.Duration
	// SweepInterval 是到期掃描與一致性檢查的間隔
	SweepInterval time.Duration
	// DistributedLock 啟用跨節點的拍賣鎖，多實例部署時必須開啟
	DistributedLock bool
}
