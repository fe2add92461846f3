package statedb

import (
	"time"

	"gorm.io/gorm"
)

// ElectrumServerStat tracks how an Electrum endpoint has behaved for us,
// so operator tooling can spot chronically bad servers.
type ElectrumServerStat struct {
	gorm.Model
	Host            string `gorm:"uniqueIndex:idx_host_port"`
	Port            uint16 `gorm:"uniqueIndex:idx_host_port"`
	LastConnected   *time.Time
	LastDisconnect  *time.Time
	DisconnectCount uint32
	BestHeightSeen  int32
}

// ChainCheckpoint is the latest chain tip the pool published. A single
// row keyed by network.
type ChainCheckpoint struct {
	gorm.Model
	Network   string `gorm:"uniqueIndex"`
	Height    int32
	BlockHash string
}
