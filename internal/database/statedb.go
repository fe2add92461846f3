// Package statedb persists operational state that survives restarts:
// Electrum server health and the last chain checkpoint. Broadcaster and
// swap-out state is deliberately not stored; both rebuild from live peers.
package statedb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB is the global SQLite database instance
var DB *gorm.DB

// InitSQLiteDB initializes the SQLite database
func InitSQLiteDB(dbPath string) error {
	var err error

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %v", err)
		}
	}

	// Configure GORM to be less verbose
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	}

	DB, err = gorm.Open(sqlite.Open(dbPath), cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}

	err = DB.AutoMigrate(
		&ElectrumServerStat{},
		&ChainCheckpoint{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %v", err)
	}
	return nil
}

// RecordServerConnected upserts the stat row for an endpoint that just
// delivered a chain tip.
func RecordServerConnected(host string, port uint16, height int32) error {
	now := time.Now()
	var stat ElectrumServerStat
	err := DB.Where("host = ? AND port = ?", host, port).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stat = ElectrumServerStat{Host: host, Port: port, LastConnected: &now, BestHeightSeen: height}
		return DB.Create(&stat).Error
	}
	if err != nil {
		return err
	}
	stat.LastConnected = &now
	if height > stat.BestHeightSeen {
		stat.BestHeightSeen = height
	}
	return DB.Save(&stat).Error
}

// RecordServerDisconnected bumps the disconnect counter for an endpoint.
func RecordServerDisconnected(host string, port uint16) error {
	now := time.Now()
	var stat ElectrumServerStat
	err := DB.Where("host = ? AND port = ?", host, port).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stat = ElectrumServerStat{Host: host, Port: port, LastDisconnect: &now, DisconnectCount: 1}
		return DB.Create(&stat).Error
	}
	if err != nil {
		return err
	}
	stat.LastDisconnect = &now
	stat.DisconnectCount++
	return DB.Save(&stat).Error
}

// SetChainCheckpoint records the latest published tip for the network.
func SetChainCheckpoint(network string, height int32, blockHash string) error {
	var cp ChainCheckpoint
	err := DB.Where("network = ?", network).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cp = ChainCheckpoint{Network: network, Height: height, BlockHash: blockHash}
		return DB.Create(&cp).Error
	}
	if err != nil {
		return err
	}
	if height <= cp.Height {
		return nil
	}
	cp.Height = height
	cp.BlockHash = blockHash
	return DB.Save(&cp).Error
}

// GetChainCheckpoint returns the stored tip, or (0, "") when none exists.
func GetChainCheckpoint(network string) (int32, string, error) {
	var cp ChainCheckpoint
	err := DB.Where("network = ?", network).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return cp.Height, cp.BlockHash, nil
}

// ServerStats lists every endpoint we have a record for.
func ServerStats() ([]ElectrumServerStat, error) {
	var stats []ElectrumServerStat
	err := DB.Order("host, port").Find(&stats).Error
	return stats, err
}
