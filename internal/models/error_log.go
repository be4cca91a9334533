package models

import (
	"encoding/json"
	"time"
)

// ErrorType categorizes error log entries
type ErrorType string

const (
	ErrorTypeBackupSend ErrorType = "backup_send"
	ErrorTypePeerNotify ErrorType = "peer_notify"
	ErrorTypeDiscovery  ErrorType = "discovery"
	ErrorTypeUpload     ErrorType = "upload"
	ErrorTypeInternal   ErrorType = "internal"
)

// ErrorLog records an operational error. Entries are always written
// locally; SentToRemote tracks the best-effort replication to the peer
// configured for this sucursal (same one-shot-then-batched-retry
// semantics as backup files).
type ErrorLog struct {
	ID           uint            `gorm:"column:id;primaryKey" json:"id"`
	Type         ErrorType       `gorm:"column:type;size:50;not null;index" json:"type"`
	Description  string          `gorm:"column:description;size:500" json:"description"`
	Details      json.RawMessage `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	SucursalName string          `gorm:"column:sucursal_name;size:255;index" json:"sucursal_name"`
	SentToRemote bool            `gorm:"column:sent_to_remote;default:false;index" json:"sent_to_remote"`
	CreatedAt    time.Time       `gorm:"column:created_at;index" json:"created_at"`
}

func (ErrorLog) TableName() string {
	return "error_logs"
}
