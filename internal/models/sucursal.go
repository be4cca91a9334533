package models

import (
	"time"
)

// Sucursal represents one branch deployment of the system. Every server
// hosts the full registry; the row whose name matches SUCURSAL_NAME is
// "this" server. ServerURL is the base URL peers use to reach it.
type Sucursal struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	Name        string    `gorm:"column:name;uniqueIndex;size:255;not null" json:"name"`
	Description string    `gorm:"column:description;size:500" json:"description"`
	Location    string    `gorm:"column:location;size:255" json:"location"`
	ServerURL   string    `gorm:"column:server_url;size:500" json:"server_url"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`

	Connections []SucursalConnection `gorm:"foreignKey:SucursalID" json:"connections,omitempty"`
}

func (Sucursal) TableName() string {
	return "sucursals"
}

// SucursalConnection is a connection edge between two sucursals.
// Edges are stored directed but treated as undirected: a duplicate in
// either direction is rejected.
type SucursalConnection struct {
	ID               uint      `gorm:"column:id;primaryKey" json:"id"`
	SucursalID       uint      `gorm:"column:sucursal_id;index;not null" json:"sucursal_id"`
	TargetSucursalID uint      `gorm:"column:target_sucursal_id;index;not null" json:"target_sucursal_id"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

func (SucursalConnection) TableName() string {
	return "sucursal_connections"
}

// SucursalInfo is the wire form exchanged by the peer endpoints
// (notify-new, current/info and discovery listings).
type SucursalInfo struct {
	SucursalID  uint   `json:"sucursalId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
	ServerURL   string `json:"serverUrl"`
}
