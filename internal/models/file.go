package models

import (
	"time"

	"gorm.io/gorm"
)

// Folder groups files for a department or user
type Folder struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	Name      string         `gorm:"column:name;size:255;not null" json:"name"`
	ParentID  *uint          `gorm:"column:parent_id;index" json:"parent_id"`
	OwnerID   uint           `gorm:"column:owner_id;index;not null" json:"owner_id"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Folder) TableName() string {
	return "folders"
}

// File is a stored document. Filename is the name on disk (unique),
// OriginalName the name the client uploaded it under.
type File struct {
	ID           uint           `gorm:"column:id;primaryKey" json:"id"`
	OriginalName string         `gorm:"column:original_name;size:255;not null" json:"original_name"`
	Filename     string         `gorm:"column:filename;size:255;uniqueIndex;not null" json:"filename"`
	Path         string         `gorm:"column:path;size:500;not null" json:"-"`
	Size         int64          `gorm:"column:size;not null" json:"size"`
	FolderID     *uint          `gorm:"column:folder_id;index" json:"folder_id"`
	OwnerID      uint           `gorm:"column:owner_id;index;not null" json:"owner_id"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (File) TableName() string {
	return "files"
}

// UploadSession mirrors an in-progress chunked upload. The authoritative
// received-chunk set lives in the session directory's session.json; this
// row exists so sessions have an owner and the reaper can find stale ones.
type UploadSession struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	SessionID   string    `gorm:"column:session_id;size:36;uniqueIndex;not null" json:"session_id"`
	FileName    string    `gorm:"column:file_name;size:255;not null" json:"file_name"`
	FileSize    int64     `gorm:"column:file_size;not null" json:"file_size"`
	ChunkSize   int64     `gorm:"column:chunk_size;not null" json:"chunk_size"`
	TotalChunks int       `gorm:"column:total_chunks;not null" json:"total_chunks"`
	OwnerID     uint      `gorm:"column:owner_id;index;not null" json:"owner_id"`
	FolderID    *uint     `gorm:"column:folder_id" json:"folder_id"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UploadSession) TableName() string {
	return "upload_sessions"
}
