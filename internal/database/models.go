package database

import "time"

// User is a web operator. GroupID is nil until an admin assigns the user to
// a group; an unassigned user is not authorized for any server.
type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	GroupID      *uint     `gorm:"index" json:"group_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Group is the unit of authorization granularity. Users inherit all of their
// group's server access.
type Group struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:64" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Server is a remote account/host pair reachable over SSH. Credential
// columns (Password, PrivateKey, Passphrase) hold fernet tokens, never
// plaintext; internal/crypto owns encryption and decryption.
type Server struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"not null;size:64" json:"name"`
	Host       string    `gorm:"not null" json:"host"`
	Port       int       `gorm:"not null;default:22" json:"port"`
	Username   string    `gorm:"not null;size:64" json:"username"`
	Password   string    `json:"-"`
	PrivateKey string    `json:"-"`
	Passphrase string    `json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GroupServerLink is a group-to-server permission edge. The composite
// primary key enforces at most one link per (group, server) pair.
type GroupServerLink struct {
	GroupID  uint `gorm:"primaryKey" json:"group_id"`
	ServerID uint `gorm:"primaryKey" json:"server_id"`
}

// Setting is a key/value row for runtime state such as the fernet key.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
