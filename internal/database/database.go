package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/gateerr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	return nil
}

// Migrate creates or updates the schema on the given connection. Split from
// Init so tests can run against an in-memory database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Group{}, &Server{}, &GroupServerLink{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// notFound translates gorm's record-not-found into the shared sentinel.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gateerr.ErrNotFound
	}
	return err
}

// Settings

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func DeleteUser(id uint) error {
	res := DB.Delete(&User{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gateerr.ErrNotFound
	}
	return nil
}

func SetUserGroup(id uint, groupID *uint) error {
	res := DB.Model(&User{}).Where("id = ?", id).Update("group_id", groupID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gateerr.ErrNotFound
	}
	return nil
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ListUsersInGroup returns the members of a group, used when a group
// deletion must terminate member sessions.
func ListUsersInGroup(groupID uint) ([]User, error) {
	var users []User
	if err := DB.Where("group_id = ?", groupID).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// Group helpers

func GetGroupByID(id uint) (*Group, error) {
	var g Group
	if err := DB.First(&g, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func GetGroupByName(name string) (*Group, error) {
	var g Group
	if err := DB.Where("name = ?", name).First(&g).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func CreateGroup(group *Group) error {
	return DB.Create(group).Error
}

// DeleteGroup removes a group, nulls out member users' group reference, and
// drops the group's links. The three writes run in one transaction so a
// failed delete never leaves orphaned links behind.
func DeleteGroup(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Group{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gateerr.ErrNotFound
		}
		if err := tx.Model(&User{}).Where("group_id = ?", id).Update("group_id", nil).Error; err != nil {
			return err
		}
		return tx.Where("group_id = ?", id).Delete(&GroupServerLink{}).Error
	})
}

func ListGroups() ([]Group, error) {
	var groups []Group
	if err := DB.Order("id").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

// Server helpers

func GetServerByID(id uint) (*Server, error) {
	var s Server
	if err := DB.First(&s, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func CreateServer(server *Server) error {
	return DB.Create(server).Error
}

// DeleteServer removes a server and its links in one transaction.
func DeleteServer(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Server{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gateerr.ErrNotFound
		}
		return tx.Where("server_id = ?", id).Delete(&GroupServerLink{}).Error
	})
}

func ListServers() ([]Server, error) {
	var servers []Server
	if err := DB.Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// ListServersForGroup returns the servers a group is linked to.
func ListServersForGroup(groupID uint) ([]Server, error) {
	var servers []Server
	err := DB.Joins("JOIN group_server_links ON group_server_links.server_id = servers.id").
		Where("group_server_links.group_id = ?", groupID).
		Order("servers.id").Find(&servers).Error
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// Link helpers. Identity on (group_id, server_id) makes both operations
// naturally idempotent.

func CreateLink(groupID, serverID uint) error {
	return DB.Where(&GroupServerLink{GroupID: groupID, ServerID: serverID}).
		FirstOrCreate(&GroupServerLink{GroupID: groupID, ServerID: serverID}).Error
}

func DeleteLink(groupID, serverID uint) error {
	return DB.Where("group_id = ? AND server_id = ?", groupID, serverID).
		Delete(&GroupServerLink{}).Error
}

func ListLinks() ([]GroupServerLink, error) {
	var links []GroupServerLink
	if err := DB.Order("group_id, server_id").Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}
