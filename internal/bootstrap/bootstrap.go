// Package bootstrap applies a declarative YAML seed file to the membership
// store at startup: groups, servers, links, and users that must exist before
// any admin logs in. Applying the same file twice is a no-op.
package bootstrap

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/gateerr"
	"gopkg.in/yaml.v3"
)

type File struct {
	Groups  []GroupSpec  `yaml:"groups"`
	Users   []UserSpec   `yaml:"users"`
	Servers []ServerSpec `yaml:"servers"`
	Links   []LinkSpec   `yaml:"links"`
}

type GroupSpec struct {
	Name string `yaml:"name"`
}

type UserSpec struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
	Group    string `yaml:"group"`
}

type ServerSpec struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	PrivateKey string `yaml:"private_key"`
	Passphrase string `yaml:"passphrase"`
}

type LinkSpec struct {
	Group  string `yaml:"group"`
	Server string `yaml:"server"`
}

// Apply reads and applies the seed file at path. Existing records (matched
// by group name, username, or server name) are left untouched.
func Apply(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bootstrap file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse bootstrap file: %w", err)
	}
	return apply(&f)
}

func apply(f *File) error {
	for _, g := range f.Groups {
		if g.Name == "" {
			return fmt.Errorf("bootstrap group with empty name")
		}
		if _, err := database.GetGroupByName(g.Name); err == nil {
			continue
		} else if !errors.Is(err, gateerr.ErrNotFound) {
			return err
		}
		if err := database.CreateGroup(&database.Group{Name: g.Name}); err != nil {
			return fmt.Errorf("bootstrap group %q: %w", g.Name, err)
		}
		log.Printf("[bootstrap] created group %q", g.Name)
	}

	serverIDs := make(map[string]uint)
	existing, err := database.ListServers()
	if err != nil {
		return err
	}
	for _, s := range existing {
		serverIDs[s.Name] = s.ID
	}
	for _, s := range f.Servers {
		if s.Host == "" || s.Username == "" {
			return fmt.Errorf("bootstrap server %q: host and username are required", s.Name)
		}
		name := s.Name
		if name == "" {
			name = s.Username + "@" + s.Host
		}
		if _, ok := serverIDs[name]; ok {
			continue
		}
		password, err := crypto.Encrypt(s.Password)
		if err != nil {
			return fmt.Errorf("bootstrap server %q: %w", name, err)
		}
		privateKey, err := crypto.Encrypt(s.PrivateKey)
		if err != nil {
			return fmt.Errorf("bootstrap server %q: %w", name, err)
		}
		passphrase, err := crypto.Encrypt(s.Passphrase)
		if err != nil {
			return fmt.Errorf("bootstrap server %q: %w", name, err)
		}
		port := s.Port
		if port == 0 {
			port = 22
		}
		srv := &database.Server{
			Name:       name,
			Host:       s.Host,
			Port:       port,
			Username:   s.Username,
			Password:   password,
			PrivateKey: privateKey,
			Passphrase: passphrase,
		}
		if err := database.CreateServer(srv); err != nil {
			return fmt.Errorf("bootstrap server %q: %w", name, err)
		}
		serverIDs[name] = srv.ID
		log.Printf("[bootstrap] created server %q (%s:%d)", name, s.Host, port)
	}

	for _, u := range f.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("bootstrap user with empty username or password")
		}
		if _, err := database.GetUserByUsername(u.Username); err == nil {
			continue
		} else if !errors.Is(err, gateerr.ErrNotFound) {
			return err
		}
		role := u.Role
		if role == "" {
			role = "user"
		}
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return fmt.Errorf("bootstrap user %q: %w", u.Username, err)
		}
		user := &database.User{Username: u.Username, PasswordHash: hash, Role: role}
		if u.Group != "" {
			group, err := database.GetGroupByName(u.Group)
			if err != nil {
				return fmt.Errorf("bootstrap user %q: group %q: %w", u.Username, u.Group, err)
			}
			user.GroupID = &group.ID
		}
		if err := database.CreateUser(user); err != nil {
			return fmt.Errorf("bootstrap user %q: %w", u.Username, err)
		}
		log.Printf("[bootstrap] created user %q (role %s)", u.Username, role)
	}

	for _, l := range f.Links {
		group, err := database.GetGroupByName(l.Group)
		if err != nil {
			return fmt.Errorf("bootstrap link: group %q: %w", l.Group, err)
		}
		serverID, ok := serverIDs[l.Server]
		if !ok {
			return fmt.Errorf("bootstrap link: server %q: %w", l.Server, gateerr.ErrNotFound)
		}
		if err := database.CreateLink(group.ID, serverID); err != nil {
			return fmt.Errorf("bootstrap link %q->%q: %w", l.Group, l.Server, err)
		}
	}

	return nil
}
