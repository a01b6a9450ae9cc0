// Package authz maintains the authorization index: the group/user/server
// membership graph that decides whether a terminal session may be opened.
//
// The index keeps its own structures (user → group, group → linked server
// set) instead of re-scanning membership rows per check, so IsAuthorized is
// an O(1) map lookup under a read lock. Mutations persist to the membership
// store and update the in-memory maps while holding the write lock, which
// gives the link set sequential consistency: a mutation that completes
// before a check is always visible to it.
package authz

import (
	"fmt"
	"sync"

	"github.com/termgate/termgate/internal/database"
)

type Index struct {
	mu        sync.RWMutex
	userGroup map[uint]uint          // userID → groupID, assigned users only
	linked    map[uint]map[uint]bool // groupID → serverID set
}

func NewIndex() *Index {
	return &Index{
		userGroup: make(map[uint]uint),
		linked:    make(map[uint]map[uint]bool),
	}
}

// Rebuild loads the index from the membership store, replacing any previous
// state. Called once at startup and after bootstrap seeding.
func (ix *Index) Rebuild() error {
	users, err := database.ListUsers()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	links, err := database.ListLinks()
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}

	userGroup := make(map[uint]uint, len(users))
	for _, u := range users {
		if u.GroupID != nil {
			userGroup[u.ID] = *u.GroupID
		}
	}
	linked := make(map[uint]map[uint]bool)
	for _, l := range links {
		set := linked[l.GroupID]
		if set == nil {
			set = make(map[uint]bool)
			linked[l.GroupID] = set
		}
		set[l.ServerID] = true
	}

	ix.mu.Lock()
	ix.userGroup = userGroup
	ix.linked = linked
	ix.mu.Unlock()
	return nil
}

// IsAuthorized reports whether the user's group is linked to the server.
// Fails closed: an unknown user or a user without a group is not authorized.
func (ix *Index) IsAuthorized(userID, serverID uint) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	groupID, ok := ix.userGroup[userID]
	if !ok {
		return false
	}
	return ix.linked[groupID][serverID]
}

// GroupOf returns the user's group id, if assigned.
func (ix *Index) GroupOf(userID uint) (uint, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	groupID, ok := ix.userGroup[userID]
	return groupID, ok
}

// AddLink links a group to a server. Idempotent: re-linking an existing pair
// succeeds without effect. Returns ErrNotFound when either referent is
// missing; a failed add never leaves an orphaned link behind.
func (ix *Index) AddLink(groupID, serverID uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := database.GetGroupByID(groupID); err != nil {
		return fmt.Errorf("add link group %d: %w", groupID, err)
	}
	if _, err := database.GetServerByID(serverID); err != nil {
		return fmt.Errorf("add link server %d: %w", serverID, err)
	}
	if err := database.CreateLink(groupID, serverID); err != nil {
		return fmt.Errorf("persist link: %w", err)
	}

	set := ix.linked[groupID]
	if set == nil {
		set = make(map[uint]bool)
		ix.linked[groupID] = set
	}
	set[serverID] = true
	return nil
}

// RemoveLink unlinks a group from a server. Removing a nonexistent link
// succeeds silently.
func (ix *Index) RemoveLink(groupID, serverID uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := database.DeleteLink(groupID, serverID); err != nil {
		return fmt.Errorf("remove link: %w", err)
	}
	delete(ix.linked[groupID], serverID)
	return nil
}

// SetUserGroup assigns the user to a group, or clears the assignment when
// groupID is nil. Returns ErrNotFound for a missing user or group.
func (ix *Index) SetUserGroup(userID uint, groupID *uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if groupID != nil {
		if _, err := database.GetGroupByID(*groupID); err != nil {
			return fmt.Errorf("set group %d: %w", *groupID, err)
		}
	}
	if err := database.SetUserGroup(userID, groupID); err != nil {
		return fmt.Errorf("set user %d group: %w", userID, err)
	}

	if groupID == nil {
		delete(ix.userGroup, userID)
	} else {
		ix.userGroup[userID] = *groupID
	}
	return nil
}

// RemoveUser deletes the user record and its index entry.
func (ix *Index) RemoveUser(userID uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := database.DeleteUser(userID); err != nil {
		return fmt.Errorf("delete user %d: %w", userID, err)
	}
	delete(ix.userGroup, userID)
	return nil
}

// RemoveGroup deletes the group, nulls its members' assignment, and drops
// all of the group's links from the store and the index.
func (ix *Index) RemoveGroup(groupID uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := database.DeleteGroup(groupID); err != nil {
		return fmt.Errorf("delete group %d: %w", groupID, err)
	}
	for userID, g := range ix.userGroup {
		if g == groupID {
			delete(ix.userGroup, userID)
		}
	}
	delete(ix.linked, groupID)
	return nil
}

// RemoveServer deletes the server and drops its links from every group's
// linked set.
func (ix *Index) RemoveServer(serverID uint) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := database.DeleteServer(serverID); err != nil {
		return fmt.Errorf("delete server %d: %w", serverID, err)
	}
	for _, set := range ix.linked {
		delete(set, serverID)
	}
	return nil
}
