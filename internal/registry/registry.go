// Package registry is an in-memory,
// copy-on-write view of configured MCP servers and their group
// memberships, backed by the durable store.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
	"github.com/mcpgov/policy-gateway/internal/store"
)

// snapshot is the immutable, copy-on-write view readers hold a reference
// to; writers build a new one and replace it under the exclusive lock.
type snapshot struct {
	servers map[string]servermodel.ServerDescriptor
	groups  map[string]servermodel.ServerGroup
}

// Registry is the live view of every ServerDescriptor and ServerGroup.
type Registry struct {
	dao interface {
		store.ServerDAO
		store.GroupDAO
	}

	mu   sync.RWMutex
	snap *snapshot
}

// New loads the initial snapshot from dao.
func New(ctx context.Context, dao interface {
	store.ServerDAO
	store.GroupDAO
}) (*Registry, error) {
	r := &Registry{dao: dao}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the snapshot from the store. Safe to call concurrently
// with reads; readers never observe a half-built map.
func (r *Registry) Reload(ctx context.Context) error {
	servers, err := r.dao.ListServers(ctx)
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "loading servers", err)
	}
	groups, err := r.dao.ListGroups(ctx)
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "loading groups", err)
	}

	next := &snapshot{
		servers: make(map[string]servermodel.ServerDescriptor, len(servers)),
		groups:  make(map[string]servermodel.ServerGroup, len(groups)),
	}
	for _, s := range servers {
		next.servers[s.Name] = s
	}
	for _, g := range groups {
		next.groups[g.ID] = g
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// GetServer returns the registered server by name, or nil if unknown.
func (r *Registry) GetServer(name string) *servermodel.ServerDescriptor {
	s, ok := r.current().servers[name]
	if !ok {
		return nil
	}
	return &s
}

// ListServers returns every registered server.
func (r *Registry) ListServers() []servermodel.ServerDescriptor {
	snap := r.current()
	out := make([]servermodel.ServerDescriptor, 0, len(snap.servers))
	for _, s := range snap.servers {
		out = append(out, s)
	}
	return out
}

// GetGroup returns the registered group by id, or nil if unknown.
func (r *Registry) GetGroup(id string) *servermodel.ServerGroup {
	g, ok := r.current().groups[id]
	if !ok {
		return nil
	}
	return &g
}

// ListGroups returns every registered group.
func (r *Registry) ListGroups() []servermodel.ServerGroup {
	snap := r.current()
	out := make([]servermodel.ServerGroup, 0, len(snap.groups))
	for _, g := range snap.groups {
		out = append(out, g)
	}
	return out
}

// GroupMembers resolves a group's member ServerDescriptors in
// member_names order, skipping any name that no longer resolves (a
// member may have been deleted without the group being updated yet).
func (r *Registry) GroupMembers(group servermodel.ServerGroup) []servermodel.ServerDescriptor {
	snap := r.current()
	out := make([]servermodel.ServerDescriptor, 0, len(group.MemberNames))
	for _, name := range group.MemberNames {
		if s, ok := snap.servers[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CreateServer persists and reloads.
func (r *Registry) CreateServer(ctx context.Context, s servermodel.ServerDescriptor) error {
	if err := s.Validate(); err != nil {
		return apierr.New(apierr.PolicyInvalid, err.Error())
	}
	if err := r.dao.CreateServer(ctx, s); err != nil {
		return apierr.Wrap(apierr.StoreError, "creating server", err)
	}
	return r.Reload(ctx)
}

// UpdateServer persists and reloads.
func (r *Registry) UpdateServer(ctx context.Context, s servermodel.ServerDescriptor) error {
	if err := s.Validate(); err != nil {
		return apierr.New(apierr.PolicyInvalid, err.Error())
	}
	if err := r.dao.UpdateServer(ctx, s); err != nil {
		return apierr.Wrap(apierr.StoreError, "updating server", err)
	}
	return r.Reload(ctx)
}

// DeleteServer removes a server (and, transactionally in the store, from
// any group membership) and reloads.
func (r *Registry) DeleteServer(ctx context.Context, name string) error {
	if err := r.dao.DeleteServer(ctx, name); err != nil {
		return apierr.Wrap(apierr.StoreError, "deleting server", err)
	}
	return r.Reload(ctx)
}

// CreateGroup persists and reloads. Every member must already exist and be
// HTTP-transport; a stdio member must be converted first.
func (r *Registry) CreateGroup(ctx context.Context, g servermodel.ServerGroup) error {
	if err := r.validateMembers(g.MemberNames); err != nil {
		return err
	}
	if err := r.dao.CreateGroup(ctx, g); err != nil {
		return apierr.Wrap(apierr.StoreError, "creating group", err)
	}
	return r.Reload(ctx)
}

func (r *Registry) validateMembers(names []string) error {
	var needsConversion []string
	var missing []string
	snap := r.current()
	for _, name := range names {
		s, ok := snap.servers[name]
		switch {
		case !ok:
			missing = append(missing, name)
		case s.Transport != servermodel.TransportHTTP:
			needsConversion = append(needsConversion, name)
		}
	}
	if len(missing) > 0 {
		return apierr.New(apierr.PolicyInvalid, fmt.Sprintf("unknown member servers: %s", strings.Join(missing, ", ")))
	}
	if len(needsConversion) > 0 {
		return apierr.New(apierr.PolicyInvalid, fmt.Sprintf("members require conversion to HTTP before joining a group: %s", strings.Join(needsConversion, ", ")))
	}
	return nil
}

// UpdateGroup persists and reloads.
func (r *Registry) UpdateGroup(ctx context.Context, g servermodel.ServerGroup) error {
	if err := r.dao.UpdateGroup(ctx, g); err != nil {
		return apierr.Wrap(apierr.StoreError, "updating group", err)
	}
	return r.Reload(ctx)
}

// DeleteGroup removes a group and reloads.
func (r *Registry) DeleteGroup(ctx context.Context, id string) error {
	if err := r.dao.DeleteGroup(ctx, id); err != nil {
		return apierr.Wrap(apierr.StoreError, "deleting group", err)
	}
	return r.Reload(ctx)
}

// AddMember appends name to a group's member_names if not already present.
func (r *Registry) AddMember(ctx context.Context, groupID, name string) error {
	g := r.GetGroup(groupID)
	if g == nil {
		return apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group %s not found", groupID))
	}
	if err := r.validateMembers([]string{name}); err != nil {
		return err
	}
	for _, m := range g.MemberNames {
		if m == name {
			return nil
		}
	}
	g.MemberNames = append(append([]string(nil), g.MemberNames...), name)
	return r.UpdateGroup(ctx, *g)
}

// RemoveMember drops name from a group's member_names and its tool_config.
func (r *Registry) RemoveMember(ctx context.Context, groupID, name string) error {
	g := r.GetGroup(groupID)
	if g == nil {
		return apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group %s not found", groupID))
	}
	members := make([]string, 0, len(g.MemberNames))
	for _, m := range g.MemberNames {
		if m != name {
			members = append(members, m)
		}
	}
	g.MemberNames = members
	if g.ToolConfig != nil {
		delete(g.ToolConfig, name)
	}
	return r.UpdateGroup(ctx, *g)
}

// SetMemberTools sets the tool_config entry for one member of a group.
func (r *Registry) SetMemberTools(ctx context.Context, groupID, member string, tools []string) error {
	g := r.GetGroup(groupID)
	if g == nil {
		return apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group %s not found", groupID))
	}
	if g.ToolConfig == nil {
		g.ToolConfig = map[string][]string{}
	}
	g.ToolConfig[member] = tools
	return r.UpdateGroup(ctx, *g)
}
