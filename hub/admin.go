// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/luxfi/streamrpc"
)

// AdminServiceName is the JSON-RPC service name of GroupsService.
const AdminServiceName = "Groups"

// GroupsService exposes the groups of one or more hubs over JSON-RPC.
type GroupsService struct {
	hubs map[string]*Definition
}

func NewGroupsService(defs ...*Definition) *GroupsService {
	s := &GroupsService{hubs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		s.hubs[d.Name()] = d
	}
	return s
}

// AdminService wraps s for streamrpc.NewAdminHandler.
func (s *GroupsService) AdminService() streamrpc.AdminService {
	return streamrpc.AdminService{Name: AdminServiceName, Receiver: s}
}

type ListArgs struct {
	// Hub selects one hub; empty lists all hubs.
	Hub string `json:"hub"`
}

type GroupInfo struct {
	Hub     string `json:"hub"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

type ListReply struct {
	Groups []GroupInfo `json:"groups"`
}

// List returns the groups and their member counts.
func (s *GroupsService) List(_ *http.Request, args *ListArgs, reply *ListReply) error {
	defs, err := s.definitions(args.Hub)
	if err != nil {
		return err
	}
	reply.Groups = []GroupInfo{}
	for _, d := range defs {
		for _, name := range d.groups.Names() {
			g, ok := d.groups.TryGet(name)
			if !ok {
				continue
			}
			reply.Groups = append(reply.Groups, GroupInfo{Hub: d.name, Name: name, Members: g.MemberCount()})
		}
	}
	return nil
}

type MembersArgs struct {
	Hub   string `json:"hub"`
	Group string `json:"group"`
}

type MembersReply struct {
	Members []string `json:"members"`
}

// Members returns the connection ids of a group's members.
func (s *GroupsService) Members(_ *http.Request, args *MembersArgs, reply *MembersReply) error {
	d, ok := s.hubs[args.Hub]
	if !ok {
		return fmt.Errorf("unknown hub %q", args.Hub)
	}
	g, ok := d.groups.TryGet(args.Group)
	if !ok {
		return fmt.Errorf("unknown group %q", args.Group)
	}
	reply.Members = []string{}
	for _, m := range g.Members() {
		reply.Members = append(reply.Members, m.ID().String())
	}
	sort.Strings(reply.Members)
	return nil
}

func (s *GroupsService) definitions(hub string) ([]*Definition, error) {
	if hub != "" {
		d, ok := s.hubs[hub]
		if !ok {
			return nil, fmt.Errorf("unknown hub %q", hub)
		}
		return []*Definition{d}, nil
	}
	names := make([]string, 0, len(s.hubs))
	for name := range s.hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, s.hubs[name])
	}
	return defs, nil
}
