// Copyright 2020-2026 Bastion Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tree serializes mapping rows and assets into the flat node list
// the web tree widget consumes. Tree nodes reference their parent by key,
// so a listing of rows plus the assets of the expanded node renders without
// further lookups.
package tree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bastionlabs/grantree/pkg/grant"
	"github.com/bastionlabs/grantree/pkg/mapping"
)

// Node is one entry of the rendered tree.
type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	PID      string `json:"pId"`
	IsParent bool   `json:"isParent"`
	Open     bool   `json:"open"`
	IconSkin string `json:"iconSkin,omitempty"`
	NoCheck  bool   `json:"nocheck"`
	Meta     Meta   `json:"meta"`
}

// Meta carries the typed payload of a tree node.
type Meta struct {
	Type string       `json:"type"`
	Node *NodeMeta    `json:"node,omitempty"`
	Data *grant.Asset `json:"data,omitempty"`
}

// NodeMeta is the payload of a directory node.
type NodeMeta struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FromRow renders one mapping row. Directory nodes are identified by their
// key so the widget can lazily expand children by key; the displayed name
// carries the effective asset count.
func FromRow(row *mapping.Row) *Node {
	return &Node{
		ID:       row.Key,
		Name:     fmt.Sprintf("%s (%d)", row.Value, row.AssetsAmount),
		Title:    row.Value,
		PID:      row.ParentKey,
		IsParent: true,
		Open:     row.ParentKey == "",
		NoCheck:  false,
		Meta: Meta{
			Type: "node",
			Node: &NodeMeta{ID: row.NodeID, Key: row.Key, Value: row.Value},
		},
	}
}

// FromAsset renders one asset under the node with the given key. Assets
// without an ssh protocol are rendered unselectable.
func FromAsset(a *grant.Asset, parentKey string) *Node {
	return &Node{
		ID:       a.ID,
		Name:     a.Hostname,
		Title:    a.IP,
		PID:      parentKey,
		IsParent: false,
		Open:     false,
		IconSkin: iconSkin(a.Platform),
		NoCheck:  !a.HasProtocol("ssh"),
		Meta:     Meta{Type: "asset", Data: a},
	}
}

// FromRows renders a row listing ordered by key, parents before children.
func FromRows(rows []*mapping.Row) []*Node {
	nodes := make([]*Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, FromRow(row))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// FromAssets renders an asset listing under one node, ordered by hostname.
func FromAssets(assets []*grant.Asset, parentKey string) []*Node {
	nodes := make([]*Node, 0, len(assets))
	for _, a := range assets {
		nodes = append(nodes, FromAsset(a, parentKey))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

func iconSkin(platform string) string {
	switch strings.ToLower(platform) {
	case "windows":
		return "windows"
	case "linux":
		return "linux"
	default:
		return "file"
	}
}
