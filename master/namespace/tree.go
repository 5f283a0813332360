// Copyright 2024 The TierFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package namespace

import (
	"sort"
	"strings"
	"sync"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
)

type inode struct {
	info     *proto.InodeInfo
	children map[string]proto.InodeID
}

func newInode(info *proto.InodeInfo) *inode {
	n := &inode{info: info}
	if info.Type == proto.InodeType_Directory {
		n.children = make(map[string]proto.InodeID)
	}
	return n
}

// tree is the in-memory image of the namespace. Every replica rebuilds it
// from the inode column family at boot and mutates it only from apply, so
// a single lock suffices; reads take it shared.
type tree struct {
	lock   sync.RWMutex
	inodes map[proto.InodeID]*inode
}

func newTree() *tree {
	t := &tree{inodes: make(map[proto.InodeID]*inode)}
	root := &proto.InodeInfo{
		ID:   proto.RootInodeID,
		Name: "/",
		Type: proto.InodeType_Directory,
	}
	t.inodes[proto.RootInodeID] = newInode(root)
	return t
}

// splitPath normalizes an absolute path into its components. The root path
// yields an empty slice.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.New("path must be absolute")
	}
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
			continue
		case "..":
			return nil, errors.New("path must not contain '..'")
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func (t *tree) get(id proto.InodeID) *inode {
	return t.inodes[id]
}

// resolve walks the components from the root and returns the final inode.
func (t *tree) resolve(parts []string) (*inode, error) {
	cur := t.inodes[proto.RootInodeID]
	for _, name := range parts {
		if cur.info.Type != proto.InodeType_Directory {
			return nil, errors.ErrNotADirectory
		}
		id, ok := cur.children[name]
		if !ok {
			return nil, errors.ErrNotFound
		}
		cur = t.inodes[id]
	}
	return cur, nil
}

// resolveParent returns the directory that holds the final component,
// along with that component's name.
func (t *tree) resolveParent(parts []string) (*inode, string, error) {
	if len(parts) == 0 {
		return nil, "", errors.New("root has no parent")
	}
	dir, err := t.resolve(parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	if dir.info.Type != proto.InodeType_Directory {
		return nil, "", errors.ErrNotADirectory
	}
	return dir, parts[len(parts)-1], nil
}

func (t *tree) link(parent *inode, n *inode) {
	parent.children[n.info.Name] = n.info.ID
	t.inodes[n.info.ID] = n
}

func (t *tree) unlink(parent *inode, n *inode) {
	delete(parent.children, n.info.Name)
	delete(t.inodes, n.info.ID)
}

// collect returns the inode and all of its descendants, children first.
func (t *tree) collect(n *inode) []*inode {
	ret := []*inode{}
	var walk func(cur *inode)
	walk = func(cur *inode) {
		for _, id := range cur.children {
			walk(t.inodes[id])
		}
		ret = append(ret, cur)
	}
	walk(n)
	return ret
}

// isAncestor reports whether a is on the path from the root to b.
func (t *tree) isAncestor(a, b *inode) bool {
	cur := b
	for {
		if cur.info.ID == a.info.ID {
			return true
		}
		if cur.info.ID == proto.RootInodeID {
			return false
		}
		cur = t.inodes[cur.info.ParentID]
	}
}

func (t *tree) listNames(dir *inode) []string {
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
