// Path-level browsing over the core lookup and readdir operations. The
// tree loads lazily: a directory's children are enumerated the first time a
// path descends into it.

package exfat

import (
	"sort"
	"strings"

	"github.com/dsoprea/go-logging"
)

// TreeNode is one file or directory in the loaded tree.
type TreeNode struct {
	name  string
	inode *Inode

	loaded bool

	childrenFolders []string
	childrenFiles   []string

	childrenMap map[string]*TreeNode
}

// NewTreeNode returns a new TreeNode instance.
func NewTreeNode(name string, inode *Inode) (tn *TreeNode) {
	return &TreeNode{
		name:  name,
		inode: inode,

		childrenFolders: make([]string, 0),
		childrenFiles:   make([]string, 0),

		childrenMap: make(map[string]*TreeNode),
	}
}

// Name returns the entry's name.
func (tn *TreeNode) Name() string {
	return tn.name
}

// Inode returns the entry's inode.
func (tn *TreeNode) Inode() *Inode {
	return tn.inode
}

// IsDirectory indicates whether the node is a directory.
func (tn *TreeNode) IsDirectory() bool {
	return tn.inode.IsDirectory()
}

// ChildFolders returns the sorted names of the node's subdirectories.
func (tn *TreeNode) ChildFolders() []string {
	return tn.childrenFolders
}

// ChildFiles returns the sorted names of the node's files.
func (tn *TreeNode) ChildFiles() []string {
	return tn.childrenFiles
}

// GetChild returns the named child, or nil.
func (tn *TreeNode) GetChild(name string) *TreeNode {
	return tn.childrenMap[name]
}

func (tn *TreeNode) lookup(pathParts []string) (lastPathParts []string, lastNode *TreeNode, found *TreeNode) {
	if len(pathParts) == 0 {
		// We've reached and found the last part.
		return pathParts, tn, tn
	}

	childNode := tn.childrenMap[pathParts[0]]
	if childNode == nil {
		// An intermediate part was not found.
		return pathParts, tn, nil
	}

	return childNode.lookup(pathParts[1:])
}

// AddChild registers one child node, keeping the per-kind name lists
// sorted.
func (tn *TreeNode) AddChild(name string, inode *Inode) *TreeNode {
	childNode := NewTreeNode(name, inode)

	var list []string
	if inode.IsDirectory() == true {
		list = tn.childrenFolders
	} else {
		list = tn.childrenFiles
	}

	at := sort.SearchStrings(list, name)

	if at >= len(list) {
		list = append(list, name)
	} else if list[at] != name {
		list = append(list[:at], append([]string{name}, list[at:]...)...)
	}

	if inode.IsDirectory() == true {
		tn.childrenFolders = list
	} else {
		tn.childrenFiles = list
	}

	tn.childrenMap[name] = childNode

	return childNode
}

// Tree lazily materializes the volume's directory hierarchy.
type Tree struct {
	vol      *Volume
	rootNode *TreeNode
}

// NewTree returns a new Tree instance.
func NewTree(vol *Volume) *Tree {
	return &Tree{
		vol:      vol,
		rootNode: NewTreeNode("", vol.Root()),
	}
}

func (tree *Tree) loadDirectory(node *TreeNode) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	names := make([]string, 0)

	cb := func(name string, ino uint64, offset int64, isDir bool) bool {
		names = append(names, name)
		return true
	}

	_, err = tree.vol.ReadDir(node.inode, 0, cb)
	log.PanicIf(err)

	for _, name := range names {
		childInode, err := tree.vol.Lookup(node.inode, name)
		log.PanicIf(err)

		// Since we load lazily, we won't immediately load the child.
		node.AddChild(name, childInode)
	}

	node.loaded = true

	return nil
}

// Load reads the root directory. Everything deeper loads on demand.
func (tree *Tree) Load() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = tree.loadDirectory(tree.rootNode)
	log.PanicIf(err)

	return nil
}

// Lookup descends the given path parts, loading directories as needed.
// A nil node with a nil error means the path does not exist.
func (tree *Tree) Lookup(pathParts []string) (node *TreeNode, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for {
		lastPathParts, lastNode, foundNode := tree.rootNode.lookup(pathParts)
		if foundNode != nil {
			// Shouldn't be possible.
			if len(lastPathParts) != 0 {
				log.Panicf("it looks like we found the node but the path-parts were not exhausted")
			}

			return foundNode, nil
		}

		// If that node's children were all loaded already, the find was
		// unsuccessful.
		if lastNode.loaded == true {
			return nil, nil
		}

		err := tree.loadDirectory(lastNode)
		log.PanicIf(err)
	}
}

// TreeVisitorFunc is called for every visited node.
type TreeVisitorFunc func(pathParts []string, node *TreeNode) (err error)

// Visit walks the whole tree depth-first, directories before the files
// within them.
func (tree *Tree) Visit(cb TreeVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	pathParts := make([]string, 0)

	err = tree.visit(pathParts, tree.rootNode, cb)
	log.PanicIf(err)

	return nil
}

func (tree *Tree) visit(pathParts []string, node *TreeNode, cb TreeVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = cb(pathParts, node)
	log.PanicIf(err)

	for _, childFolderName := range node.childrenFolders {
		childNode := node.childrenMap[childFolderName]

		childPathParts := make([]string, len(pathParts)+1)
		copy(childPathParts, pathParts)
		childPathParts[len(childPathParts)-1] = childNode.name

		if childNode.loaded == false {
			err := tree.loadDirectory(childNode)
			log.PanicIf(err)
		}

		err := tree.visit(childPathParts, childNode, cb)
		log.PanicIf(err)
	}

	// Do the files all at once, at the bottom.
	for _, childFilename := range node.childrenFiles {
		childNode := node.childrenMap[childFilename]

		childPathParts := make([]string, len(pathParts)+1)
		copy(childPathParts, pathParts)
		childPathParts[len(childPathParts)-1] = childFilename

		err := cb(childPathParts, childNode)
		log.PanicIf(err)
	}

	return nil
}

// List returns every path on the volume, with its node.
func (tree *Tree) List() (files []string, nodes map[string]*TreeNode, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	files = make([]string, 0)
	nodes = make(map[string]*TreeNode)

	cb := func(pathParts []string, node *TreeNode) (err error) {
		if len(pathParts) == 0 {
			return nil
		}

		nodePath := strings.Join(pathParts, "/")

		files = append(files, nodePath)
		nodes[nodePath] = node

		return nil
	}

	err = tree.Visit(cb)
	log.PanicIf(err)

	return files, nodes, nil
}
