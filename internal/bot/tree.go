package bot

import (
	"fmt"
	"sort"
	"strings"
)

// commandTree indexes commands by their route words ("burst open") and by
// single-word shortcuts (/burst_open, aliases).
type commandTree struct {
	root      *cmdNode
	shortcuts map[string]*cmdNode
}

type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newNode(name string) *cmdNode {
	return &cmdNode{name: name, children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

// buildTree indexes cmds. Commands without a route or handler are skipped; a
// route registered twice is an error.
func buildTree(cmds []Command) (*commandTree, error) {
	t := &commandTree{root: newNode(""), shortcuts: map[string]*cmdNode{}}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := t.root
		for _, word := range route {
			next, ok := leaf.children[word]
			if !ok {
				next = newNode(word)
				leaf.children[word] = next
			}
			leaf = next
		}
		if leaf.cmd != nil {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoute, c.Route)
		}
		leaf.cmd = &c

		// The bare first word is never a shortcut; it must still walk into
		// subcommands.
		for _, s := range buildShortcuts(c) {
			if _, taken := t.shortcuts[s]; !taken {
				t.shortcuts[s] = leaf
			}
		}
	}
	return t, nil
}

// resolve walks the first word and as many following args as match
// subcommands. It returns the deepest node reached, the route words consumed
// and the remaining args. A nil node means the first word is unknown.
func (t *commandTree) resolve(word string, args []string) (*cmdNode, []string, []string) {
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if leaf, ok := t.shortcuts[word]; ok && leaf.cmd != nil {
		return leaf, splitRoute(leaf.cmd.Route), args
	}
	cur, ok := t.root.children[word]
	if !ok {
		return nil, nil, args
	}
	path := []string{word}
	for len(args) > 0 {
		next, ok := cur.children[strings.ToLower(args[0])]
		if !ok {
			break
		}
		cur = next
		path = append(path, next.name)
		args = args[1:]
	}
	return cur, path, args
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
