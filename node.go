package asyncetcd

// Node is one directory-or-leaf element of a response's key tree. Children
// of a node form a singly-linked chain through Sibling, headed by Child.
// A directory carries no value; a leaf has no children. ChildCount always
// reflects the length of the server-reported child array, even when parsing
// stopped short of materialising the children (see Config.ParseDepth).
type Node struct {
	Key           string
	Value         string
	Dir           bool
	TTL           int64  // seconds; -1 when absent
	Expiration    string // RFC 3339 timestamp, empty when absent
	CreatedIndex  int64  // -1 when absent
	ModifiedIndex int64  // -1 when absent
	Sibling       *Node
	Child         *Node
	ChildCount    int
}

func newNode() *Node {
	return &Node{
		TTL:           -1,
		CreatedIndex:  -1,
		ModifiedIndex: -1,
	}
}

// Children collects the sibling chain headed by Child into a slice.
func (n *Node) Children() []*Node {
	if n == nil || n.Child == nil {
		return nil
	}
	children := make([]*Node, 0, n.ChildCount)
	for c := n.Child; c != nil; c = c.Sibling {
		children = append(children, c)
	}
	return children
}
