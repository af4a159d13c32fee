package asyncetcd

import (
	"github.com/tidwall/gjson"
)

// parseResponse decodes the accumulated body into the response's typed
// fields. depth bounds child recursion: 0 means unlimited, n > 0
// materialises at most n levels counting the root node itself (child counts
// are recorded regardless). The response's kind is set to the outcome.
func parseResponse(resp *Response, depth int) {
	if resp.truncated {
		resp.setError(KindProtocol, 0, `response body exceeds buffer size`)
		return
	}
	if !gjson.ValidBytes(resp.body) {
		resp.setError(KindProtocol, 0, `malformed response body`)
		return
	}
	root := gjson.ParseBytes(resp.body)
	if !root.IsObject() {
		resp.setError(KindProtocol, 0, `response body is not an object`)
		return
	}

	if ec := root.Get("errorCode"); ec.Exists() {
		resp.setError(KindResponse, ec.Int(), root.Get("message").String())
		return
	}

	action := root.Get("action")
	if !action.Exists() {
		resp.setError(KindProtocol, 0, `response has no action`)
		return
	}
	resp.Action = action.String()

	if node := root.Get("node"); node.IsObject() {
		resp.Node = parseNode(node, depth)
	}
	if prev := root.Get("prevNode"); prev.IsObject() {
		resp.PrevNode = parseNode(prev, depth)
	}
	resp.Kind = KindOK
}

// parseNode builds a Node from one JSON object. depth is the remaining
// recursion budget as described on parseResponse; 1 means record the child
// count but do not materialise children.
func parseNode(obj gjson.Result, depth int) *Node {
	node := newNode()
	node.Key = obj.Get("key").String()
	node.Value = obj.Get("value").String()
	node.Dir = obj.Get("dir").Bool()
	if ttl := obj.Get("ttl"); ttl.Exists() {
		node.TTL = ttl.Int()
	}
	node.Expiration = obj.Get("expiration").String()
	if idx := obj.Get("createdIndex"); idx.Exists() {
		node.CreatedIndex = idx.Int()
	}
	if idx := obj.Get("modifiedIndex"); idx.Exists() {
		node.ModifiedIndex = idx.Int()
	}

	if nodes := obj.Get("nodes"); nodes.IsArray() {
		children := nodes.Array()
		node.ChildCount = len(children)
		if depth != 1 {
			next := depth
			if next > 1 {
				next--
			}
			var prev *Node
			for _, child := range children {
				cnode := parseNode(child, next)
				if prev == nil {
					node.Child = cnode
				} else {
					prev.Sibling = cnode
				}
				prev = cnode
			}
		}
	}
	return node
}
