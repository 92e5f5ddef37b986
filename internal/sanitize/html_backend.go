package sanitize

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLBackend walks fragments parsed by golang.org/x/net/html.
type HTMLBackend struct{}

// NewHTMLBackend returns the default parser backend.
func NewHTMLBackend() *HTMLBackend {
	return &HTMLBackend{}
}

// Walk implements Backend. The fragment is parsed in a detached <div>
// context, so nothing outside the returned string is affected.
func (b *HTMLBackend) Walk(src string, v Visitor) (string, error) {
	ctxNode := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctxNode)
	if err != nil {
		return "", err
	}

	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		root.AppendChild(n)
	}

	walkChildren(root, v)

	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// walkChildren filters the children of parent in place.
func walkChildren(parent *html.Node, v Visitor) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling

		switch c.Type {
		case html.TextNode:
		case html.ElementNode:
			next = visitElement(parent, c, next, v)
		default:
			// comments, doctypes and anything exotic
			parent.RemoveChild(c)
		}

		c = next
	}
}

// visitElement applies the visitor to n and returns the node the caller
// should continue from.
func visitElement(parent, n, next *html.Node, v Visitor) *html.Node {
	attrs := make([]Attr, 0, len(n.Attr))
	for _, a := range n.Attr {
		if a.Namespace != "" {
			continue
		}
		attrs = append(attrs, Attr{Key: strings.ToLower(a.Key), Val: a.Val})
	}

	decision, kept := v.Element(strings.ToLower(n.Data), attrs)
	switch decision {
	case Drop:
		parent.RemoveChild(n)
		return next

	case Unwrap:
		// 先处理子树再提升，避免重复访问
		walkChildren(n, v)
		for c := n.FirstChild; c != nil; {
			after := c.NextSibling
			n.RemoveChild(c)
			parent.InsertBefore(c, n)
			c = after
		}
		parent.RemoveChild(n)
		return next

	default:
		n.Attr = n.Attr[:0]
		for _, a := range kept {
			n.Attr = append(n.Attr, html.Attribute{Key: a.Key, Val: a.Val})
		}
		walkChildren(n, v)
		return next
	}
}
