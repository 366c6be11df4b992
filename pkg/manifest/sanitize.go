package manifest

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RootContainerID is the element id the sandbox player mounts into.
const RootContainerID = "capsule-root"

// SanitizeHTML rewrites a capsule's HTML entry for sandboxed serving.
// Script elements and inline event handlers are removed, javascript:
// URLs are dropped, a <base href> pointing at the bundle prefix is
// injected into <head>, and a root container div is appended to <body>
// if one is not already present.
//
// The parser is lenient; any byte sequence produces a document, so the
// only error path is the serializer.
func SanitizeHTML(source []byte, baseHref string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(source))
	if err != nil {
		return nil, err
	}

	sanitizeNode(doc)

	if head := findElement(doc, atom.Head); head != nil {
		base := &html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Base,
			Data:     "base",
			Attr:     []html.Attribute{{Key: "href", Val: baseHref}},
		}
		head.InsertBefore(base, head.FirstChild)
	}

	if body := findElement(doc, atom.Body); body != nil && !hasElementID(body, RootContainerID) {
		root := &html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Div,
			Data:     "div",
			Attr:     []html.Attribute{{Key: "id", Val: RootContainerID}},
		}
		body.AppendChild(root)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sanitizeNode walks the tree removing script elements and dangerous
// attributes.
func sanitizeNode(n *html.Node) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.ElementNode && child.DataAtom == atom.Script {
			n.RemoveChild(child)
		} else {
			sanitizeNode(child)
		}
		child = next
	}

	if n.Type != html.ElementNode {
		return
	}

	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if (key == "href" || key == "src" || key == "action") &&
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(attr.Val)), "javascript:") {
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, a); found != nil {
			return found
		}
	}
	return nil
}

func hasElementID(n *html.Node, id string) bool {
	if n.Type == html.ElementNode {
		for _, attr := range n.Attr {
			if strings.EqualFold(attr.Key, "id") && attr.Val == id {
				return true
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if hasElementID(child, id) {
			return true
		}
	}
	return false
}
