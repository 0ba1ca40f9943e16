package safety

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Pre: true, atom.Blockquote: true, atom.Title: true,
}

// looksLikeHTML sniffs documents that arrive without a content type.
func looksLikeHTML(contentType, s string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(s))
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// ExtractText reduces an HTML document to its visible text. Text inside
// elements a browser would not render is returned separately in hidden.
func ExtractText(doc string) (visible, hidden string, err error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", "", err
	}
	var vis, hid strings.Builder
	var walk func(n *html.Node, inHidden bool)
	walk = func(n *html.Node, inHidden bool) {
		if n.Type == html.ElementNode {
			if skipElements[n.DataAtom] {
				return
			}
			if isHidden(n) {
				inHidden = true
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				out := &vis
				if inHidden {
					out = &hid
				}
				out.WriteString(text)
				out.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHidden)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] && !inHidden {
			vis.WriteByte('\n')
		}
	}
	walk(root, false)
	return collapseBlankLines(vis.String()), strings.TrimSpace(hid.String()), nil
}

func isHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if strings.EqualFold(a.Val, "true") {
				return true
			}
		case "style":
			style := strings.ToLower(strings.ReplaceAll(a.Val, " ", ""))
			if strings.Contains(style, "display:none") ||
				strings.Contains(style, "visibility:hidden") ||
				strings.Contains(style, "font-size:0") ||
				strings.Contains(style, "opacity:0") {
				return true
			}
		}
	}
	return false
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
