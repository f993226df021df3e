package export

import (
	"fmt"
	"html"
	"strings"
)

// Step content arrives as Tiptap (ProseMirror) JSON. The renderer walks
// the node tree and emits plain HTML for the PDF/DOCX pipelines; unknown
// node types degrade to their children instead of failing the export.

// ProseMirrorToHTML converts a decoded ProseMirror document to HTML.
func ProseMirrorToHTML(doc any) string {
	root, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	return renderNode(root)
}

func renderNode(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	children := func() string { return renderContent(node["content"]) }

	switch nodeType {
	case "":
		return ""
	case "doc":
		return children()
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", children())
	case "heading":
		level := headingLevel(node)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, children(), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", children())
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", children())
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", children())
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", children())
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(children()))
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return renderTextWithMarks(text, marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", children())
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", children())
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", children())
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", children())
	default:
		return children()
	}
}

func headingLevel(node map[string]any) int {
	if attrs, ok := node["attrs"].(map[string]any); ok {
		if lvl, ok := attrs["level"].(float64); ok {
			return int(lvl)
		}
	}
	return 1
}

func renderContent(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var out strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			out.WriteString(renderNode(node))
		}
	}
	return out.String()
}

// renderTextWithMarks applies formatting marks from the innermost out,
// matching how Tiptap nests them.
func renderTextWithMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}
	rendered := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)
		switch markType {
		case "bold":
			rendered = "<strong>" + rendered + "</strong>"
		case "italic":
			rendered = "<em>" + rendered + "</em>"
		case "code":
			rendered = "<code>" + rendered + "</code>"
		case "strike":
			rendered = "<s>" + rendered + "</s>"
		case "underline":
			rendered = "<u>" + rendered + "</u>"
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			rendered = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), rendered)
		}
	}
	return rendered
}
