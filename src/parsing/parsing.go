package parsing

import (
	"bytes"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
	"mvdan.cc/xurls/v2"
)

// Used for turning the raw markdown of a comment into the HTML we store.
var CommentMarkdown = goldmark.New(
	goldmark.WithExtensions(
		extension.Table,
		extension.Strikethrough,
		extension.TaskList,
		extension.NewLinkify(
			extension.WithLinkifyURLRegexp(xurls.Strict()),
		),
		highlightExtension,
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

var highlightExtension = highlighting.NewHighlighting(
	highlighting.WithFormatOptions(GrimChromaOptions...),
	highlighting.WithWrapperRenderer(func(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
		if entering {
			w.WriteString(`<pre class="grim-code">`)
		} else {
			w.WriteString(`</pre>`)
		}
	}),
)

var commentPolicy = newCommentPolicy()

func newCommentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-z0-9 -]+$`)).OnElements("pre", "code", "span")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)
	return p
}

// RenderComment converts raw comment markdown to sanitized HTML. Raw HTML in
// the input is never passed through.
func RenderComment(raw string) string {
	return ParseMarkdown(raw, CommentMarkdown)
}

func ParseMarkdown(source string, md goldmark.Markdown) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		panic(err)
	}

	return commentPolicy.Sanitize(buf.String())
}
