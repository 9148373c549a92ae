package links

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"github.com/loomkb/loom/internal/schema"
)

// extractHTML collects <a href> targets and a <link rel="canonical"> or
// <meta property="og:url"> as the remote id.
func extractHTML(content []byte) Result {
	var res Result
	z := html.NewTokenizer(bytes.NewReader(content))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return res
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				href := strings.TrimSpace(attr(tok, "href"))
				if skipTarget(href) {
					continue
				}
				res.Links = append(res.Links, Link{Target: href, Kind: schema.LinkHTML, Position: len(res.Links)})
			case "link":
				if strings.EqualFold(attr(tok, "rel"), "canonical") && res.RemoteID == "" && IsRemote(attr(tok, "href")) {
					res.RemoteID = strings.TrimSpace(attr(tok, "href"))
				}
			case "meta":
				if attr(tok, "property") == "og:url" && res.RemoteID == "" && IsRemote(attr(tok, "content")) {
					res.RemoteID = strings.TrimSpace(attr(tok, "content"))
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
