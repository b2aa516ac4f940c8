package tools

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON content.
func extractJSON(body []byte) string {
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted)
	}
	return string(body)
}

var (
	reScript   = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reNoscript = regexp.MustCompile(`(?is)<noscript[\s\S]*?</noscript>`)
	reComment  = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reNav      = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter   = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reHeader   = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reTag      = regexp.MustCompile(`<[^>]+>`)
	reMultiNL  = regexp.MustCompile(`\n{3,}`)
	reMultiSP  = regexp.MustCompile(`[ \t]{2,}`)
	reBlock    = regexp.MustCompile(`(?i)</?(?:p|div|section|article|h[1-6]|tr|table|ul|ol)[^>]*>`)
	reBreak    = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem = regexp.MustCompile(`(?i)<li[^>]*>`)
)

// htmlToText extracts readable text from an HTML page.
func htmlToText(page string) string {
	s := reScript.ReplaceAllString(page, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reNoscript.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")

	s = reBlock.ReplaceAllString(s, "\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- ")

	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reMultiSP.ReplaceAllString(s, " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}
