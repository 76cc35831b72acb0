package static

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	// ingressPattern accepts slash-separated segments of unreserved URL characters.
	// Anything else is refused so header content never reaches the HTML.
	ingressPattern = regexp.MustCompile(`^(/[A-Za-z0-9._~%+@:-]+)+$`)

	headOpenPattern = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
	baseTagPattern  = regexp.MustCompile(`(?i)<base(\s[^>]*)?/?>`)
	hrefPattern     = regexp.MustCompile(`(?i)(\shref\s*=\s*)(?:"[^"]*"|'[^']*'|[^\s>"']+)`)

	// absAttrPattern matches href="/..." and src="/..." with either quote style.
	absAttrPattern = regexp.MustCompile(`(\s(?i:href|src)\s*=\s*)(["'])(/[^"']*)(["'])`)
)

// NormalizeIngress validates an ingress path header value and strips trailing
// slashes. It reports false for empty, root-only or malformed values.
func NormalizeIngress(v string) (string, bool) {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" || !ingressPattern.MatchString(v) {
		return "", false
	}
	return v, true
}

// RewriteLinks prefixes every absolute href/src attribute value with ingress.
// Protocol-relative values and values already under ingress are left alone.
func RewriteLinks(doc []byte, ingress string) []byte {
	return absAttrPattern.ReplaceAllFunc(doc, func(m []byte) []byte {
		sub := absAttrPattern.FindSubmatch(m)
		val := string(sub[3])
		if strings.HasPrefix(val, "//") || val == ingress || strings.HasPrefix(val, ingress+"/") {
			return m
		}

		var out bytes.Buffer
		out.Grow(len(m) + len(ingress))
		out.Write(sub[1])
		out.Write(sub[2])
		out.WriteString(ingress)
		out.Write(sub[3])
		out.Write(sub[4])
		return out.Bytes()
	})
}

// InjectBase points the document's base URL at "{ingress}/". An existing base
// element gets its href replaced; otherwise a new element is inserted right
// after the opening head element. Documents without either are returned unchanged.
func InjectBase(doc []byte, ingress string) []byte {
	href := ingress + "/"

	if loc := baseTagPattern.FindIndex(doc); loc != nil {
		elem := doc[loc[0]:loc[1]]
		var repl []byte
		if hrefPattern.Match(elem) {
			repl = hrefPattern.ReplaceAll(elem, []byte(`${1}"`+href+`"`))
		} else {
			repl = append([]byte(`<base href="`+href+`"`), elem[len("<base"):]...)
		}
		out := make([]byte, 0, len(doc)+len(repl))
		out = append(out, doc[:loc[0]]...)
		out = append(out, repl...)
		out = append(out, doc[loc[1]:]...)
		return out
	}

	loc := headOpenPattern.FindIndex(doc)
	if loc == nil {
		return doc
	}

	tag := "\n    <base href=\"" + href + "\">"
	out := make([]byte, 0, len(doc)+len(tag))
	out = append(out, doc[:loc[1]]...)
	out = append(out, tag...)
	out = append(out, doc[loc[1]:]...)
	return out
}
