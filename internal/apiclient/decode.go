package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// rawPreviewLimit bounds how much of an undecodable payload is kept for
// diagnostics.
const rawPreviewLimit = 1000

// Decode stages, in the order they are attempted. The first success wins.
const (
	stageStrict   = "strict"
	stageQuotes   = "quotes"
	stageEmbedded = "embedded"
	stageJSONP    = "jsonp"
)

// jsonpRe matches "identifier( ... );" wrappers (6play-style callbacks).
var jsonpRe = regexp.MustCompile(`(?s)^\s*[A-Za-z_$][A-Za-z0-9_$.]*\s*\((.*)\)\s*;?\s*$`)

// DecodeLenient decodes a JSON payload tolerantly: strict decode first, then a
// single-quote repair pass, then extraction of a JSON substring out of a
// markup-wrapped payload, then a JSONP unwrap. Returns the decoded value and
// the name of the stage that succeeded.
func DecodeLenient(raw []byte) (any, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("empty payload")
	}

	if v, err := strictDecode(trimmed); err == nil {
		return v, stageStrict, nil
	}

	// Single-quote delimiters are only repairable when the text carries no
	// double quotes at all; otherwise the blanket replace corrupts values.
	if !bytes.ContainsRune(trimmed, '"') && bytes.ContainsRune(trimmed, '\'') {
		fixed := bytes.ReplaceAll(trimmed, []byte{'\''}, []byte{'"'})
		if v, err := strictDecode(fixed); err == nil {
			return v, stageQuotes, nil
		}
	}

	// Markup-wrapped payload (HTML error page with a JSON blob inside).
	if trimmed[0] == '<' {
		if v, ok := decodeEmbedded(trimmed); ok {
			return v, stageEmbedded, nil
		}
	}

	if m := jsonpRe.FindSubmatch(trimmed); m != nil {
		if v, err := strictDecode(bytes.TrimSpace(m[1])); err == nil {
			return v, stageJSONP, nil
		}
	}

	return nil, "", fmt.Errorf("no decode stage succeeded: %s", Preview(raw))
}

func strictDecode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing garbage after a valid value means this was not a clean JSON
	// payload; let a later stage handle it.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, fmt.Errorf("payload is not a JSON object or array")
	}
}

// decodeEmbedded walks the markup's text nodes looking for a decodable JSON
// object, then falls back to a brace scan over the raw bytes.
func decodeEmbedded(b []byte) (any, bool) {
	if doc, err := html.Parse(bytes.NewReader(b)); err == nil {
		var walk func(*html.Node) (any, bool)
		walk = func(n *html.Node) (any, bool) {
			if n.Type == html.TextNode {
				if v, ok := braceScan([]byte(n.Data)); ok {
					return v, true
				}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if v, ok := walk(c); ok {
					return v, true
				}
			}
			return nil, false
		}
		if v, ok := walk(doc); ok {
			return v, true
		}
	}
	return braceScan(b)
}

// braceScan tries the outermost {...} (then [...]) substring.
func braceScan(b []byte) (any, bool) {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := bytes.IndexByte(b, pair[0])
		end := bytes.LastIndexByte(b, pair[1])
		if start == -1 || end <= start {
			continue
		}
		if v, err := strictDecode(b[start : end+1]); err == nil {
			return v, true
		}
	}
	return nil, false
}

// Preview returns a bounded, single-line excerpt of a payload for logs and
// parse-error diagnostics.
func Preview(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > rawPreviewLimit {
		s = s[:rawPreviewLimit] + "..."
	}
	return strings.ReplaceAll(s, "\n", " ")
}
