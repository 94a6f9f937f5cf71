package metadata

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Tier names the parsing strategy that produced a result.
type Tier string

const (
	TierDirect   Tier = "direct"
	TierFenced   Tier = "fenced"
	TierBrace    Tier = "brace"
	TierRepaired Tier = "repaired"
	TierScraped  Tier = "scraped"
)

var errTryNext = errors.New("metadata: strategy did not apply")

type strategy struct {
	tier  Tier
	parse func(text string) (map[string]any, error)
}

// ladder is tried in order; scraping is not part of it because it always
// produces something.
var ladder = []strategy{
	{TierDirect, func(text string) (map[string]any, error) {
		return decodeObject(strings.TrimSpace(text))
	}},
	{TierFenced, func(text string) (map[string]any, error) {
		return decodeObject(fencedBlock(text))
	}},
	{TierBrace, func(text string) (map[string]any, error) {
		return decodeObject(braceSpan(text))
	}},
	{TierRepaired, func(text string) (map[string]any, error) {
		candidate := fencedBlock(text)
		if candidate == "" {
			candidate = braceSpan(text)
		}
		if candidate == "" {
			return nil, errTryNext
		}
		return decodeObject(removeTrailingCommas(repairJSON(candidate)))
	}},
}

// parseResponse runs the recovery ladder over the model reply. When no JSON
// object can be recovered it scrapes labeled fields from the reply and then
// from the source text.
func parseResponse(reply, source string) (map[string]any, Tier) {
	for _, s := range ladder {
		obj, err := s.parse(reply)
		if err == nil {
			return obj, s.tier
		}
	}
	fields := scrape(reply)
	for k, v := range scrape(source) {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return map[string]any{"basicInfo": fields}, TierScraped
}

func decodeObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, errTryNext
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, errTryNext
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errTryNext
	}
	return obj, nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func fencedBlock(s string) string {
	m := fenceRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// braceSpan returns the largest {...} substring.
func braceSpan(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

func removeTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// repairJSON inserts the opening quote models sometimes drop before an
// object key, as in `{name": "x"}`.
func repairJSON(s string) string {
	in := []rune(s)
	out := make([]rune, 0, len(in)+16)
	for i := 0; i < len(in); {
		ch := in[i]
		out = append(out, ch)
		i++
		if ch != '{' && ch != ',' {
			continue
		}
		for i < len(in) && (in[i] == ' ' || in[i] == '\n' || in[i] == '\t' || in[i] == '\r') {
			out = append(out, in[i])
			i++
		}
		if i >= len(in) || !isKeyRune(in[i]) {
			continue
		}
		j := i
		for j < len(in) && isKeyRune(in[j]) {
			j++
		}
		if j+1 < len(in) && in[j] == '"' && in[j+1] == ':' {
			out = append(out, '"')
		}
		out = append(out, in[i:j]...)
		i = j
	}
	return string(out)
}

func isKeyRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func label(alternatives string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)(?:^|[\s"'{,，;；])(?:` + alternatives + `)["']?\s*[:：]\s*(.+)$`)
}

var scrapeRules = []struct {
	key  string
	re   *regexp.Regexp
	word bool // value ends at the first whitespace
}{
	{"name", label(`项目名称|课题名称|project[ _]?name|名称|name`), false},
	{"code", label(`项目编号|项目代码|课题编号|project[ _]?code|编号|code`), true},
	{"department", label(`主管部门|归口管理部门|department`), false},
	{"executingOrganization", label(`承担单位|执行单位|牵头单位|executing[ _]?organization`), false},
	{"manager", label(`项目负责人|负责人|manager`), false},
	{"startDate", label(`开始时间|开始日期|起始日期|start[ _]?date`), false},
	{"endDate", label(`结束时间|结束日期|完成日期|end[ _]?date`), false},
	{"totalBudget", label(`总预算|项目总经费|总经费|total[ _]?budget`), false},
	{"type", label(`项目类型|项目类别|type`), false},
}

// scrape collects labeled basic-info fields from free text. The first match
// of each label wins.
func scrape(text string) map[string]any {
	out := map[string]any{}
	for _, r := range scrapeRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := cleanValue(m[1], r.word); v != "" {
			out[r.key] = v
		}
	}
	return out
}

func cleanValue(s string, word bool) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		s = s[1:]
		if i := strings.Index(s, `"`); i >= 0 {
			s = s[:i]
		}
	} else if i := strings.IndexAny(s, ",，;；。\t"); i >= 0 {
		s = s[:i]
	}
	if word {
		if f := strings.Fields(s); len(f) > 0 {
			s = f[0]
		}
	}
	return strings.TrimSpace(strings.Trim(s, ` "'。.}`))
}
