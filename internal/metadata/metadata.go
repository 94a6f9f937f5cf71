// Package metadata extracts structured project metadata from document text
// with a language model, recovering from malformed model output.
package metadata

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Unspecified = "unspecified"

	FundingSupported  = "supported"
	FundingSelfFunded = "self-funded"

	dateLayout = "2006-01-02"
)

// BasicInfo holds the headline facts of a project.
type BasicInfo struct {
	Name                  string  `json:"name"`
	Code                  string  `json:"code"`
	Department            string  `json:"department"`
	ExecutingOrganization string  `json:"executingOrganization"`
	Manager               string  `json:"manager"`
	StartDate             string  `json:"startDate"`
	EndDate               string  `json:"endDate"`
	TotalBudget           float64 `json:"totalBudget"`
	SupportingBudget      float64 `json:"supportingBudget"`
	SelfFundedBudget      float64 `json:"selfFundedBudget"`
	Description           string  `json:"description"`
	Type                  string  `json:"type"`
}

type Milestone struct {
	Phase        string   `json:"phase"`
	StartDate    string   `json:"startDate"`
	EndDate      string   `json:"endDate"`
	Tasks        []string `json:"tasks"`
	Deliverables []string `json:"deliverables"`
}

type BudgetLine struct {
	Category      string  `json:"category"`
	SubCategory   string  `json:"subCategory"`
	Amount        float64 `json:"amount"`
	FundingSource string  `json:"fundingSource"`
	Description   string  `json:"description"`
}

type TeamMember struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Role     string `json:"role"`
	Workload string `json:"workload"`
	Unit     string `json:"unit"`
}

// ProjectMetadata is the extraction result. After normalization no field is
// empty and no list is nil.
type ProjectMetadata struct {
	BasicInfo  BasicInfo    `json:"basicInfo"`
	Milestones []Milestone  `json:"milestones"`
	Budgets    []BudgetLine `json:"budgets"`
	Team       []TeamMember `json:"team"`
}

// Defaults returns metadata with every field at its default.
func Defaults(today time.Time) ProjectMetadata {
	return normalize(nil, today)
}

// normalize builds ProjectMetadata from a loosely shaped JSON object. It
// accepts camelCase or snake_case keys, numbers written as strings, single
// strings where lists are expected, and a flat object without basicInfo.
func normalize(raw map[string]any, today time.Time) ProjectMetadata {
	day := today.Format(dateLayout)

	basic, ok := lookup(raw, "basicInfo").(map[string]any)
	if !ok {
		basic = raw
	}
	info := BasicInfo{
		Name:                  str(basic, "name", Unspecified),
		Code:                  str(basic, "code", Unspecified),
		Department:            str(basic, "department", Unspecified),
		ExecutingOrganization: str(basic, "executingOrganization", Unspecified),
		Manager:               str(basic, "manager", Unspecified),
		StartDate:             date(basic, "startDate", day),
		EndDate:               date(basic, "endDate", day),
		TotalBudget:           num(lookup(basic, "totalBudget")),
		SupportingBudget:      num(lookup(basic, "supportingBudget")),
		SelfFundedBudget:      num(lookup(basic, "selfFundedBudget")),
		Description:           str(basic, "description", Unspecified),
		Type:                  str(basic, "type", Unspecified),
	}

	out := ProjectMetadata{
		BasicInfo:  info,
		Milestones: []Milestone{},
		Budgets:    []BudgetLine{},
		Team:       []TeamMember{},
	}
	for _, m := range objects(lookup(raw, "milestones")) {
		out.Milestones = append(out.Milestones, Milestone{
			Phase:        str(m, "phase", Unspecified),
			StartDate:    date(m, "startDate", day),
			EndDate:      date(m, "endDate", day),
			Tasks:        strList(lookup(m, "tasks")),
			Deliverables: strList(lookup(m, "deliverables")),
		})
	}
	for _, b := range objects(lookup(raw, "budgets")) {
		out.Budgets = append(out.Budgets, BudgetLine{
			Category:      str(b, "category", Unspecified),
			SubCategory:   str(b, "subCategory", Unspecified),
			Amount:        num(lookup(b, "amount")),
			FundingSource: funding(lookup(b, "fundingSource")),
			Description:   str(b, "description", Unspecified),
		})
	}
	for _, t := range objects(lookup(raw, "team")) {
		out.Team = append(out.Team, TeamMember{
			Name:     str(t, "name", Unspecified),
			Title:    str(t, "title", Unspecified),
			Role:     str(t, "role", Unspecified),
			Workload: str(t, "workload", Unspecified),
			Unit:     str(t, "unit", Unspecified),
		})
	}
	return out
}

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// lookup finds key in m ignoring case, underscores and dashes.
func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	if v, ok := m[key]; ok {
		return v
	}
	want := foldKey(key)
	for k, v := range m {
		if foldKey(k) == want {
			return v
		}
	}
	return nil
}

func str(m map[string]any, key, def string) string {
	switch v := lookup(m, key).(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" && !strings.EqualFold(s, "null") {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		if l := strList(v); len(l) > 0 {
			return strings.Join(l, "; ")
		}
	}
	return def
}

func strList(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			switch s := e.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(x, func(r rune) bool {
			return r == '\n' || r == ';' || r == '；' || r == '、'
		}) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func objects(v any) []map[string]any {
	var out []map[string]any
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
	case map[string]any:
		out = append(out, x)
	}
	return out
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// num reads numbers leniently: "1,200.5" is 1200.5 and "120万元" is 120.
func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		s := strings.NewReplacer(",", "", "，", "", " ", "").Replace(x)
		if m := numberRe.FindString(s); m != "" {
			f, err := strconv.ParseFloat(m, 64)
			if err == nil {
				return f
			}
		}
	}
	return 0
}

func funding(v any) string {
	s, _ := v.(string)
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == FundingSelfFunded, strings.Contains(s, "self"), strings.Contains(s, "自筹"):
		return FundingSelfFunded
	case s == FundingSupported, strings.Contains(s, "support"), strings.Contains(s, "财政"),
		strings.Contains(s, "资助"), strings.Contains(s, "支持"), strings.Contains(s, "拨款"):
		return FundingSupported
	}
	return FundingSupported
}

var dateRe = regexp.MustCompile(`(\d{4})\s*[-/.年]\s*(\d{1,2})(?:\s*[-/.月]\s*(\d{1,2}))?`)

// date normalizes common date spellings to YYYY-MM-DD. Unrecognized text is
// kept as written; missing values become def.
func date(m map[string]any, key, def string) string {
	s := str(m, key, "")
	if s == "" || s == Unspecified {
		return def
	}
	if g := dateRe.FindStringSubmatch(s); g != nil {
		y, _ := strconv.Atoi(g[1])
		mo, _ := strconv.Atoi(g[2])
		d := 1
		if g[3] != "" {
			d, _ = strconv.Atoi(g[3])
		}
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC).Format(dateLayout)
		}
	}
	return s
}
