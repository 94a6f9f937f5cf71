package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"projectlens/internal/domain"
	"projectlens/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeModel struct {
	replies []string
	errs    []error
	reqs    []llm.Request
}

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newExtractor(m llm.Provider, opts ...Option) *Extractor {
	return New(m, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

const sourceA = "项目名称：智慧交通系统\n项目编号：ZJ-2024-07\n承担单位：市交通研究院\n本项目建设城市级交通信号协同平台。"

func requireUsable(t *testing.T, m ProjectMetadata) {
	t.Helper()
	assert.NotEmpty(t, m.BasicInfo.Name)
	assert.NotEmpty(t, m.BasicInfo.Code)
	assert.NotNil(t, m.Milestones)
	assert.NotNil(t, m.Budgets)
	assert.NotNil(t, m.Team)
	require.NoError(t, ValidateMetadata(m))
}

// ========== Extract ==========

func TestExtract_ScenarioA_StrictJSON(t *testing.T) {
	m := &fakeModel{replies: []string{`{"basicInfo":{"name":"智慧交通系统","code":"ZJ-2024-07"},"milestones":[],"budgets":[],"team":[]}`}}

	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.NoError(t, err)

	assert.Equal(t, "智慧交通系统", res.Metadata.BasicInfo.Name)
	assert.Equal(t, "ZJ-2024-07", res.Metadata.BasicInfo.Code)
	assert.Equal(t, TierDirect, res.Tier)
	assert.Equal(t, StateNormalized, res.State)
	assert.Equal(t, []State{StatePending, StateModelInvoked, StateParsedStrict, StateNormalized}, res.History)
	assert.False(t, res.Conformant, "basicInfo was incomplete")
	assert.NotEmpty(t, res.RequestID)
	requireUsable(t, res.Metadata)

	require.Len(t, m.reqs, 1)
	assert.True(t, m.reqs[0].JSONMode)
	assert.LessOrEqual(t, m.reqs[0].Temperature, float32(0.2))
	assert.Contains(t, m.reqs[0].UserPrompt, "智慧交通系统")
}

func TestExtract_ScenarioA_ScrapesSourceWhenModelRambles(t *testing.T) {
	m := &fakeModel{replies: []string{"这份文件描述了一个交通项目。"}}

	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.NoError(t, err)

	assert.Equal(t, TierScraped, res.Tier)
	assert.Equal(t, StateParsedRecovered, res.History[2])
	assert.Equal(t, "智慧交通系统", res.Metadata.BasicInfo.Name)
	assert.Equal(t, "ZJ-2024-07", res.Metadata.BasicInfo.Code)
	assert.Equal(t, "市交通研究院", res.Metadata.BasicInfo.ExecutingOrganization)
	requireUsable(t, res.Metadata)
}

func TestExtract_ScenarioC_FreeTextReply(t *testing.T) {
	m := &fakeModel{replies: []string{"I cannot process this."}}
	source := "This document has no labeled fields at all, only prose about traffic."

	res, err := newExtractor(m).Extract(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, TierScraped, res.Tier)
	assert.Equal(t, StateNormalized, res.State)
	assert.Equal(t, Unspecified, res.Metadata.BasicInfo.Name)
	assert.Equal(t, Unspecified, res.Metadata.BasicInfo.Code)
	assert.Equal(t, "2025-03-14", res.Metadata.BasicInfo.StartDate)
	assert.Empty(t, res.Metadata.Milestones)
	requireUsable(t, res.Metadata)
}

func TestExtract_ScrapesModelTextBeforeSource(t *testing.T) {
	m := &fakeModel{replies: []string{"Project name: Smart Traffic\nCode: ST-01\n(unable to format as JSON)"}}

	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.NoError(t, err)

	assert.Equal(t, "Smart Traffic", res.Metadata.BasicInfo.Name)
	assert.Equal(t, "ST-01", res.Metadata.BasicInfo.Code)
	// Missing from the reply, filled from the source.
	assert.Equal(t, "市交通研究院", res.Metadata.BasicInfo.ExecutingOrganization)
}

func TestExtract_AnyReplyYieldsUsableMetadata(t *testing.T) {
	replies := map[string]string{
		"valid":          `{"basicInfo":{"name":"A","code":"B"},"milestones":[],"budgets":[],"team":[]}`,
		"fenced":         "Here it is:\n```json\n{\"basicInfo\":{\"name\":\"A\"}}\n```",
		"prose+json":     `Sure! {"basicInfo":{"code":"X"}} Hope this helps.`,
		"trailing comma": `{"basicInfo":{"name":"A",},"team":[{"name":"B",},],}`,
		"missing quote":  `{"basicInfo": {name": "A"}}`,
		"free text":      "I cannot process this.",
		"empty":          "",
		"null":           "null",
		"array":          `[{"name":"A"}]`,
		"null fields":    `{"basicInfo":null,"milestones":null,"budgets":"none","team":[null, 3]}`,
		"truncated":      `{"basicInfo":{"name":"A","code":`,
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			m := &fakeModel{replies: []string{reply}}
			res, err := newExtractor(m).Extract(context.Background(), "A description long enough to be worth a model call.")
			require.NoError(t, err)
			assert.Equal(t, StateNormalized, res.State)
			requireUsable(t, res.Metadata)
		})
	}
}

func TestExtract_RecoveryTiers(t *testing.T) {
	tests := []struct {
		reply string
		tier  Tier
		name  string
	}{
		{`{"basicInfo":{"name":"直接"}}`, TierDirect, "直接"},
		{"好的：\n```json\n{\"basicInfo\":{\"name\":\"围栏\"}}\n```", TierFenced, "围栏"},
		{`结果如下 {"basicInfo":{"name":"括号"}} 以上。`, TierBrace, "括号"},
		{"```json\n{\"basicInfo\": {name\": \"修复\", \"code\": \"C1\",},}\n```", TierRepaired, "修复"},
		{"名称：刮取", TierScraped, "刮取"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			m := &fakeModel{replies: []string{tt.reply}}
			res, err := newExtractor(m).Extract(context.Background(), "no labels in this source text, just words")
			require.NoError(t, err)
			assert.Equal(t, tt.tier, res.Tier)
			assert.Equal(t, tt.name, res.Metadata.BasicInfo.Name)
			if tt.tier == TierDirect {
				assert.Equal(t, StateParsedStrict, res.History[2])
			} else {
				assert.Equal(t, StateParsedRecovered, res.History[2])
			}
		})
	}
}

func TestExtract_ConformantReply(t *testing.T) {
	full := ProjectMetadata{
		BasicInfo: BasicInfo{
			Name: "智慧交通系统", Code: "ZJ-2024-07", Department: "市科技局", ExecutingOrganization: "市交通研究院",
			Manager: "张三", StartDate: "2024-01-01", EndDate: "2025-12-31",
			TotalBudget: 300, SupportingBudget: 200, SelfFundedBudget: 100,
			Description: "信号协同平台", Type: "重点研发",
		},
		Milestones: []Milestone{{Phase: "一期", StartDate: "2024-01-01", EndDate: "2024-12-31", Tasks: []string{"需求调研"}, Deliverables: []string{"报告"}}},
		Budgets:    []BudgetLine{{Category: "设备费", SubCategory: "购置", Amount: 80, FundingSource: FundingSupported, Description: "服务器"}},
		Team:       []TeamMember{{Name: "张三", Title: "研究员", Role: "负责人", Workload: "6个月", Unit: "市交通研究院"}},
	}
	b, err := json.Marshal(full)
	require.NoError(t, err)

	res, err := newExtractor(&fakeModel{replies: []string{string(b)}}).Extract(context.Background(), sourceA)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Equal(t, full, res.Metadata)
}

func TestExtract_InvalidInput(t *testing.T) {
	for _, in := range []string{"", "   \n ", "太短了"} {
		m := &fakeModel{replies: []string{"{}"}}
		res, err := newExtractor(m).Extract(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrExtractionInvalidInput)
		assert.Nil(t, res)
		assert.Empty(t, m.reqs, "no model call for %q", in)
	}
}

func TestExtract_ModelFailsTwice(t *testing.T) {
	cause := &domain.UpstreamError{Service: "llm", Status: 503, Body: "overloaded"}
	m := &fakeModel{errs: []error{cause, cause}}

	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMetadataExtractionFailed)
	var ue *domain.UpstreamError
	assert.True(t, errors.As(err, &ue), "cause must be preserved")
	assert.Len(t, m.reqs, 2)

	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []State{StatePending, StateModelInvoked, StateFailed}, res.History)
	// Pre-filled for manual entry.
	assert.Equal(t, "智慧交通系统", res.Metadata.BasicInfo.Name)
	assert.NotNil(t, res.Metadata.Team)
	assert.Equal(t, domain.ReasonManualEntry, domain.Reason(err))
}

func TestExtract_TransientThenSuccess(t *testing.T) {
	m := &fakeModel{
		errs:    []error{&domain.UpstreamError{Service: "llm", Status: 429}},
		replies: []string{"", `{"basicInfo":{"name":"第二次"}}`},
	}
	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.NoError(t, err)
	assert.Len(t, m.reqs, 2)
	assert.Equal(t, "第二次", res.Metadata.BasicInfo.Name)
}

func TestExtract_PermanentErrorNotRetried(t *testing.T) {
	m := &fakeModel{errs: []error{&domain.UpstreamError{Service: "llm", Status: 400, Body: "bad request"}}}
	_, err := newExtractor(m).Extract(context.Background(), sourceA)
	assert.ErrorIs(t, err, domain.ErrMetadataExtractionFailed)
	assert.Len(t, m.reqs, 1)
}

func TestExtract_EmptyResponseIsMalformedOutput(t *testing.T) {
	m := &fakeModel{errs: []error{llm.ErrEmptyResponse}}
	res, err := newExtractor(m).Extract(context.Background(), sourceA)
	require.NoError(t, err)
	assert.Len(t, m.reqs, 1)
	assert.Equal(t, TierScraped, res.Tier)
	assert.Equal(t, "智慧交通系统", res.Metadata.BasicInfo.Name)
}

func TestExtract_PromptInputCapped(t *testing.T) {
	m := &fakeModel{replies: []string{"{}"}}
	long := strings.Repeat("项目", 500)

	_, err := newExtractor(m, WithMaxInputRunes(100)).Extract(context.Background(), long)
	require.NoError(t, err)
	got := utf8.RuneCountInString(m.reqs[0].UserPrompt)
	assert.LessOrEqual(t, got, 100+utf8.RuneCountInString(userPrompt("")))
}

// ========== normalize ==========

func TestNormalize_Lenient(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"basic_info": {"name": " 智慧交通 ", "total_budget": "1,200.5", "supportingBudget": "120万元", "start_date": "2024年3月", "end_date": "2025/6/30"},
		"milestones": [{"phase": "一期", "tasks": "调研；设计", "deliverables": null}],
		"budgets": [
			{"category": "设备费", "amount": "80万元", "fundingSource": "自筹资金"},
			{"category": "材料费", "amount": 12, "funding_source": "财政拨款"},
			{"category": "其他"}
		],
		"team": {"name": "张三", "workload": 6}
	}`), &raw))

	m := normalize(raw, fixedNow)

	assert.Equal(t, "智慧交通", m.BasicInfo.Name)
	assert.Equal(t, Unspecified, m.BasicInfo.Code)
	assert.Equal(t, 1200.5, m.BasicInfo.TotalBudget)
	assert.Equal(t, 120.0, m.BasicInfo.SupportingBudget)
	assert.Equal(t, "2024-03-01", m.BasicInfo.StartDate)
	assert.Equal(t, "2025-06-30", m.BasicInfo.EndDate)

	require.Len(t, m.Milestones, 1)
	assert.Equal(t, []string{"调研", "设计"}, m.Milestones[0].Tasks)
	assert.Equal(t, []string{}, m.Milestones[0].Deliverables)
	assert.Equal(t, "2025-03-14", m.Milestones[0].StartDate)

	require.Len(t, m.Budgets, 3)
	assert.Equal(t, 80.0, m.Budgets[0].Amount)
	assert.Equal(t, FundingSelfFunded, m.Budgets[0].FundingSource)
	assert.Equal(t, FundingSupported, m.Budgets[1].FundingSource)
	assert.Equal(t, FundingSupported, m.Budgets[2].FundingSource)
	assert.Equal(t, 0.0, m.Budgets[2].Amount)

	require.Len(t, m.Team, 1)
	assert.Equal(t, "6", m.Team[0].Workload)
	assert.Equal(t, Unspecified, m.Team[0].Unit)

	require.NoError(t, ValidateMetadata(m))
}

func TestNormalize_FlatObject(t *testing.T) {
	m := normalize(map[string]any{"name": "平铺", "code": "F-1"}, fixedNow)
	assert.Equal(t, "平铺", m.BasicInfo.Name)
	assert.Equal(t, "F-1", m.BasicInfo.Code)
}

func TestDefaults(t *testing.T) {
	m := Defaults(fixedNow)
	assert.Equal(t, Unspecified, m.BasicInfo.Name)
	assert.Equal(t, "2025-03-14", m.BasicInfo.EndDate)
	assert.Zero(t, m.BasicInfo.TotalBudget)
	requireUsable(t, m)
}

// ========== schema ==========

func TestValidate_RejectsNullAndBadEnum(t *testing.T) {
	m := Defaults(fixedNow)
	m.Budgets = []BudgetLine{{Category: "a", SubCategory: "b", FundingSource: "other", Description: "c"}}
	assert.Error(t, ValidateMetadata(m))

	var v any
	require.NoError(t, json.Unmarshal([]byte(`{"basicInfo":{"name":null},"milestones":[],"budgets":[],"team":[]}`), &v))
	assert.Error(t, Validate(v))
}

// ========== scrape ==========

func TestScrape(t *testing.T) {
	got := scrape("项目名称：城市水资源监测\n项目编号: SW-2023-11 （重点）\n项目负责人：李四，研究员\n总预算：120万元")
	assert.Equal(t, "城市水资源监测", got["name"])
	assert.Equal(t, "SW-2023-11", got["code"])
	assert.Equal(t, "李四", got["manager"])
	assert.Equal(t, "120万元", got["totalBudget"])

	assert.Empty(t, scrape("filename: report.pdf"))
}

func TestRepairJSON(t *testing.T) {
	assert.Equal(t, `{"name": "x", "code": "y"}`, repairJSON(`{name": "x", code": "y"}`))
	assert.Equal(t, `[1, 2]`, repairJSON(`[1, 2]`))
}

// ========== XLSX ==========

func TestXLSX(t *testing.T) {
	m := Defaults(fixedNow)
	m.BasicInfo.Name = "智慧交通系统"
	m.Budgets = []BudgetLine{{Category: "设备费", SubCategory: "购置", Amount: 80, FundingSource: FundingSelfFunded, Description: "服务器"}}
	m.Milestones = []Milestone{{Phase: "一期", StartDate: "2024-01-01", EndDate: "2024-06-30", Tasks: []string{"调研", "设计"}, Deliverables: []string{}}}

	data, err := XLSX(m)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetBasicInfo, SheetMilestones, SheetBudgets, SheetTeam}, f.GetSheetList())

	rows, err := f.GetRows(SheetBasicInfo)
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "智慧交通系统"}, rows[1])

	rows, err = f.GetRows(SheetBudgets)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"设备费", "购置", "80", FundingSelfFunded, "服务器"}, rows[1])

	rows, err = f.GetRows(SheetMilestones)
	require.NoError(t, err)
	assert.Equal(t, "调研\n设计", rows[1][3])

	rows, err = f.GetRows(SheetTeam)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// ========== Manual ==========

func TestManual(t *testing.T) {
	prev := &Result{History: []State{StatePending, StateModelInvoked, StateFailed}}
	in := ProjectMetadata{
		BasicInfo: BasicInfo{Name: "Bridge Survey", StartDate: "2024年5月", TotalBudget: 80},
		Budgets:   []BudgetLine{{Category: "Equipment", Amount: 30, FundingSource: "自筹"}},
	}

	res, err := Manual(in, prev, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, StateManual, res.State)
	assert.Equal(t, []State{StatePending, StateModelInvoked, StateFailed, StateManual}, res.History)
	assert.True(t, res.Conformant)
	assert.Equal(t, "Bridge Survey", res.Metadata.BasicInfo.Name)
	assert.Equal(t, "2024-05-01", res.Metadata.BasicInfo.StartDate)
	assert.Equal(t, "2025-03-14", res.Metadata.BasicInfo.EndDate)
	assert.Equal(t, Unspecified, res.Metadata.BasicInfo.Code)
	assert.Equal(t, FundingSelfFunded, res.Metadata.Budgets[0].FundingSource)
	assert.NotNil(t, res.Metadata.Milestones)
	assert.NoError(t, ValidateMetadata(res.Metadata))
}
