package metadata

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Sheet names of the XLSX export.
const (
	SheetBasicInfo  = "Basic Info"
	SheetMilestones = "Milestones"
	SheetBudgets    = "Budgets"
	SheetTeam       = "Team"
)

// XLSX renders m as a workbook with one sheet per section.
func XLSX(m ProjectMetadata) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetBasicInfo); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetMilestones, SheetBudgets, SheetTeam} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	b := m.BasicInfo
	basic := [][]any{
		{"Field", "Value"},
		{"Name", b.Name},
		{"Code", b.Code},
		{"Department", b.Department},
		{"Executing organization", b.ExecutingOrganization},
		{"Manager", b.Manager},
		{"Start date", b.StartDate},
		{"End date", b.EndDate},
		{"Total budget", b.TotalBudget},
		{"Supporting budget", b.SupportingBudget},
		{"Self-funded budget", b.SelfFundedBudget},
		{"Description", b.Description},
		{"Type", b.Type},
	}
	if err := writeRows(f, SheetBasicInfo, basic); err != nil {
		return nil, err
	}

	rows := [][]any{{"Phase", "Start date", "End date", "Tasks", "Deliverables"}}
	for _, ms := range m.Milestones {
		rows = append(rows, []any{ms.Phase, ms.StartDate, ms.EndDate,
			strings.Join(ms.Tasks, "\n"), strings.Join(ms.Deliverables, "\n")})
	}
	if err := writeRows(f, SheetMilestones, rows); err != nil {
		return nil, err
	}

	rows = [][]any{{"Category", "Sub-category", "Amount", "Funding source", "Description"}}
	for _, bl := range m.Budgets {
		rows = append(rows, []any{bl.Category, bl.SubCategory, bl.Amount, bl.FundingSource, bl.Description})
	}
	if err := writeRows(f, SheetBudgets, rows); err != nil {
		return nil, err
	}

	rows = [][]any{{"Name", "Title", "Role", "Workload", "Unit"}}
	for _, t := range m.Team {
		rows = append(rows, []any{t.Name, t.Title, t.Role, t.Workload, t.Unit})
	}
	if err := writeRows(f, SheetTeam, rows); err != nil {
		return nil, err
	}

	_ = f.SetColWidth(SheetBasicInfo, "A", "A", 24)
	_ = f.SetColWidth(SheetBasicInfo, "B", "B", 60)
	_ = f.SetColWidth(SheetMilestones, "D", "E", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
