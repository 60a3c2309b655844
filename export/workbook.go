// Package export renders the directory and its recent change log as an xlsx workbook.
package export

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	SheetDistricts = "Districts"
	SheetUnits     = "Local Units"
	SheetChangeLog = "Change Log"

	// ChangeLogRows caps the change log sheet to the newest entries.
	ChangeLogRows = 1000

	timeLayout = "2006-01-02 15:04:05"
)

var (
	districtHeadings  = []string{"ID", "Name", "Region", "Active", "Latitude", "Longitude", "Updated At"}
	unitHeadings      = []string{"ID", "District", "Name", "Slug", "Active", "Address", "Schedule", "Contact", "Image", "Map", "Air Distance (km)", "Road Distance (km)", "Travel Time", "Timezone", "Timezone Difference", "Last Enriched At"}
	changeLogHeadings = []string{"ID", "Run", "Unit ID", "Unit", "Field", "Old Value", "New Value", "Changed At"}
)

// FileName is the default workbook name for an export taken at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("directory-export-%s.xlsx", t.UTC().Format("20060102-150405"))
}

// BuildWorkbook reads every district and unit plus the latest change log entries.
func BuildWorkbook(ctx context.Context, db *gorm.DB) (*excelize.File, error) {
	districts, err := models.ListDistricts(ctx, db, models.DistrictFilter{})
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	units, err := models.ListLocalUnits(ctx, db, models.LocalUnitFilter{})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	var changes []*models.ChangeLogEntry
	if err := db.WithContext(ctx).Order("id DESC").Limit(ChangeLogRows).Find(&changes).Error; err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetDistricts); err != nil {
		return nil, err
	}
	for _, sheet := range []string{SheetUnits, SheetChangeLog} {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}

	districtNames := make(map[int]string, len(districts))
	districtRows := make([][]interface{}, 0, len(districts))
	for _, d := range districts {
		districtNames[d.ID] = d.Name
		districtRows = append(districtRows, []interface{}{
			d.ID, d.Name, string(d.Region), yesNo(d.Active()),
			floatCell(d.Latitude), floatCell(d.Longitude), d.UpdatedAt.UTC().Format(timeLayout),
		})
	}

	unitRows := make([][]interface{}, 0, len(units))
	for _, u := range units {
		air, road := "", ""
		if u.AirDistance != nil {
			air = u.AirDistance.StringFixed(2)
		}
		if u.RoadDistance != nil {
			road = u.RoadDistance.StringFixed(2)
		}
		enriched := ""
		if u.LastEnrichedAt != nil {
			enriched = u.LastEnrichedAt.UTC().Format(timeLayout)
		}
		unitRows = append(unitRows, []interface{}{
			u.ID, districtNames[u.DistrictId], u.Name, utils.DereferencePtr(u.Slug), yesNo(u.Active()),
			utils.DereferencePtr(u.Address), utils.DereferencePtr(u.Schedule), utils.DereferencePtr(u.Contact),
			utils.DereferencePtr(u.ImageUrl), utils.DereferencePtr(u.MapLink), air, road,
			utils.DereferencePtr(u.TravelTime), utils.DereferencePtr(u.Timezone), utils.DereferencePtr(u.TimezoneDiff),
			enriched,
		})
	}

	changeRows := make([][]interface{}, 0, len(changes))
	for _, e := range changes {
		changeRows = append(changeRows, []interface{}{
			e.ID, e.RunId, e.UnitId, e.UnitName, e.FieldName,
			utils.DereferencePtr(e.OldValue), utils.DereferencePtr(e.NewValue), e.ChangedAt.UTC().Format(timeLayout),
		})
	}

	if err := writeSheet(f, SheetDistricts, districtHeadings, districtRows); err != nil {
		return nil, err
	}
	if err := writeSheet(f, SheetUnits, unitHeadings, unitRows); err != nil {
		return nil, err
	}
	if err := writeSheet(f, SheetChangeLog, changeLogHeadings, changeRows); err != nil {
		return nil, err
	}
	return f, nil
}

func writeSheet(f *excelize.File, sheet string, headings []string, rows [][]interface{}) error {
	header := make([]interface{}, len(headings))
	for i, h := range headings {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("sheet %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, i+2, err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// Upload stores the workbook under exports/ in the configured GCS bucket and returns its gs:// URI.
func Upload(ctx context.Context, name string, f *excelize.File) (string, error) {
	buf, err := f.WriteToBuffer()
	if err != nil {
		return "", fmt.Errorf("render workbook: %w", err)
	}
	return utils.UploadBytesToGCS(ctx, "exports/"+name, buf.Bytes(), ContentType)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func floatCell(f *float64) interface{} {
	if f == nil {
		return ""
	}
	return *f
}
