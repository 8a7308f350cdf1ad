package statesync

import "gorm.io/datatypes"

// InconsistencyReport stores a drift report a client sent about its caches.
type InconsistencyReport struct {
	ReportID        string         `gorm:"column:report_id;primaryKey;size:190;not null"`
	UserID          string         `gorm:"column:user_id;size:190;not null;index"`
	CookieID        string         `gorm:"column:cookie_id;size:190;not null;default:''"`
	Platform        string         `gorm:"column:platform;size:32;not null;default:''"`
	Kind            RequestType    `gorm:"column:kind;size:64;not null"`
	Report          datatypes.JSON `gorm:"column:report;not null"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InconsistencyReport) TableName() string {
	return "inconsistency_reports"
}
