package model

type NotificationType string

const (
	NotificationTypeHazard         NotificationType = "hazard"
	NotificationTypeSignPosted     NotificationType = "sign_posted"
	NotificationTypeReportApproved NotificationType = "report_approved"
	NotificationTypeSystem         NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeHazard, NotificationTypeSignPosted,
		NotificationTypeReportApproved, NotificationTypeSystem:
		return true
	}
	return false
}

type HazardStatus string

const (
	HazardStatusActive  HazardStatus = "active"
	HazardStatusExpired HazardStatus = "expired"
)

type HazardSeverity string

const (
	SeverityLow      HazardSeverity = "low"
	SeverityMedium   HazardSeverity = "medium"
	SeverityHigh     HazardSeverity = "high"
	SeverityCritical HazardSeverity = "critical"
)

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)
