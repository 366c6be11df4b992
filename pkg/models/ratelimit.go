package models

// ProxyRateLimit is the relational fallback row for the egress proxy token
// bucket, used when the rate-limit shard registry is not configured.
// Key is "{userID}:{host}"; ResetAtMs is the fixed-window boundary.
type ProxyRateLimit struct {
	Key       string `gorm:"primaryKey;size:255" json:"key"`
	Count     int64  `gorm:"not null;default:0" json:"count"`
	ResetAtMs int64  `gorm:"not null" json:"resetAtMs"`
}

// TableName returns the table name for ProxyRateLimit.
func (ProxyRateLimit) TableName() string {
	return "proxy_rate_limits"
}
