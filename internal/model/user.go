package model

import "time"

// User 会话所属用户，Active 表示用户已开启自动交易代理
type User struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Active      bool      `json:"active"`
	AutoStart   bool      `json:"auto_start"`
	MaxSessions int       `json:"max_sessions"` // 0 表示使用全局的单用户上限
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
