package models

import "time"

// User owns strategy sets and the broker credentials their orders go through.
type User struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	Email           string `gorm:"type:varchar(120);uniqueIndex;not null"`
	BrokerKeyID     string `gorm:"type:varchar(100)"`
	BrokerSecretKey string `gorm:"type:varchar(200)"`
	Paper           bool   `gorm:"not null;default:true"`

	Strategies []StrategySet `gorm:"foreignKey:UserID"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

// HasCredentials reports whether a trading session can be opened for the user.
func (u *User) HasCredentials() bool {
	return u != nil && u.BrokerKeyID != "" && u.BrokerSecretKey != ""
}
