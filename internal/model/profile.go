package model

import "time"

// UserProfile はユーザープロフィールのドキュメントを表す。
type UserProfile struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Verified    bool
	UpdatedAt   time.Time
}

// Restaurant は店舗ドキュメントを表す。
type Restaurant struct {
	ID                      string
	Name                    string
	Verified                bool
	PrecomputedQualityScore *int
	ScoredAt                *time.Time
	UpdatedAt               time.Time
}

// MenuItem はメニュー項目ドキュメントを表す。
type MenuItem struct {
	ID           string
	RestaurantID string
	Name         string
	Category     string
}
