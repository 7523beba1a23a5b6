package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Farmer represents a farmer profile read from the marketplace database
type Farmer struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	Role         string     `json:"role" db:"role"`
	District     string     `json:"district" db:"district"`
	Province     string     `json:"province,omitempty" db:"province"`
	CropType     string     `json:"cropType,omitempty" db:"crop_type"`
	PlantingDate *time.Time `json:"plantingDate,omitempty" db:"planting_date"`
	GrowthStage  string     `json:"growthStage,omitempty" db:"growth_stage"`
	LandSize     float64    `json:"landSize" db:"land_size"`
	IsVerified   bool       `json:"isVerified" db:"is_verified"`
	DeviceToken  string     `json:"deviceToken,omitempty" db:"device_token"`
	Email        string     `json:"email,omitempty" db:"email"`
	Mobile       string     `json:"mobile,omitempty" db:"mobile"`
	Language     string     `json:"language,omitempty" db:"language"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// Recipient returns the contact points of the farmer
func (f *Farmer) Recipient() Recipient {
	return Recipient{
		FarmerID:    f.ID,
		Name:        f.Name,
		DeviceToken: strings.TrimSpace(f.DeviceToken),
		Email:       strings.TrimSpace(f.Email),
		Mobile:      strings.TrimSpace(f.Mobile),
		Language:    f.Language,
	}
}

// Recipient carries the contact capabilities used to resolve channels
type Recipient struct {
	FarmerID    uuid.UUID `json:"farmerId"`
	Name        string    `json:"name,omitempty"`
	DeviceToken string    `json:"deviceToken,omitempty"`
	Email       string    `json:"email,omitempty"`
	Mobile      string    `json:"mobile,omitempty"`
	Language    string    `json:"language,omitempty"`
}

// Supports reports whether the recipient has the contact point a channel needs
func (r Recipient) Supports(ch Channel) bool {
	switch ch {
	case ChannelPush:
		return r.DeviceToken != ""
	case ChannelSMS, ChannelWhatsApp:
		return r.Mobile != ""
	case ChannelEmail:
		return r.Email != ""
	}
	return false
}

// RecipientFilter selects broadcast targets
type RecipientFilter struct {
	Role     string
	District string
	Province string
	CropType string
}
