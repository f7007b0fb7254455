package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"printframe/pkg/domain"
)

// GORM models used for persistence.
type BatchModel struct {
	ID        string       `gorm:"primaryKey"`
	OwnerID   string       `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null"`
	Images    []ImageModel `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE"`
}

type ImageModel struct {
	ID           string `gorm:"primaryKey"`
	BatchID      string `gorm:"not null;index"`
	OriginalURL  string `gorm:"not null"`
	ProcessedURL *string
	Status       string `gorm:"not null;index"`
	ErrorMessage string
	Crop         datatypes.JSON
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func batchToModel(b domain.Batch) BatchModel {
	return BatchModel{ID: b.ID, OwnerID: b.OwnerID, CreatedAt: b.CreatedAt}
}

func batchFromModel(m BatchModel) domain.Batch {
	return domain.Batch{ID: m.ID, OwnerID: m.OwnerID, CreatedAt: m.CreatedAt}
}

func imageToModel(img domain.Image) (ImageModel, error) {
	m := ImageModel{
		ID:           img.ID,
		BatchID:      img.BatchID,
		OriginalURL:  img.OriginalURL,
		Status:       string(img.Status),
		ErrorMessage: img.ErrorMessage,
		CreatedAt:    img.CreatedAt,
		UpdatedAt:    img.UpdatedAt,
	}
	if img.ProcessedURL != "" {
		url := img.ProcessedURL
		m.ProcessedURL = &url
	}
	if img.Crop != nil {
		raw, err := json.Marshal(img.Crop)
		if err != nil {
			return ImageModel{}, err
		}
		m.Crop = datatypes.JSON(raw)
	}
	return m, nil
}

func imageFromModel(m ImageModel) domain.Image {
	img := domain.Image{
		ID:           m.ID,
		BatchID:      m.BatchID,
		OriginalURL:  m.OriginalURL,
		Status:       domain.ImageStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.ProcessedURL != nil {
		img.ProcessedURL = *m.ProcessedURL
	}
	if len(m.Crop) > 0 && string(m.Crop) != "null" {
		var crop domain.CropRegion
		if err := json.Unmarshal(m.Crop, &crop); err == nil {
			img.Crop = &crop
		}
	}
	return img
}
