// Package delivery bundles a batch's framed prints as a ZIP archive or a print-ready PDF.
package delivery

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"printframe/pkg/domain"
	"printframe/pkg/storage"
	"printframe/pkg/store"
)

// DPI is the print resolution the framed images are rendered for.
const DPI = 300

// ErrEmpty is returned when a batch has no completed images to deliver.
var ErrEmpty = errors.New("no completed images to deliver")

// Item is one framed print.
type Item struct {
	ImageID string
	Data    []byte
}

// Collect loads the framed bytes of every completed image of a batch, in creation order.
func Collect(ctx context.Context, st store.Store, objects storage.ObjectStore, batch domain.Batch) ([]Item, error) {
	images, err := st.ListImagesByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	items := make([]Item, 0, len(images))
	for _, img := range images {
		if img.Status != domain.StatusCompleted {
			continue
		}
		data, err := objects.Get(ctx, storage.Key(batch.OwnerID, batch.ID, img.ID, storage.StageFramed))
		if err != nil {
			return nil, fmt.Errorf("load framed %s: %w", img.ID, err)
		}
		items = append(items, Item{ImageID: img.ID, Data: data})
	}
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	return items, nil
}

// WriteZIP writes each item as {imageID}.jpg. JPEG data is stored without recompression.
func WriteZIP(w io.Writer, items []Item) error {
	if len(items) == 0 {
		return ErrEmpty
	}
	zw := zip.NewWriter(w)
	now := time.Now()
	for _, item := range items {
		header := &zip.FileHeader{
			Name:   item.ImageID + ".jpg",
			Method: zip.Store,
		}
		header.Modified = now
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry for %s: %w", item.ImageID, err)
		}
		if _, err := entry.Write(item.Data); err != nil {
			return fmt.Errorf("write zip entry for %s: %w", item.ImageID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

// WritePDF writes one page per item, each page exactly the print size at DPI.
func WritePDF(w io.Writer, items []Item) error {
	if len(items) == 0 {
		return ErrEmpty
	}
	sizes := make([]fpdf.SizeType, len(items))
	for i, item := range items {
		size, err := pageSize(item.Data)
		if err != nil {
			return fmt.Errorf("page size for %s: %w", item.ImageID, err)
		}
		sizes[i] = size
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{OrientationStr: "P", UnitStr: "pt", Size: sizes[0]})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle("PrintFrame prints", true)
	pdf.SetCreator("printframe", true)
	for i, item := range items {
		// "P" keeps Wd/Ht as given; fpdf swaps them for "L"
		pdf.AddPageFormat("P", sizes[i])
		opts := fpdf.ImageOptions{ImageType: "JPG"}
		pdf.RegisterImageOptionsReader(item.ImageID, opts, bytes.NewReader(item.Data))
		pdf.ImageOptions(item.ImageID, 0, 0, sizes[i].Wd, sizes[i].Ht, false, opts, 0, "")
		if err := pdf.Error(); err != nil {
			return fmt.Errorf("add page for %s: %w", item.ImageID, err)
		}
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// pageSize converts pixel dimensions to points at DPI.
func pageSize(data []byte) (fpdf.SizeType, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fpdf.SizeType{}, err
	}
	return fpdf.SizeType{
		Wd: float64(cfg.Width) * 72 / DPI,
		Ht: float64(cfg.Height) * 72 / DPI,
	}, nil
}
