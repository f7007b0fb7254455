package delivery

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/ledongthuc/pdf"

	"printframe/pkg/domain"
	"printframe/pkg/storage"
	"printframe/pkg/store"
)

func framedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 190, B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestWriteZIP(t *testing.T) {
	items := []Item{
		{ImageID: "i1", Data: framedJPEG(t, 30, 24)},
		{ImageID: "i2", Data: framedJPEG(t, 24, 30)},
	}
	var buf bytes.Buffer
	if err := WriteZIP(&buf, items); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(zr.File))
	}
	for i, f := range zr.File {
		if f.Name != items[i].ImageID+".jpg" {
			t.Fatalf("unexpected entry name %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if !bytes.Equal(data, items[i].Data) {
			t.Fatalf("entry %s content mismatch", f.Name)
		}
	}
	if err := WriteZIP(io.Discard, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestWritePDFOnePagePerPrint(t *testing.T) {
	items := []Item{
		{ImageID: "landscape", Data: framedJPEG(t, 3000, 2400)},
		{ImageID: "portrait", Data: framedJPEG(t, 2400, 3000)},
	}
	path := filepath.Join(t.TempDir(), "prints.pdf")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WritePDF(out, items); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
	out.Close()

	file, reader, err := pdf.Open(path)
	if err != nil {
		t.Fatalf("open pdf: %v", err)
	}
	defer file.Close()
	if reader.NumPage() != 2 {
		t.Fatalf("expected 2 pages, got %d", reader.NumPage())
	}
	// the second page differs from the document default and carries its own box
	box := reader.Page(2).V.Key("MediaBox")
	if box.Len() != 4 {
		t.Fatalf("expected a media box on page 2, got %v", box)
	}
	if w, h := box.Index(2).Float64(), box.Index(3).Float64(); math.Abs(w-576) > 0.5 || math.Abs(h-720) > 0.5 {
		t.Fatalf("expected an 8x10 in portrait page, got %.2fx%.2f pt", w, h)
	}
}

func TestPageSizeIsPrintSizeAtDPI(t *testing.T) {
	size, err := pageSize(framedJPEG(t, 3000, 2400))
	if err != nil {
		t.Fatalf("page size: %v", err)
	}
	if size.Wd != 720 || size.Ht != 576 {
		t.Fatalf("expected 10x8 in (720x576 pt), got %+v", size)
	}
	if _, err := pageSize([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCollectCompletedImages(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewGormStoreWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "d.db") + "?_pragma=foreign_keys(1)"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	objects, err := storage.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	batch := domain.Batch{ID: "b1", OwnerID: "u1"}
	if err := st.SaveBatch(ctx, batch); err != nil {
		t.Fatalf("save batch: %v", err)
	}
	for _, id := range []string{"i1", "i2"} {
		if err := st.SaveImage(ctx, domain.Image{ID: id, BatchID: "b1", OriginalURL: id}); err != nil {
			t.Fatalf("save image: %v", err)
		}
	}
	if _, err := Collect(ctx, st, objects, batch); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty before completion, got %v", err)
	}

	framed := framedJPEG(t, 30, 24)
	if err := storage.PutBytes(ctx, objects, storage.Key("u1", "b1", "i1", storage.StageFramed), framed, "image/jpeg"); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.MarkProcessing(ctx, "i1")
	if err := st.CompleteImage(ctx, "i1", "file:///x"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	items, err := Collect(ctx, st, objects, batch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(items) != 1 || items[0].ImageID != "i1" || !bytes.Equal(items[0].Data, framed) {
		t.Fatalf("unexpected items %+v", items)
	}
}
