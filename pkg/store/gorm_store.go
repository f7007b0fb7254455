package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"printframe/pkg/domain"
)

const migrateLockID int64 = 51842207

// GormStore implements Store using GORM. Production runs on Postgres.
type GormStore struct {
	db *gorm.DB
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// NewGormStore opens Postgres and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on DDL.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDialector opens any GORM dialector and migrates without locking.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&BatchModel{}, &ImageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveBatch stores a batch. Batches are immutable, so an existing ID is left untouched.
func (s *GormStore) SaveBatch(ctx context.Context, b domain.Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	model := batchToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// GetBatch retrieves a batch.
func (s *GormStore) GetBatch(ctx context.Context, id string) (domain.Batch, bool, error) {
	var model BatchModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, err
	}
	return batchFromModel(model), true, nil
}

// DeleteBatch removes a batch and its images.
func (s *GormStore) DeleteBatch(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ImageModel{}, "batch_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BatchModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SaveImage registers an image or refreshes its source and crop. Status is
// never changed here; new images start pending.
func (s *GormStore) SaveImage(ctx context.Context, img domain.Image) error {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	if img.Status == "" {
		img.Status = domain.StatusPending
	}
	if !img.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, img.Status)
	}
	model, err := imageToModel(img)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"original_url", "crop", "updated_at"}),
	}).Create(&model).Error
}

// GetImage retrieves an image.
func (s *GormStore) GetImage(ctx context.Context, id string) (domain.Image, bool, error) {
	var model ImageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Image{}, false, nil
		}
		return domain.Image{}, false, err
	}
	return imageFromModel(model), true, nil
}

// ListImagesByBatch returns every image of a batch ordered by created_at.
func (s *GormStore) ListImagesByBatch(ctx context.Context, batchID string) ([]domain.Image, error) {
	return s.listImages(ctx, "batch_id = ?", batchID)
}

// ListEligibleImages returns the pending and failed images of a batch.
func (s *GormStore) ListEligibleImages(ctx context.Context, batchID string) ([]domain.Image, error) {
	return s.listImages(ctx, "batch_id = ? AND status IN ?", batchID,
		[]string{string(domain.StatusPending), string(domain.StatusFailed)})
}

func (s *GormStore) listImages(ctx context.Context, query string, args ...any) ([]domain.Image, error) {
	var models []ImageModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Image, 0, len(models))
	for _, m := range models {
		res = append(res, imageFromModel(m))
	}
	return res, nil
}

// DeleteImage removes one image.
func (s *GormStore) DeleteImage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ImageModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessing moves pending to processing; re-asserting processing is a no-op.
func (s *GormStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusProcessing, domain.PredecessorsOf(domain.StatusProcessing), map[string]any{
		"error_message": "",
	})
}

// CompleteImage records the framed URL and completes the image in one UPDATE.
func (s *GormStore) CompleteImage(ctx context.Context, id, processedURL string) error {
	if strings.TrimSpace(processedURL) == "" {
		return errors.New("processed url required")
	}
	return s.transition(ctx, id, domain.StatusCompleted, domain.PredecessorsOf(domain.StatusCompleted), map[string]any{
		"processed_url": processedURL,
		"error_message": "",
	})
}

// FailImage marks an image failed with a reason. Besides processing it also
// accepts pending: a run whose every attempt died before MarkProcessing
// succeeded must still settle as failed.
func (s *GormStore) FailImage(ctx context.Context, id, errMsg string) error {
	from := append(domain.PredecessorsOf(domain.StatusFailed), domain.StatusPending)
	return s.transition(ctx, id, domain.StatusFailed, from, map[string]any{
		"error_message": errMsg,
	})
}

// ResubmitImage moves a failed image back to pending.
func (s *GormStore) ResubmitImage(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusPending, domain.PredecessorsOf(domain.StatusPending), map[string]any{
		"error_message": "",
	})
}

// transition applies a guarded single-row UPDATE. The WHERE clause only
// matches the statuses in from, so concurrent writers cannot break the lifecycle.
func (s *GormStore) transition(ctx context.Context, id string, to domain.ImageStatus, from []domain.ImageStatus, fields map[string]any) error {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	fields["status"] = string(to)
	fields["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&ImageModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	current, ok, err := s.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, to)
}

// AggregateStatus groups the batch's images by status.
func (s *GormStore) AggregateStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error) {
	var rows []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&ImageModel{}).
		Select("status, COUNT(*) AS count").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return domain.AggregateStatus{}, err
	}
	counts := make(map[domain.ImageStatus]int, len(rows))
	for _, r := range rows {
		counts[domain.ImageStatus(r.Status)] = r.Count
	}
	return domain.NewAggregateStatus(counts), nil
}
