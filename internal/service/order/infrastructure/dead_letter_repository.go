package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"ordersaga/internal/service/order/domain"
)

// GormDeadLetterRepository 是 DeadLetterRepository 的 GORM 实现
type GormDeadLetterRepository struct {
	db *gorm.DB
}

func NewGormDeadLetterRepository(db *gorm.DB) *GormDeadLetterRepository {
	return &GormDeadLetterRepository{db: db}
}

func (r *GormDeadLetterRepository) Save(ctx context.Context, dl *domain.DeadLetter) error {
	err := r.db.WithContext(ctx).Create(FromDomainDeadLetter(dl)).Error
	if isDuplicateKey(err) {
		// 同一条死信被 DLT 消费者重复投递
		return nil
	}
	return errors.Wrap(err, "insert dead letter")
}

func (r *GormDeadLetterRepository) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	var models []DeadLetterModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	out := make([]domain.DeadLetter, 0, len(models))
	for i := range models {
		out = append(out, ToDomainDeadLetter(&models[i]))
	}
	return out, nil
}

func (r *GormDeadLetterRepository) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeadLetterNotFound
		}
		return nil, errors.Wrapf(err, "get dead letter %s", id)
	}
	dl := ToDomainDeadLetter(&model)
	return &dl, nil
}

func (r *GormDeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&DeadLetterModel{}).Where("id = ?", id).Update("replayed_at", at)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "mark dead letter %s replayed", id)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}
