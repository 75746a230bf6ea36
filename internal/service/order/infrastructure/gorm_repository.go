package infrastructure

import (
	"context"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"ordersaga/internal/service/order/domain"
)

// mysqlDuplicateEntry 是 MySQL 唯一键冲突的错误码
const mysqlDuplicateEntry = 1062

// GormSagaRepository 是 SagaRepository 的 GORM 实现
type GormSagaRepository struct {
	db *gorm.DB
}

// NewGormSagaRepository 创建一个新的 GORM 仓储实例
func NewGormSagaRepository(db *gorm.DB) *GormSagaRepository {
	return &GormSagaRepository{db: db}
}

func (r *GormSagaRepository) Load(ctx context.Context, orderID string) (*domain.SagaInstance, *domain.Order, error) {
	var model OrderSagaModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.ErrSagaNotFound
		}
		return nil, nil, errors.Wrapf(err, "load saga %s", orderID)
	}
	return ToDomainSaga(&model)
}

func (r *GormSagaRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ProcessedMessageModel{}).Where("message_id = ?", messageID).Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "check processed message %s", messageID)
	}
	return n > 0, nil
}

// Commit 在一个事务里写入处理标记、Saga 行、迁移日志和 outbox。
// 处理标记先写，并发重投在这里就会被唯一键拦下。
func (r *GormSagaRepository) Commit(ctx context.Context, uow domain.UnitOfWork) error {
	model, err := FromDomainSaga(uow.Saga, uow.Order)
	if err != nil {
		return err
	}
	transitions := make([]SagaTransitionModel, 0, len(uow.Transitions))
	for _, t := range uow.Transitions {
		transitions = append(transitions, FromDomainTransition(t))
	}
	outbox := make([]SagaOutboxModel, 0, len(uow.Outbox))
	for _, e := range uow.Outbox {
		m, err := FromDomainOutbox(e)
		if err != nil {
			return err
		}
		outbox = append(outbox, m)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := ProcessedMessageModel{MessageID: uow.MessageID, OrderID: uow.Saga.OrderID, ProcessedAt: uow.Saga.UpdatedAt}
		if err := tx.Create(&marker).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrDuplicateMessage
			}
			return errors.Wrap(err, "insert processed marker")
		}

		model.Version = uow.ExpectedVersion + 1
		if uow.ExpectedVersion == 0 {
			if err := tx.Create(model).Error; err != nil {
				if isDuplicateKey(err) {
					return domain.ErrConcurrentModification
				}
				return errors.Wrap(err, "insert saga")
			}
		} else {
			res := tx.Model(&OrderSagaModel{}).
				Where("order_id = ? AND version = ?", model.OrderID, uow.ExpectedVersion).
				Select("*").Omit("order_id", "created_at").
				Updates(model)
			if res.Error != nil {
				return errors.Wrap(res.Error, "update saga")
			}
			if res.RowsAffected == 0 {
				return domain.ErrConcurrentModification
			}
		}

		if len(transitions) > 0 {
			if err := tx.Create(&transitions).Error; err != nil {
				return errors.Wrap(err, "insert transitions")
			}
		}
		if len(outbox) > 0 {
			if err := tx.Create(&outbox).Error; err != nil {
				return errors.Wrap(err, "insert outbox")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	uow.Saga.Version = model.Version
	return nil
}

func (r *GormSagaRepository) PendingOutbox(ctx context.Context, before time.Time, limit int) ([]domain.OutboxEntry, error) {
	var models []SagaOutboxModel
	q := r.db.WithContext(ctx).
		Where("dispatched_at IS NULL AND created_at < ?", before).
		Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "query pending outbox")
	}
	out := make([]domain.OutboxEntry, 0, len(models))
	for _, m := range models {
		e, err := ToDomainOutbox(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *GormSagaRepository) MarkDispatched(ctx context.Context, commandIDs []string, at time.Time) error {
	if len(commandIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&SagaOutboxModel{}).
		Where("command_id IN ? AND dispatched_at IS NULL", commandIDs).
		Update("dispatched_at", at).Error
	return errors.Wrap(err, "mark outbox dispatched")
}

func (r *GormSagaRepository) ArmedTimers(ctx context.Context) ([]domain.Timer, error) {
	pending := make([]string, 0, len(domain.Stages))
	for _, st := range domain.Stages {
		pending = append(pending, string(st.PendingState()))
	}
	var models []OrderSagaModel
	err := r.db.WithContext(ctx).
		Where("deadline IS NOT NULL AND status IN ?", pending).
		Order("deadline").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "query armed timers")
	}
	out := make([]domain.Timer, 0, len(models))
	for i := range models {
		sg, _, err := ToDomainSaga(&models[i])
		if err != nil {
			return nil, err
		}
		if t, ok := sg.ArmedTimer(); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *GormSagaRepository) Transitions(ctx context.Context, orderID string) ([]domain.TransitionRecord, error) {
	var models []SagaTransitionModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrapf(err, "query transitions of %s", orderID)
	}
	out := make([]domain.TransitionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, ToDomainTransition(m))
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
