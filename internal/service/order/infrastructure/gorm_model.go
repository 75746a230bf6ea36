package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSagaModel 对应 order_sagas 表，每个 orderId 一行，同时保存订单和 Saga 状态。
type OrderSagaModel struct {
	OrderID         string          `gorm:"primaryKey;type:varchar(64)"`
	CustomerID      string          `gorm:"type:varchar(64);index"`
	Status          string          `gorm:"type:varchar(32);index"`
	Items           string          `gorm:"type:json"`
	TotalPrice      decimal.Decimal `gorm:"type:decimal(12,2)"`
	ShippingAddress string          `gorm:"type:varchar(512)"`
	Retries         string          `gorm:"type:json"`
	ReservedItems   string          `gorm:"type:json"`

	ValidationRequested bool
	PaymentRequested    bool
	PaymentCaptured     bool
	ShipmentRequested   bool

	TimerSeq  int64
	Deadline  *time.Time `gorm:"index"`
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderSagaModel) TableName() string {
	return "order_sagas"
}

// ProcessedMessageModel 对应 processed_messages 表，主键冲突即重复消息
type ProcessedMessageModel struct {
	MessageID   string `gorm:"primaryKey;type:varchar(128)"`
	OrderID     string `gorm:"type:varchar(64);index"`
	ProcessedAt time.Time
}

func (ProcessedMessageModel) TableName() string {
	return "processed_messages"
}

// SagaTransitionModel 对应 saga_transitions 表
type SagaTransitionModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"type:varchar(64);index"`
	MessageID string `gorm:"type:varchar(128)"`
	FromState string `gorm:"type:varchar(32)"`
	Event     string `gorm:"type:varchar(32)"`
	ToState   string `gorm:"type:varchar(32)"`
	CreatedAt time.Time
}

func (SagaTransitionModel) TableName() string {
	return "saga_transitions"
}

// SagaOutboxModel 对应 saga_outbox 表。Seq 保证同一订单的命令按写入顺序发送。
type SagaOutboxModel struct {
	Seq            uint64     `gorm:"primaryKey;autoIncrement"`
	CommandID      string     `gorm:"type:varchar(64);uniqueIndex"`
	OrderID        string     `gorm:"type:varchar(64);index"`
	Type           string     `gorm:"type:varchar(32)"`
	IdempotencyKey string     `gorm:"type:varchar(256)"`
	Items          string     `gorm:"type:json"`
	CreatedAt      time.Time  `gorm:"index"`
	DispatchedAt   *time.Time `gorm:"index"`
}

func (SagaOutboxModel) TableName() string {
	return "saga_outbox"
}

// DeadLetterModel 对应 dead_letters 表
type DeadLetterModel struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	Topic      string `gorm:"type:varchar(255)"`
	Partition  int
	Offset     int64     `gorm:"column:msg_offset"`
	MsgKey     string    `gorm:"type:varchar(255)"`
	Payload    []byte    `gorm:"type:mediumblob"`
	Cause      string    `gorm:"type:text"`
	ErrorType  string    `gorm:"type:varchar(255)"`
	CreatedAt  time.Time `gorm:"index"`
	ReplayedAt *time.Time
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}
