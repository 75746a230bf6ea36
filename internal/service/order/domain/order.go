package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem 是订单行值对象。
type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Order 是订单聚合的根实体
type Order struct {
	ID              string
	CustomerID      string
	Items           []OrderItem
	Status          State
	CreatedAt       time.Time
	UpdatedAt       time.Time
	TotalPrice      decimal.Decimal
	ShippingAddress string
}

// 工厂函数: NewOrder 根据入口命令携带的草稿创建订单，总价在这里一次算好。
func NewOrder(id string, draft *OrderDraft, now time.Time) (*Order, error) {
	if id == "" || draft == nil || draft.CustomerID == "" {
		return nil, fmt.Errorf("%w: order id and customer id are required", ErrInvalidOrder)
	}
	items, err := toOrderItems(draft.Items)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:              id,
		CustomerID:      draft.CustomerID,
		Items:           items,
		Status:          StateCreated, // 初始状态
		CreatedAt:       now,
		UpdatedAt:       now,
		TotalPrice:      CalculateTotal(items),
		ShippingAddress: draft.ShippingAddress,
	}, nil
}

// Revise 用新的草稿替换商品和收货地址，并重新计算总价。
func (o *Order) Revise(draft *OrderDraft, now time.Time) error {
	if draft == nil {
		return fmt.Errorf("%w: empty revision", ErrInvalidOrder)
	}
	if draft.CustomerID != "" && draft.CustomerID != o.CustomerID {
		return fmt.Errorf("%w: customer of order %s cannot change", ErrInvalidOrder, o.ID)
	}
	items, err := toOrderItems(draft.Items)
	if err != nil {
		return err
	}
	o.Items = items
	o.TotalPrice = CalculateTotal(items)
	if draft.ShippingAddress != "" {
		o.ShippingAddress = draft.ShippingAddress
	}
	o.UpdatedAt = now
	return nil
}

// CalculateTotal 计算 Σ(单价 × 数量)，保留两位小数。
func CalculateTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total.Round(2)
}

// ItemRefs 返回不含价格的最小商品列表，用于事件和命令载荷。
func (o *Order) ItemRefs() []ItemRef {
	refs := make([]ItemRef, 0, len(o.Items))
	for _, it := range o.Items {
		refs = append(refs, ItemRef{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return refs
}

// MergeItemRefs 按 productId 合并数量，保留首次出现的顺序。
func MergeItemRefs(refs []ItemRef) []ItemRef {
	out := make([]ItemRef, 0, len(refs))
	idx := make(map[string]int, len(refs))
	for _, r := range refs {
		if i, ok := idx[r.ProductID]; ok {
			out[i].Quantity += r.Quantity
			continue
		}
		idx[r.ProductID] = len(out)
		out = append(out, r)
	}
	return out
}

// Clone 深拷贝，状态机动作只在副本上修改。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

func toOrderItems(draft []DraftItem) ([]OrderItem, error) {
	if len(draft) == 0 {
		return nil, fmt.Errorf("%w: an order needs at least one item", ErrInvalidOrder)
	}
	items := make([]OrderItem, 0, len(draft))
	for _, d := range draft {
		if d.ProductID == "" {
			return nil, fmt.Errorf("%w: item without product id", ErrInvalidOrder)
		}
		if d.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s has quantity %d", ErrInvalidOrder, d.ProductID, d.Quantity)
		}
		if d.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: product %s has negative price", ErrInvalidOrder, d.ProductID)
		}
		items = append(items, OrderItem{ProductID: d.ProductID, Quantity: d.Quantity, UnitPrice: d.UnitPrice})
	}
	return items, nil
}

// ValidateItems 检查草稿中的订单行，不创建订单。
func ValidateItems(items []DraftItem) error {
	_, err := toOrderItems(items)
	return err
}
