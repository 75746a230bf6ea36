package saga

import "ordersaga/internal/service/order/domain"

// CompensationPlan 是补偿命令的栈，后完成的步骤先撤销。
type CompensationPlan struct {
	steps [][]domain.Command
}

// Push 注册一个已完成步骤对应的补偿命令。
func (p *CompensationPlan) Push(cmds ...domain.Command) {
	if len(cmds) == 0 {
		return
	}
	p.steps = append([][]domain.Command{cmds}, p.steps...)
}

// Commands 按执行顺序展开。
func (p *CompensationPlan) Commands() []domain.Command {
	var out []domain.Command
	for _, step := range p.steps {
		out = append(out, step...)
	}
	return out
}

// Len 返回补偿命令总数。
func (p *CompensationPlan) Len() int {
	n := 0
	for _, step := range p.steps {
		n += len(step)
	}
	return n
}

// PlanCompensation 根据 Saga 进度推导补偿计划:
//   - 发过校验命令就逐个商品回补库存 (RESTOCK)，幂等键为 orderId+productId；
//     商品取历次预占的并集，订单更新前预占过的商品也会回补
//   - 支付确认成功才退款 (REFUND)，幂等键为 orderId
//
// 只发出了支付命令但没有收到成功结果时不退款，迟到的成功结果会在终态被丢弃。
func PlanCompensation(s Snapshot) *CompensationPlan {
	plan := &CompensationPlan{}
	orderID := s.Saga.OrderID

	if s.Saga.Progress.ValidationRequested {
		reserved := s.Saga.Reserved
		if len(reserved) == 0 && s.Order != nil {
			reserved = domain.MergeItemRefs(s.Order.ItemRefs())
		}
		restocks := make([]domain.Command, 0, len(reserved))
		for _, ref := range reserved {
			key := "restock:" + orderID + ":" + ref.ProductID
			restocks = append(restocks, NewCommand(domain.CommandRestock, orderID, key, []domain.ItemRef{ref}))
		}
		plan.Push(restocks...)
	}
	if s.Saga.Progress.PaymentCaptured {
		var items []domain.ItemRef
		if s.Order != nil {
			items = s.Order.ItemRefs()
		}
		plan.Push(NewCommand(domain.CommandRefund, orderID, "refund:"+orderID, items))
	}
	return plan
}
