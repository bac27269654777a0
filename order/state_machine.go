package order

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition 状态转换不在生命周期表中
var ErrIllegalTransition = errors.New("illegal order transition")

// StateMachine 订单生命周期：PENDING -> PLACED|REJECTED，PLACED -> FILLED|CANCELLED。
// 终态没有出边，同一周期内的订单在下一周期开始前必然进入终态
type StateMachine struct {
	next map[Status][]Status
}

func NewStateMachine() *StateMachine {
	return &StateMachine{next: map[Status][]Status{
		StatusPending: {StatusPlaced, StatusRejected},
		StatusPlaced:  {StatusFilled, StatusCancelled},
	}}
}

// ValidateTransition 相同状态视为幂等
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range sm.next[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// AllowedTransitions 返回副本
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	return append([]Status(nil), sm.next[current]...)
}

func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanCancel 只有交易所已接受的订单需要撤
func (sm *StateMachine) CanCancel(status Status) bool {
	return status == StatusPlaced
}
