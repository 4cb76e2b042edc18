package ot

import "log"

// TransformAgainst 把 incoming 依次对每个并发的已应用操作做变换（顺序复合）：
//
//	op' = transform(...transform(transform(op, c[0]), c[1])..., c[n-1])
//
// concurrent 必须按应用顺序传入（即 Version 递增）。
// 返回 nil 表示操作在变换过程中被取消（例如 move 被后到的 move 覆盖），
// 调用方应将其作为无操作丢弃，而不是报错。
func TransformAgainst(incoming *Operation, concurrent []AppliedOperation) *Operation {
	op := incoming.Clone()
	for i := range concurrent {
		op = transformPair(op, &concurrent[i].Operation)
		if op == nil {
			return nil
		}
	}
	return op
}

// transformPair 单对变换：调整 a 使其可以应用在 b 之后的状态上。
// 只有作用于同一 elementId 的操作才存在位置/语义上的相互影响。
func transformPair(a, b *Operation) *Operation {
	if a.ElementID != b.ElementID {
		return a
	}

	switch {
	case a.Type == OpInsert && b.Type == OpInsert:
		return transformInsertInsert(a, b)
	case a.Type == OpDelete && b.Type == OpDelete:
		return transformDeleteDelete(a, b)
	case a.Type == OpInsert && b.Type == OpDelete:
		return transformInsertDelete(a, b)
	case a.Type == OpDelete && b.Type == OpInsert:
		return transformDeleteInsert(a, b)
	case a.Type == OpMove && b.Type == OpMove:
		// 同一元素的两个并发 move 不可合并，后应用者胜出，先声明者取消
		return nil
	case a.Type == OpUpdate && b.Type == OpUpdate:
		return transformUpdateUpdate(a, b)
	}

	// 其余组合没有位置上的相互作用，原样通过。
	// 未识别的类型组合同样放行，但要留下日志，避免将来新增操作类型时被静默吞掉。
	if !knownType(a.Type) || !knownType(b.Type) {
		log.Printf("transform: no rule for %s vs %s on element %s, passing through unchanged",
			a.Type, b.Type, a.ElementID)
	}
	return a
}

func knownType(t OpType) bool {
	switch t {
	case OpInsert, OpDelete, OpUpdate, OpMove:
		return true
	}
	return false
}

// insert vs insert：a 的插入点在 b 之后（含相同位置）则右移 b.Length。
// 相同位置的并发插入按到达顺序嵌套，后到者让位，全集群口径一致。
func transformInsertInsert(a, b *Operation) *Operation {
	if a.Position >= b.Position {
		a.Position += b.Length
	}
	return a
}

// delete vs delete：区间不相交时按方位平移；重叠时取并集扣除 b 已删部分，
// 剩余长度下限为 0——重叠内容绝不会被删除第二次。
func transformDeleteDelete(a, b *Operation) *Operation {
	if a.Position >= b.End() {
		a.Position -= b.Length
		return a
	}
	if a.End() <= b.Position {
		return a
	}
	newPos := min(a.Position, b.Position)
	newLen := max(a.End(), b.End()) - newPos - b.Length
	if newLen < 0 {
		newLen = 0
	}
	a.Position = newPos
	a.Length = newLen
	return a
}

// insert vs delete：插入点在被删区间右侧（含端点）则左移；
// 严格落在被删区间内部时钳到删除起点（锚定的内容已不存在）。
func transformInsertDelete(a, b *Operation) *Operation {
	if a.Position >= b.End() {
		a.Position -= b.Length
	} else if a.Position > b.Position {
		a.Position = b.Position
	}
	return a
}

// delete vs insert：删除起点在插入点之后（含相同位置）则右移 b.Length。
func transformDeleteInsert(a, b *Operation) *Operation {
	if a.Position >= b.Position {
		a.Position += b.Length
	}
	return a
}

// update vs update：同一属性按字段级 last-writer-wins，后提交者的 NewValue
// 压在已应用值之上；OldValue 重定基到 b 的结果，便于客户端做 undo。
// 不同属性互不干扰。
func transformUpdateUpdate(a, b *Operation) *Operation {
	if a.Property == b.Property {
		a.OldValue = b.NewValue
	}
	return a
}
