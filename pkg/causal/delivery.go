package causal

// Delivery 是远端事件相对本地状态的分类结果。
type Delivery int

const (
	// Deliverable 所有因果前驱都已在本地观察到，可以立即应用。
	Deliverable Delivery = iota
	// Duplicate 该事件已被本地吸收。
	Duplicate
	// Gap 至少缺少一个因果前驱，需要缓冲或重新同步。
	Gap
)

func (d Delivery) String() string {
	switch d {
	case Deliverable:
		return "deliverable"
	case Duplicate:
		return "duplicate"
	default:
		return "gap"
	}
}

// Classify 判断由 origin 生成、携带 clock 的事件能否按因果序交付。
// clock 包含该事件自身（clock[origin] 是它在 origin 上的序号）。
func (vv VersionVector) Classify(origin ReplicaID, clock VersionVector) Delivery {
	seq := clock[origin]
	if seq <= vv[origin] {
		return Duplicate
	}
	if seq != vv[origin]+1 {
		return Gap
	}
	for id, n := range clock {
		if id == origin {
			continue
		}
		if n > vv[id] {
			return Gap
		}
	}
	return Deliverable
}
