package txmanager

import (
	"fmt"
	"sort"
	"time"

	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
)

// instance 资源管理器代理的一个实例
type instance struct {
	process  process.Handle
	id       string
	resource int
	healthy  bool
	// 已发出未应答的子请求数
	inflight int
	// 最近一次要求重新注册的时间
	reminded time.Time
}

// proxy 一个资源管理器的代理记录, 创建后不删除
type proxy struct {
	id         int
	key        string
	configured int
	instances  []*instance
}

// registry 代理池, 只由处理循环访问
type registry struct {
	proxies   map[int]*proxy
	processes map[int64]*instance
}

func newRegistry(configs ...ResourceConfig) *registry {
	r := registry{
		proxies:   make(map[int]*proxy, len(configs)),
		processes: make(map[int64]*instance),
	}
	for _, cfg := range configs {
		r.proxies[cfg.ID] = &proxy{
			id:         cfg.ID,
			key:        cfg.Key,
			configured: cfg.Instances,
		}
	}
	return &r
}

// connect 相同实例标识的重连复用原记录, 不同标识作为新实例加入
func (r *registry) connect(req message.ConnectRequest) (*instance, error) {
	if req.Process.IsZero() {
		return nil, fmt.Errorf("connect resource %d: zero process handle", req.Resource)
	}
	p, ok := r.proxies[req.Resource]
	if !ok {
		p = &proxy{id: req.Resource, key: req.Key}
		r.proxies[req.Resource] = p
	}
	if p.key != "" && req.Key != "" && p.key != req.Key {
		return nil, fmt.Errorf("connect resource %d: key %s mismatch, expect %s", req.Resource, req.Key, p.key)
	}
	if p.key == "" {
		p.key = req.Key
	}

	for _, inst := range p.instances {
		if inst.id != req.Instance {
			continue
		}
		delete(r.processes, inst.process.PID)
		inst.process = req.Process
		inst.healthy = true
		inst.inflight = 0
		inst.reminded = time.Time{}
		r.processes[req.Process.PID] = inst
		return inst, nil
	}

	inst := &instance{
		process:  req.Process,
		id:       req.Instance,
		resource: req.Resource,
		healthy:  true,
	}
	p.instances = append(p.instances, inst)
	r.processes[req.Process.PID] = inst
	return inst, nil
}

func (r *registry) lookup(h process.Handle) *instance {
	return r.processes[h.PID]
}

// pick 优先选择 prefer, 否则选择在途请求最少的健康实例
func (r *registry) pick(rid int, prefer process.Handle) *instance {
	p, ok := r.proxies[rid]
	if !ok {
		return nil
	}
	var picked *instance
	for _, inst := range p.instances {
		if !inst.healthy {
			continue
		}
		if inst.process == prefer {
			return inst
		}
		if picked == nil || inst.inflight < picked.inflight {
			picked = inst
		}
	}
	return picked
}

func (r *registry) acquire(inst *instance) {
	inst.inflight++
}

func (r *registry) release(h process.Handle) {
	if inst := r.lookup(h); inst != nil && inst.inflight > 0 {
		inst.inflight--
	}
}

// markUnhealthy 实例在重新注册之前不再被选中
func (r *registry) markUnhealthy(h process.Handle) *instance {
	inst := r.lookup(h)
	if inst == nil {
		return nil
	}
	inst.healthy = false
	inst.inflight = 0
	inst.reminded = time.Now()
	return inst
}

// unhealthy 等待重新注册的实例
func (r *registry) unhealthy() []*instance {
	var instances []*instance
	for _, inst := range r.processes {
		if !inst.healthy {
			instances = append(instances, inst)
		}
	}
	return instances
}

func (r *registry) healthy(rid int) int {
	p, ok := r.proxies[rid]
	if !ok {
		return 0
	}
	var n int
	for _, inst := range p.instances {
		if inst.healthy {
			n++
		}
	}
	return n
}

func (r *registry) state() []message.ProxyState {
	ids := make([]int, 0, len(r.proxies))
	for id := range r.proxies {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	states := make([]message.ProxyState, 0, len(ids))
	for _, id := range ids {
		p := r.proxies[id]
		state := message.ProxyState{
			ID:         p.id,
			Key:        p.key,
			Configured: p.configured,
		}
		for _, inst := range p.instances {
			state.Instances = append(state.Instances, message.InstanceState{
				Process:  inst.process,
				Instance: inst.id,
				Healthy:  inst.healthy,
				Inflight: inst.inflight,
			})
		}
		states = append(states, state)
	}
	return states
}
