package cache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscription 是显示层持有的“实时结果”：创建后处于 Loading，解析完成后
// 落定为本地路径或带错误的原始 URI。
//
// Update 传入相同的 (uri, cacheKey, ttl) 不会重新解析；传入新的请求会重置为
// Loading 并重新执行。被替换的请求以及 Close 之后才完成的请求，其结果会被丢弃。
type Subscription struct {
	svc *Service

	mu      sync.Mutex
	req     Request
	state   Result
	gen     uint64
	settled bool
	closed  bool
	done    chan struct{}
	updates chan Result
}

// Subscribe 开始解析 req 并返回订阅。
func (s *Service) Subscribe(req Request) *Subscription {
	sub := &Subscription{
		svc:     s,
		updates: make(chan Result, 1),
	}
	sub.mu.Lock()
	sub.start(s.normalize(req))
	sub.mu.Unlock()
	return sub
}

// Current 返回最近一次的结果。
func (sub *Subscription) Current() Result {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Request 返回当前生效的（已归一化的）请求。
func (sub *Subscription) Request() Request {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.req
}

// Updates 返回只保留最新值的结果通道，Close 后关闭。
func (sub *Subscription) Updates() <-chan Result {
	return sub.updates
}

// Update 切换到新的请求；与当前请求相同则不做任何事。
func (sub *Subscription) Update(req Request) {
	req = sub.svc.normalize(req)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || req == sub.req {
		return
	}
	sub.start(req)
}

// Wait 阻塞到当前请求落定，返回落定的结果。
func (sub *Subscription) Wait(ctx context.Context) (Result, error) {
	for {
		sub.mu.Lock()
		if sub.closed {
			state := sub.state
			sub.mu.Unlock()
			return state, ErrClosed
		}
		if sub.settled {
			state := sub.state
			sub.mu.Unlock()
			return state, nil
		}
		done := sub.done
		sub.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return sub.Current(), ctx.Err()
		}
	}
}

// Close 断开订阅，之后完成的解析结果不会再被应用。
func (sub *Subscription) Close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if !sub.settled {
		close(sub.done)
	}
	close(sub.updates)
}

// start 必须在持有 mu 时调用。
func (sub *Subscription) start(req Request) {
	if sub.done != nil && !sub.settled {
		close(sub.done)
	}
	sub.req = req
	sub.gen++
	sub.settled = false
	sub.done = make(chan struct{})

	if req.URI == "" {
		sub.apply(Result{Source: SourceNone})
		return
	}

	sub.apply(Result{Loading: true, Key: EntryKey(req.URI, req.CacheKey)})
	if !sub.svc.track() {
		sub.apply(Result{LocalReference: req.URI, Err: ErrClosed, Source: SourceFallback})
		return
	}

	gen := sub.gen
	go func() {
		defer sub.svc.wg.Done()
		result := sub.svc.Resolve(context.Background(), req)
		sub.finish(gen, result)
	}()
}

func (sub *Subscription) finish(gen uint64, result Result) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || gen != sub.gen {
		sub.svc.logger.WithFields(logrus.Fields{
			"action": "subscription",
			"key":    result.Key,
			"source": string(result.Source),
		}).Debug("stale_result_discarded")
		return
	}
	sub.apply(result)
}

// apply 必须在持有 mu 时调用。
func (sub *Subscription) apply(result Result) {
	sub.state = result
	select {
	case <-sub.updates:
	default:
	}
	sub.updates <- result
	if !result.Loading {
		sub.settled = true
		close(sub.done)
	}
}
