package auth

import (
	"context"
	"errors"
	"sync"

	"lumina-backend/internal/model"
)

var ErrSignInFailed = errors.New("sign in failed")

// Provider 身份提供方边界。登录弹窗等交互流程委托给外部实现，
// 这里只约定接口：登录、登出、以及认证状态变更的订阅。
type Provider interface {
	SignIn(ctx context.Context) (*model.User, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChanged 订阅认证状态：订阅时立即回调一次当前状态，
	// 之后每次状态变更各回调一次。返回的函数用于取消订阅。
	OnAuthStateChanged(callback func(*model.User)) (unsubscribe func())
}

// LocalProvider 配置驱动的本地身份实现，用于单用户部署与测试
type LocalProvider struct {
	user *model.User

	mu          sync.Mutex
	current     *model.User
	subscribers map[int]func(*model.User)
	nextSubID   int
}

func NewLocalProvider(user *model.User) *LocalProvider {
	return &LocalProvider{
		user:        user,
		subscribers: make(map[int]func(*model.User)),
	}
}

func (p *LocalProvider) SignIn(_ context.Context) (*model.User, error) {
	if p.user == nil || p.user.ID == "" {
		return nil, ErrSignInFailed
	}

	p.mu.Lock()
	p.current = p.user
	callbacks := p.snapshotSubscribers()
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(p.user)
	}
	return p.user, nil
}

func (p *LocalProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	p.current = nil
	callbacks := p.snapshotSubscribers()
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(nil)
	}
	return nil
}

func (p *LocalProvider) OnAuthStateChanged(callback func(*model.User)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = callback
	current := p.current
	p.mu.Unlock()

	// 订阅即送达当前状态
	callback(current)

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

func (p *LocalProvider) snapshotSubscribers() []func(*model.User) {
	callbacks := make([]func(*model.User), 0, len(p.subscribers))
	for _, cb := range p.subscribers {
		callbacks = append(callbacks, cb)
	}
	return callbacks
}
