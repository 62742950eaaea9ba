package crm

import (
	"fmt"
	"sort"
	"sync"
)

// Factory は依存関係を受け取ってアダプタを生成する。
type Factory func(deps Deps) Adapter

// Registry はCRMのスラッグとアダプタ生成関数の対応を管理する。
// 複数goroutineから安全に利用できる。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register はスラッグに生成関数を登録する。同じスラッグが登録済みの場合はエラーを返す。
func (r *Registry) Register(slug string, factory Factory) error {
	if slug == "" || factory == nil {
		return fmt.Errorf("スラッグと生成関数は必須です")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[slug]; exists {
		return fmt.Errorf("CRMはすでに登録されています: %s", slug)
	}
	r.factories[slug] = factory
	return nil
}

// Unregister はスラッグの登録を解除する。
func (r *Registry) Unregister(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, slug)
}

// Has はスラッグが登録済みかを返す。
func (r *Registry) Has(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[slug]
	return ok
}

// New はスラッグに対応するアダプタを生成する。
func (r *Registry) New(slug string, deps Deps) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[slug]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("未登録のCRMです: %s", slug)
	}
	return factory(deps), nil
}

// Slugs は登録済みのスラッグを昇順で返す。
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.factories))
	for slug := range r.factories {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
