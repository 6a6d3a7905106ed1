package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and exposes their
// capabilities to callers. It is created via NewRegistry and passed
// explicitly to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[ChannelType]Adapter{}}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := ChannelType(strings.ToLower(strings.TrimSpace(string(adapter.Type()))))
	if !ct.Valid() {
		return fmt.Errorf("unknown channel type: %q", adapter.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// Types returns all registered channel types, sorted.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ListDescriptors returns descriptors for all registered adapters, sorted
// by channel type.
func (r *Registry) ListDescriptors() []Descriptor {
	types := r.Types()
	items := make([]Descriptor, 0, len(types))
	for _, ct := range types {
		if adapter, ok := r.Get(ct); ok {
			items = append(items, adapter.Descriptor())
		}
	}
	return items
}

// Sender returns the sender capability for the given channel type.
func (r *Registry) Sender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(Sender)
	return s, ok
}

// Receiver returns the receiver capability for the given channel type.
func (r *Registry) Receiver(channelType ChannelType) (Receiver, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	recv, ok := adapter.(Receiver)
	return recv, ok
}

// Webhook returns the webhook capability for the given channel type.
func (r *Registry) Webhook(channelType ChannelType) (WebhookAdapter, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	wh, ok := adapter.(WebhookAdapter)
	return wh, ok
}

// NormalizeCredentials runs the adapter's credential normalizer if it has
// one, otherwise returns the credentials unchanged.
func (r *Registry) NormalizeCredentials(channelType ChannelType, raw map[string]string) (map[string]string, error) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, fmt.Errorf("unknown channel type: %s", channelType)
	}
	norm, ok := adapter.(CredentialNormalizer)
	if !ok {
		return raw, nil
	}
	return norm.NormalizeCredentials(raw)
}
