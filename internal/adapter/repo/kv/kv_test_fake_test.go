package kv

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// fakeClient is an in-memory stand-in for kvstore.Client used across this
// package's tests, avoiding a dependency on a real Redis connection.
type fakeClient struct {
	mu   sync.Mutex
	data map[string][]byte
	sets map[string]map[string]struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		data: map[string][]byte{},
		sets: map[string]map[string]struct{}{},
	}
}

func (f *fakeClient) GetJSON(_ domain.Context, key string, out any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (f *fakeClient) SetJSON(_ domain.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.data[key] = raw
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SetJSONResilient(ctx domain.Context, key string, value any, ttl, _ time.Duration) bool {
	return f.SetJSON(ctx, key, value, ttl) == nil
}

func (f *fakeClient) GetJSONResilient(ctx domain.Context, key string, out any, _ time.Duration) bool {
	found, err := f.GetJSON(ctx, key, out)
	return err == nil && found
}

func (f *fakeClient) Delete(_ domain.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.data[key]
	delete(f.data, key)
	return existed, nil
}

func (f *fakeClient) Keys(_ domain.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeClient) SAdd(_ domain.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *fakeClient) SRem(_ domain.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *fakeClient) SMembers(_ domain.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}
