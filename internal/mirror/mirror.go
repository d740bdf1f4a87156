// Package mirror writes per-provider documents to the real-time store that
// provider apps listen to.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mirror upserts a flat document at collectionPath/documentID.
type Mirror interface {
	UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error
}

const incomingCollection = "incoming_requests"

// IncomingRequestsPath is the collection holding a provider's incoming requests.
func IncomingRequestsPath(providerKey string) string {
	return "providers/" + providerKey + "/" + incomingCollection
}

// ProviderFromPath extracts the provider key from an IncomingRequestsPath.
func ProviderFromPath(collectionPath string) (string, bool) {
	parts := strings.Split(collectionPath, "/")
	if len(parts) != 3 || parts[0] != "providers" || parts[2] != incomingCollection || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Flatten converts scalar values to their string form. Nested values are
// rendered with fmt's %v.
func Flatten(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = x
		case bool:
			out[k] = strconv.FormatBool(x)
		case int:
			out[k] = strconv.Itoa(x)
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case time.Time:
			out[k] = x.UTC().Format(time.RFC3339)
		case fmt.Stringer:
			out[k] = x.String()
		default:
			out[k] = fmt.Sprintf("%v", x)
		}
	}
	return out
}

// Fanout writes to every mirror and joins their errors.
type Fanout []Mirror

func (f Fanout) UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error {
	var errs []error
	for _, m := range f {
		if err := m.UpsertDocument(ctx, collectionPath, documentID, fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryMirror keeps documents in process.
type MemoryMirror struct {
	mu   sync.RWMutex
	docs map[string]map[string]string
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{docs: make(map[string]map[string]string)}
}

func (m *MemoryMirror) UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := collectionPath + "/" + documentID
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		doc = make(map[string]string, len(fields))
		m.docs[key] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (m *MemoryMirror) Document(collectionPath, documentID string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collectionPath+"/"+documentID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

// Paths lists stored document paths in sorted order.
func (m *MemoryMirror) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for k := range m.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
