// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package extension

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBridgeShutdown rejects pending dialogs during session teardown.
var ErrBridgeShutdown = errors.New("ui bridge shut down")

// UIRequest is what the host renders. Fire-and-forget methods carry an
// empty ID.
type UIRequest struct {
	ID      string         `json:"id,omitempty"`
	Method  string         `json:"method"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EmitFunc delivers a request to the host (SSE event or stdio line).
type EmitFunc func(UIRequest)

// UIBridge correlates dialog round-trips between extension handlers and
// the host UI. Dialog methods block until the host responds, a timeout
// fires, or the session shuts down.
type UIBridge struct {
	emit EmitFunc

	mu       sync.Mutex
	pending  map[string]chan any
	shutdown bool
}

// NewUIBridge creates a bridge that emits through emit.
func NewUIBridge(emit EmitFunc) *UIBridge {
	return &UIBridge{
		emit:    emit,
		pending: make(map[string]chan any),
	}
}

// Request performs a dialog round-trip. A zero timeout waits until the
// context is done. Timeout and abort both resolve to nil.
func (b *UIBridge) Request(ctx context.Context, method string, payload map[string]any, timeout time.Duration) (any, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrBridgeShutdown
	}
	id := uuid.NewString()
	ch := make(chan any, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.emit(UIRequest{ID: id, Method: method, Payload: payload})

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case value := <-ch:
		if value == errShutdownSentinel {
			return nil, ErrBridgeShutdown
		}
		return value, nil
	case <-timer:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// Confirm asks a yes/no question. Timeout or abort yields false.
func (b *UIBridge) Confirm(ctx context.Context, title, message string, timeout time.Duration) (bool, error) {
	value, err := b.Request(ctx, "confirm", map[string]any{"title": title, "message": message}, timeout)
	if err != nil {
		return false, err
	}
	answer, _ := value.(bool)
	return answer, nil
}

// Select asks the user to pick one of options. Timeout or abort yields "".
func (b *UIBridge) Select(ctx context.Context, title string, options []string, timeout time.Duration) (string, error) {
	value, err := b.Request(ctx, "select", map[string]any{"title": title, "options": options}, timeout)
	if err != nil {
		return "", err
	}
	choice, _ := value.(string)
	return choice, nil
}

// Input asks for a line of text. Timeout or abort yields "".
func (b *UIBridge) Input(ctx context.Context, title, placeholder string, timeout time.Duration) (string, error) {
	value, err := b.Request(ctx, "input", map[string]any{"title": title, "placeholder": placeholder}, timeout)
	if err != nil {
		return "", err
	}
	text, _ := value.(string)
	return text, nil
}

// Notify emits a fire-and-forget request.
func (b *UIBridge) Notify(method string, payload map[string]any) {
	b.mu.Lock()
	down := b.shutdown
	b.mu.Unlock()
	if down {
		return
	}
	b.emit(UIRequest{Method: method, Payload: payload})
}

// Resolve completes the pending dialog with the given id. Unknown ids
// are ignored; responses are idempotent.
func (b *UIBridge) Resolve(id string, value any) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

// Shutdown rejects every pending dialog and refuses new ones.
func (b *UIBridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- errShutdownSentinel
	}
}

// errShutdownSentinel distinguishes shutdown from a nil host response.
var errShutdownSentinel = &struct{ sentinel string }{"shutdown"}
