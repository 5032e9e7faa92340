package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/groupbot/internal/control"
	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Dispatcher routes payloads to registered model backends and owns every
// conversation's history.
type Dispatcher struct {
	history      *history.Store
	defaultModel func() string
	log          zerolog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	backends map[string]model.Backend
	breakers map[string]*control.CircuitBreaker
}

// New creates a dispatcher. defaultModel is consulted when Dispatch gets an
// empty model id.
func New(store *history.Store, defaultModel func() string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		history:      store,
		defaultModel: defaultModel,
		log:          log.With().Str("component", "dispatch").Logger(),
		now:          time.Now,
		backends:     make(map[string]model.Backend),
		breakers:     make(map[string]*control.CircuitBreaker),
	}
}

// Register binds a model id to a backend, replacing any previous binding.
func (d *Dispatcher) Register(id string, backend model.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[id] = backend
	d.breakers[id] = control.NewCircuitBreaker(defaultBreakerThreshold, defaultBreakerCooldown)
}

// Models returns the registered model ids, sorted.
func (d *Dispatcher) Models() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.backends))
	for id := range d.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// History returns a copy of the conversation's history.
func (d *Dispatcher) History(conversation string) []history.Entry {
	return d.history.Get(conversation)
}

// Clear resets the conversation's history to the current system prompt.
func (d *Dispatcher) Clear(conversation string) { d.history.Clear(conversation) }

// Forget drops the conversation's history.
func (d *Dispatcher) Forget(conversation string) { d.history.Forget(conversation) }

// Reset drops every conversation's history.
func (d *Dispatcher) Reset() { d.history.Reset() }

// Dispatch appends payload to the conversation's history, asks the backend
// for a reply and appends that too. An unknown model leaves history alone; any
// other failure keeps the user entry. A reply that arrives after the
// conversation's history was cleared or dropped is still returned but not
// appended. Callers must serialize calls per conversation.
func (d *Dispatcher) Dispatch(ctx context.Context, payload, conversation, modelID string) (string, error) {
	if modelID == "" && d.defaultModel != nil {
		modelID = d.defaultModel()
	}
	d.mu.RLock()
	backend, ok := d.backends[modelID]
	breaker := d.breakers[modelID]
	d.mu.RUnlock()
	if !ok {
		return "", &Error{Reason: ErrUnknownModel, Model: modelID, Conversation: conversation}
	}

	gen := d.history.Append(conversation, history.RoleUser, payload)

	if !breaker.Allow(d.now()) {
		err := ErrCircuitOpen
		if streak, cause := breaker.LastFailure(); cause != nil {
			err = fmt.Errorf("%w after %d failures: %w", ErrCircuitOpen, streak, cause)
		}
		return "", &Error{Reason: ErrBackendFailure, Model: modelID, Conversation: conversation, Err: err}
	}

	started := d.now()
	resp, err := backend.Generate(ctx, d.history.Get(conversation))
	if err == nil {
		resp.Content = strings.TrimSpace(resp.Content)
		if resp.Content == "" {
			err = model.ErrEmptyResponse
		}
	}
	if err != nil {
		reason := classify(err)
		if errors.Is(reason, ErrBackendFailure) && !errors.Is(err, context.Canceled) {
			breaker.RecordFailure(err, d.now())
		}
		d.log.Warn().Err(err).
			Str("conversation", conversation).
			Str("model", modelID).
			Str("op", "generate").
			Str("reason", reason.Error()).
			Dur("elapsed", d.now().Sub(started)).
			Msg("backend call failed")
		return "", &Error{Reason: reason, Model: modelID, Conversation: conversation, Err: err}
	}
	breaker.RecordSuccess()

	if !d.history.AppendIf(conversation, gen, history.RoleAssistant, resp.Content) {
		d.log.Debug().
			Str("conversation", conversation).
			Str("model", modelID).
			Msg("history reset during call, reply not recorded in history")
	}
	d.log.Debug().
		Str("conversation", conversation).
		Str("model", modelID).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Dur("elapsed", d.now().Sub(started)).
		Msg("backend replied")
	return resp.Content, nil
}
