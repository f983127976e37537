// Package cache keeps one pre-warmed instruction context per backing model so
// responders do not resend their fixed instructions on every call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/tutorflow/internal/responder"
)

// Backend creates and maintains contexts at the model provider.
type Backend interface {
	Create(ctx context.Context, model, displayName, instructions string, ttl time.Duration) (string, error)
	Extend(ctx context.Context, handle string, ttl time.Duration) error
	Delete(ctx context.Context, handle string) error
}

// Clock abstracts time for renewal decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Coordinator.
type Options struct {
	Backend Backend
	Store   EntryStore
	Clock   Clock
	Logger  *slog.Logger

	// Models maps each responder tier to its backing model.
	Models map[responder.Tier]string
	// Cacheable reports whether a model supports contexts. Nil means all do.
	Cacheable func(model string) bool

	TTL           time.Duration
	RenewFraction float64
	// CallTimeout bounds each backend call made in the background.
	CallTimeout time.Duration
}

// Coordinator owns the cache entries. It is safe for concurrent use.
type Coordinator struct {
	backend   Backend
	store     EntryStore
	clock     Clock
	logger    *slog.Logger
	models    map[responder.Tier]string
	cacheable func(string) bool

	ttl           time.Duration
	renewFraction float64
	callTimeout   time.Duration

	sf singleflight.Group

	mu       sync.Mutex
	renewing map[string]bool

	// entryMu serializes store writes so a write conditioned on the stored
	// handle cannot interleave with another writer.
	entryMu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("cache: backend is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	if opts.RenewFraction <= 0 || opts.RenewFraction >= 1 {
		opts.RenewFraction = 0.75
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Cacheable == nil {
		opts.Cacheable = func(string) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		backend:       opts.Backend,
		store:         opts.Store,
		clock:         opts.Clock,
		logger:        opts.Logger,
		models:        opts.Models,
		cacheable:     opts.Cacheable,
		ttl:           opts.TTL,
		renewFraction: opts.RenewFraction,
		callTimeout:   opts.CallTimeout,
		renewing:      make(map[string]bool),
		bgCtx:         ctx,
		bgCancel:      cancel,
	}, nil
}

// ModelFor returns the backing model of a responder.
func (c *Coordinator) ModelFor(id responder.ID) string {
	d, ok := responder.Lookup(id)
	if !ok {
		return ""
	}
	return c.models[d.Tier]
}

// Group is the set of responders sharing one backing model.
type Group struct {
	Model      string
	Responders []responder.ID
}

// Groups returns responders grouped by backing model, sorted by model.
func (c *Coordinator) Groups() []Group {
	byModel := make(map[string][]responder.ID)
	for _, d := range responder.All() {
		m := c.models[d.Tier]
		if m == "" {
			continue
		}
		byModel[m] = append(byModel[m], d.ID)
	}
	out := make([]Group, 0, len(byModel))
	for m, ids := range byModel {
		out = append(out, Group{Model: m, Responders: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Instructions renders the fixed instructions shared by a model's responders.
func (c *Coordinator) Instructions(model string) string {
	var sb strings.Builder
	for _, g := range c.Groups() {
		if g.Model != model {
			continue
		}
		for _, id := range g.Responders {
			d := responder.MustLookup(id)
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "### RESPONDER %s (%s)\n%s", d.ID, d.DisplayName, d.Instructions)
		}
	}
	return sb.String()
}

// WarmupResult reports the outcome for one model.
type WarmupResult struct {
	Model      string
	Handle     string
	Responders []responder.ID
	Err        error
}

// Warmup creates a fresh entry for every model group, replacing any existing
// one. Failures are reported per model and do not stop other groups.
func (c *Coordinator) Warmup(ctx context.Context) []WarmupResult {
	groups := c.Groups()
	results := make([]WarmupResult, 0, len(groups))
	for _, g := range groups {
		res := WarmupResult{Model: g.Model, Responders: g.Responders}
		if !c.cacheable(g.Model) {
			c.logger.Info("context cache not supported for model, skipping", "model", g.Model)
			results = append(results, res)
			continue
		}
		old, hadOld, err := c.store.Get(ctx, g.Model)
		if err != nil {
			c.logger.Warn("context cache lookup failed", "model", g.Model, "error", err)
		}
		entry, err := c.create(ctx, g.Model)
		if err != nil {
			c.logger.Warn("context cache warmup failed", "model", g.Model, "error", err)
			res.Err = err
			results = append(results, res)
			continue
		}
		res.Handle = entry.Handle
		if hadOld && old.Handle != entry.Handle {
			if err := c.backend.Delete(ctx, old.Handle); err != nil {
				c.logger.Debug("failed to delete replaced context", "model", g.Model, "handle", old.Handle, "error", err)
			}
		}
		c.logger.Info("context cache warmed", "model", g.Model, "handle", entry.Handle, "responders", len(g.Responders))
		results = append(results, res)
	}
	return results
}

// EnsureFresh returns the current handle for model. An entry past the renewal
// point is extended in the background without delaying the caller; a missing
// or expired entry is created synchronously. Callers must be prepared to
// proceed without a handle when an error is returned.
func (c *Coordinator) EnsureFresh(ctx context.Context, model string) (string, error) {
	if model == "" || !c.cacheable(model) {
		return "", nil
	}
	now := c.clock.Now()
	entry, ok, err := c.store.Get(ctx, model)
	if err != nil {
		c.logger.Warn("context cache lookup failed", "model", model, "error", err)
		ok = false
	}
	if ok && !entry.Expired(now) {
		if entry.Age(now) >= c.renewAfter(entry.TTL) {
			c.renewAsync(entry)
		}
		return entry.Handle, nil
	}

	v, err, _ := c.sf.Do(model, func() (any, error) {
		// Another caller may have created it while we waited.
		if e, ok, _ := c.store.Get(ctx, model); ok && !e.Expired(c.clock.Now()) {
			return e, nil
		}
		return c.create(ctx, model)
	})
	if err != nil {
		return "", err
	}
	return v.(Entry).Handle, nil
}

// Invalidate deletes all entries. They are recreated lazily on next use.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	entries, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("invalidate context caches: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := c.backend.Delete(ctx, e.Handle); err != nil {
			c.logger.Warn("failed to delete context at backend", "model", e.Model, "handle", e.Handle, "error", err)
		}
		if _, err := c.replaceIf(ctx, e.Model, e.Handle, nil); err != nil {
			errs = append(errs, fmt.Errorf("delete entry %s: %w", e.Model, err))
		}
	}
	c.logger.Info("context caches invalidated", "count", len(entries))
	return errors.Join(errs...)
}

// Entries lists current entries.
func (c *Coordinator) Entries(ctx context.Context) ([]Entry, error) {
	return c.store.List(ctx)
}

// Close stops background renewals and waits for them to finish.
func (c *Coordinator) Close() {
	c.bgCancel()
	c.wg.Wait()
}

func (c *Coordinator) renewAfter(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * c.renewFraction)
}

func (c *Coordinator) create(ctx context.Context, model string) (Entry, error) {
	instructions := c.Instructions(model)
	if instructions == "" {
		return Entry{}, fmt.Errorf("cache: no responders use model %s", model)
	}
	handle, err := c.backend.Create(ctx, model, "tutorflow-"+model, instructions, c.ttl)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Model: model, Handle: handle, CreatedAt: c.clock.Now(), TTL: c.ttl}
	c.entryMu.Lock()
	err = c.store.Put(ctx, entry)
	c.entryMu.Unlock()
	if err != nil {
		c.logger.Warn("failed to persist context cache entry", "model", model, "error", err)
	}
	return entry, nil
}

// replaceIf writes next (or deletes the entry when next is nil) only while
// the stored entry for model still carries handle. It reports whether the
// write happened.
func (c *Coordinator) replaceIf(ctx context.Context, model, handle string, next *Entry) (bool, error) {
	c.entryMu.Lock()
	defer c.entryMu.Unlock()
	cur, ok, err := c.store.Get(ctx, model)
	if err != nil {
		return false, err
	}
	if !ok || cur.Handle != handle {
		return false, nil
	}
	if next == nil {
		return true, c.store.Delete(ctx, model)
	}
	return true, c.store.Put(ctx, *next)
}

func (c *Coordinator) renewAsync(entry Entry) {
	c.mu.Lock()
	if c.renewing[entry.Model] {
		c.mu.Unlock()
		return
	}
	c.renewing[entry.Model] = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.renewing, entry.Model)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(c.bgCtx, c.callTimeout)
		defer cancel()

		if err := c.backend.Extend(ctx, entry.Handle, c.ttl); err != nil {
			c.logger.Warn("context cache renewal failed, entry dropped", "model", entry.Model, "handle", entry.Handle, "error", err)
			if _, err := c.replaceIf(ctx, entry.Model, entry.Handle, nil); err != nil {
				c.logger.Warn("failed to drop stale context cache entry", "model", entry.Model, "error", err)
			}
			return
		}
		renewed := entry
		renewed.CreatedAt = c.clock.Now()
		renewed.TTL = c.ttl
		wrote, err := c.replaceIf(ctx, entry.Model, entry.Handle, &renewed)
		if err != nil {
			c.logger.Warn("failed to persist renewed context cache entry", "model", entry.Model, "error", err)
			return
		}
		if !wrote {
			// Warmup or Invalidate replaced the entry while the renewal ran.
			c.logger.Debug("context cache renewal superseded", "model", entry.Model, "handle", entry.Handle)
			return
		}
		c.logger.Debug("context cache renewed", "model", entry.Model, "handle", entry.Handle)
	}()
}

// Binding is what one call to a responder needs: its backing model, an
// optional context handle and the instructions to send with the call.
type Binding struct {
	Model        string
	Handle       string
	Instructions string
}

// Bind resolves a responder's binding. Grounded responders and cache failures
// fall back to sending the full instructions with the call.
func (c *Coordinator) Bind(ctx context.Context, id responder.ID) (Binding, error) {
	d, ok := responder.Lookup(id)
	if !ok {
		return Binding{}, fmt.Errorf("cache: unknown responder %q", id)
	}
	b := Binding{Model: c.models[d.Tier], Instructions: d.Instructions}
	if b.Model == "" {
		return Binding{}, fmt.Errorf("cache: no model for tier %s", d.Tier)
	}
	if d.Grounding {
		return b, nil
	}
	handle, err := c.EnsureFresh(ctx, b.Model)
	if err != nil {
		c.logger.Warn("context cache unavailable, sending full instructions",
			"model", b.Model, "responder", id, "error", err)
		return b, nil
	}
	if handle != "" {
		b.Handle = handle
		b.Instructions = fmt.Sprintf("Act as RESPONDER %s (%s) from the instructions above.", d.ID, d.DisplayName)
	}
	return b, nil
}
