// Package registry owns crawl-plugin definitions: validation, CRUD, and
// change notifications for the scheduler.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/eventlog"
	"github.com/crawlkit/crawld/internal/schedule"
)

// ChangeType labels a plugin mutation.
type ChangeType string

// Change types delivered to subscribers.
const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeEnabled  ChangeType = "enabled"
	ChangeDisabled ChangeType = "disabled"
)

// Change notifies subscribers of a plugin mutation so schedule edits take
// effect immediately instead of waiting for the old schedule to lapse.
type Change struct {
	Type   ChangeType
	Plugin core.Plugin
}

const subscriberBuffer = 64

// Registry wraps a PluginStore with validation and change fan-out. The store
// is read-mostly; writes go through the registry so every mutation is
// validated and announced.
type Registry struct {
	store  core.PluginStore
	ids    core.IDGenerator
	clock  core.Clock
	events eventlog.Emitter
	logger *zap.Logger

	subs []chan Change
}

// New constructs a Registry.
func New(
	store core.PluginStore,
	ids core.IDGenerator,
	clock core.Clock,
	events eventlog.Emitter,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		ids:    ids,
		clock:  clock,
		events: events,
		logger: logger,
	}
}

// Subscribe returns a channel of plugin changes. Subscriptions are expected
// to be established at startup, before mutations begin.
func (r *Registry) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	r.subs = append(r.subs, ch)
	return ch
}

// Create validates def, assigns an ID and timestamps, and persists it.
func (r *Registry) Create(ctx context.Context, def core.Plugin) (core.Plugin, error) {
	def = normalize(def)
	if err := Validate(def); err != nil {
		return core.Plugin{}, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		return core.Plugin{}, fmt.Errorf("generate plugin id: %w", err)
	}
	now := r.clock.Now()
	def.ID = id
	def.Created = now
	def.Updated = now
	if err := r.store.CreatePlugin(ctx, def); err != nil {
		return core.Plugin{}, fmt.Errorf("create plugin: %w", err)
	}
	r.announce(Change{Type: ChangeCreated, Plugin: def}, "plugin created")
	return def, nil
}

// Update replaces the stored definition for id, preserving identity and
// creation time.
func (r *Registry) Update(ctx context.Context, id string, def core.Plugin) (core.Plugin, error) {
	existing, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return core.Plugin{}, fmt.Errorf("get plugin: %w", err)
	}
	def = normalize(def)
	def.ID = existing.ID
	def.Created = existing.Created
	def.Updated = r.clock.Now()
	if err := Validate(def); err != nil {
		return core.Plugin{}, err
	}
	if err := r.store.UpdatePlugin(ctx, def); err != nil {
		return core.Plugin{}, fmt.Errorf("update plugin: %w", err)
	}
	r.announce(Change{Type: ChangeUpdated, Plugin: def}, "plugin updated")
	return def, nil
}

// Delete removes the plugin.
func (r *Registry) Delete(ctx context.Context, id string) error {
	plugin, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return fmt.Errorf("get plugin: %w", err)
	}
	if err := r.store.DeletePlugin(ctx, id); err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	r.announce(Change{Type: ChangeDeleted, Plugin: plugin}, "plugin deleted")
	return nil
}

// Get fetches one plugin.
func (r *Registry) Get(ctx context.Context, id string) (core.Plugin, error) {
	return r.store.GetPlugin(ctx, id)
}

// List returns all plugins.
func (r *Registry) List(ctx context.Context) ([]core.Plugin, error) {
	return r.store.ListPlugins(ctx)
}

// SetEnabled toggles scheduling for a plugin. Enabling requires a non-empty
// field list and a valid schedule; a definition that cannot run never becomes
// eligible for job creation.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (core.Plugin, error) {
	plugin, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return core.Plugin{}, fmt.Errorf("get plugin: %w", err)
	}
	if plugin.Enabled == enabled {
		return plugin, nil
	}
	plugin.Enabled = enabled
	if enabled {
		if err := Validate(plugin); err != nil {
			return core.Plugin{}, err
		}
	}
	plugin.Updated = r.clock.Now()
	if err := r.store.UpdatePlugin(ctx, plugin); err != nil {
		return core.Plugin{}, fmt.Errorf("update plugin: %w", err)
	}
	change := Change{Type: ChangeDisabled, Plugin: plugin}
	msg := "plugin disabled"
	if enabled {
		change.Type = ChangeEnabled
		msg = "plugin enabled"
	}
	r.announce(change, msg)
	return plugin, nil
}

func (r *Registry) announce(change Change, msg string) {
	if r.events != nil {
		r.events.Emit(eventlog.Event{
			Level:    eventlog.LevelInfo,
			Source:   "registry",
			PluginID: change.Plugin.ID,
			Message:  msg,
			Detail:   map[string]string{"name": change.Plugin.Name},
		})
	}
	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
			r.logger.Warn("plugin change dropped; subscriber is not draining",
				zap.String("plugin_id", change.Plugin.ID),
				zap.String("change", string(change.Type)),
			)
		}
	}
}

func normalize(def core.Plugin) core.Plugin {
	def.Name = strings.TrimSpace(def.Name)
	def.TargetURL = strings.TrimSpace(def.TargetURL)
	def.Schedule = strings.TrimSpace(def.Schedule)
	for i := range def.Fields {
		def.Fields[i].Name = strings.TrimSpace(def.Fields[i].Name)
		def.Fields[i].Selector = strings.TrimSpace(def.Fields[i].Selector)
		if def.Fields[i].ValueType == "" {
			def.Fields[i].ValueType = core.ValueString
		}
	}
	return def
}

// Validate checks structural invariants. An enabled plugin must have at least
// one field rule; field names must be unique and selectors non-empty.
func Validate(def core.Plugin) error {
	if def.Name == "" {
		return core.ValidationError("plugin name is required")
	}
	u, err := url.Parse(def.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return core.ValidationError(fmt.Sprintf("target_url %q must be an absolute http(s) URL", def.TargetURL))
	}
	if def.Source != core.SourceHTML && def.Source != core.SourceJSON {
		return core.ValidationError(fmt.Sprintf("source_type %q must be html or json", def.Source))
	}
	if def.Enabled && len(def.Fields) == 0 {
		return core.ValidationError("an enabled plugin requires at least one field rule")
	}
	seen := make(map[string]struct{}, len(def.Fields))
	for _, field := range def.Fields {
		if field.Name == "" {
			return core.ValidationError("field name is required")
		}
		if field.Selector == "" {
			return core.ValidationError(fmt.Sprintf("field %q has an empty selector", field.Name))
		}
		if _, dup := seen[field.Name]; dup {
			return core.ValidationError(fmt.Sprintf("duplicate field name %q", field.Name))
		}
		seen[field.Name] = struct{}{}
		switch field.ValueType {
		case core.ValueString, core.ValueNumber, core.ValueBool:
		default:
			return core.ValidationError(fmt.Sprintf("field %q has unknown value type %q", field.Name, field.ValueType))
		}
	}
	if _, err := schedule.Parse(def.Schedule); err != nil {
		return core.NewError(core.KindValidation, "invalid schedule", err)
	}
	if def.FetchTimeoutSeconds < 0 {
		return core.ValidationError("fetch_timeout_seconds must be >= 0")
	}
	if def.MaxAttempts < 0 {
		return core.ValidationError("max_attempts must be >= 0")
	}
	return nil
}
