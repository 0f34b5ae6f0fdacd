package perun

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store connects project names to their Perun group state.
type Store struct {
	api        API
	resourceID int
	logger     *zap.Logger
}

// NewStore creates a Store reading resource bound attributes for the
// given resource id.
func NewStore(api API, resourceID int, logger *zap.Logger) *Store {
	return &Store{api: api, resourceID: resourceID, logger: logger}
}

// Group is the billing state of one project as stored in Perun. Writes
// go through the setters so the group can track which attributes
// actually changed; Save only transmits those.
type Group struct {
	api        API
	name       string
	id         int
	resourceID int

	creditsGranted int64
	emails         []string

	creditsUsed      decimal.Decimal
	creditsUsedSet   bool
	creditsUsedDirty bool

	timestamps         map[string]time.Time
	timestampsSnapshot map[string]time.Time
}

// Connect fetches the full billing state of the named project. Returns
// ErrProjectNotFound if no such group exists, ErrResourceNotAssociated
// if the configured resource is not assigned to it and
// ErrCreditsGrantedMissing if the group carries no granted credits.
func (s *Store) Connect(ctx context.Context, name string) (*Group, error) {
	id, err := s.api.GetGroupByName(ctx, name)
	if err != nil {
		return nil, err
	}

	g := &Group{
		api:        s.api,
		name:       name,
		id:         id,
		resourceID: s.resourceID,
		timestamps: make(map[string]time.Time),
	}

	attrs, err := s.api.GetAttributes(ctx, id, []string{
		attrCreditsUsed.fullName(),
		attrCreditsGranted.fullName(),
		attrToEmail.fullName(),
	})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Attribute, len(attrs))
	for _, a := range attrs {
		byName[a.FriendlyName] = a
	}

	granted, ok, err := decodeScalar(byName[attrCreditsGranted.friendlyName])
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrCreditsGrantedMissing)
	}
	g.creditsGranted, err = strconv.ParseInt(granted, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("group %q: granted credits %q not an integer: %w", name, granted, err)
	}

	used, ok, err := decodeScalar(byName[attrCreditsUsed.friendlyName])
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", name, err)
	}
	if ok {
		g.creditsUsed, err = decimal.NewFromString(used)
		if err != nil {
			return nil, fmt.Errorf("group %q: used credits %q not a decimal: %w", name, used, err)
		}
		g.creditsUsedSet = true
	}

	g.emails, err = decodeStringList(byName[attrToEmail.friendlyName])
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", name, err)
	}

	assigned, err := s.api.GetAssignedResourceIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	found := false
	for _, rid := range assigned {
		if rid == s.resourceID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: group %q, resource %d", ErrResourceNotAssociated, name, s.resourceID)
	}

	bound, err := s.api.GetResourceBoundAttributes(ctx, id, s.resourceID, []string{
		attrTimestamps.fullName(),
	})
	if err != nil {
		return nil, err
	}
	for _, a := range bound {
		if a.FriendlyName != attrTimestamps.friendlyName {
			continue
		}
		g.timestamps, err = decodeTimestamps(a)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}
	}
	g.timestampsSnapshot = copyTimestamps(g.timestamps)

	s.logger.Debug("connected project",
		zap.String("project", name),
		zap.Int("group_id", id),
		zap.Int64("credits_granted", g.creditsGranted),
		zap.Bool("credits_used_set", g.creditsUsedSet),
		zap.Int("billed_metrics", len(g.timestamps)),
	)
	return g, nil
}

// Name returns the project name.
func (g *Group) Name() string { return g.name }

// CreditsGranted returns the credits granted to the project. The value
// is owned by the cloud portal and never written back.
func (g *Group) CreditsGranted() int64 { return g.creditsGranted }

// Emails returns the maintainer addresses of the project.
func (g *Group) Emails() []string { return g.emails }

// CreditsUsed returns the consumed credits and whether the attribute
// carries a value at all.
func (g *Group) CreditsUsed() (decimal.Decimal, bool) {
	return g.creditsUsed, g.creditsUsedSet
}

// SetCreditsUsed updates the consumed credits.
func (g *Group) SetCreditsUsed(v decimal.Decimal) {
	g.creditsUsed = v
	g.creditsUsedSet = true
	g.creditsUsedDirty = true
}

// LastBilled returns the timestamp of the last billed measurement for
// the given metric.
func (g *Group) LastBilled(metric string) (time.Time, bool) {
	t, ok := g.timestamps[metric]
	return t, ok
}

// SetLastBilled records the last billed measurement timestamp for the
// given metric.
func (g *Group) SetLastBilled(metric string, t time.Time) {
	g.timestamps[metric] = t
}

// HasBilledTimestamps reports whether any metric has been billed for
// this project before.
func (g *Group) HasBilledTimestamps() bool { return len(g.timestamps) > 0 }

// Save writes the attributes that changed since Connect back to Perun.
// Unchanged attributes are not transmitted.
func (g *Group) Save(ctx context.Context) error { return g.save(ctx, false) }

// SaveAll writes every writable attribute regardless of change
// tracking. Used to seed projects in test environments.
func (g *Group) SaveAll(ctx context.Context) error { return g.save(ctx, true) }

func (g *Group) save(ctx context.Context, force bool) error {
	if (g.creditsUsedDirty || force) && g.creditsUsedSet {
		attr := attrCreditsUsed.wire(g.creditsUsed.String())
		if err := g.api.SetAttributes(ctx, g.id, []Attribute{attr}); err != nil {
			return fmt.Errorf("saving used credits of %q: %w", g.name, err)
		}
		g.creditsUsedDirty = false
	}

	if !timestampsEqual(g.timestamps, g.timestampsSnapshot) || force {
		attr := attrTimestamps.wire(encodeTimestamps(g.timestamps))
		if err := g.api.SetResourceBoundAttributes(ctx, g.id, g.resourceID, []Attribute{attr}); err != nil {
			return fmt.Errorf("saving billing timestamps of %q: %w", g.name, err)
		}
		g.timestampsSnapshot = copyTimestamps(g.timestamps)
	}
	return nil
}

func decodeScalar(a Attribute) (string, bool, error) {
	if a.Value == nil {
		return "", false, nil
	}
	s, ok := a.Value.(string)
	if !ok {
		return "", false, fmt.Errorf("attribute %s: expected string value, got %T", a.FriendlyName, a.Value)
	}
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}

func decodeStringList(a Attribute) ([]string, error) {
	if a.Value == nil {
		return nil, nil
	}
	raw, ok := a.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("attribute %s: expected list value, got %T", a.FriendlyName, a.Value)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("attribute %s: expected string element, got %T", a.FriendlyName, v)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeTimestamps(a Attribute) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	if a.Value == nil {
		return out, nil
	}
	raw, ok := a.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("attribute %s: expected map value, got %T", a.FriendlyName, a.Value)
	}
	for metric, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("attribute %s: expected string timestamp for %s, got %T", a.FriendlyName, metric, v)
		}
		t, err := time.Parse(perunTimeLayout, s)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: timestamp of %s: %w", a.FriendlyName, metric, err)
		}
		out[metric] = t
	}
	return out, nil
}

func encodeTimestamps(ts map[string]time.Time) map[string]string {
	out := make(map[string]string, len(ts))
	for metric, t := range ts {
		out[metric] = t.UTC().Format(perunTimeLayout)
	}
	return out
}

func copyTimestamps(ts map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(ts))
	for k, v := range ts {
		out[k] = v
	}
	return out
}

func timestampsEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
