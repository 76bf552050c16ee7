package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Plans []*Plan `yaml:"plans"`
}

// FileCatalog serves plans from a YAML file and reloads it on change.
type FileCatalog struct {
	path string
	log  logrus.FieldLogger

	mu       sync.RWMutex
	byRef    map[string]*Plan
	byApp    map[string][]*Plan
	onReload []func(context.Context)
}

// NewFileCatalog loads path. The file must parse and every plan must
// validate.
func NewFileCatalog(path string, log logrus.FieldLogger) (*FileCatalog, error) {
	if log == nil {
		log = logrus.New()
	}
	c := &FileCatalog{path: path, log: log}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParsePlans decodes and validates a catalog document.
func ParsePlans(data []byte) ([]*Plan, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(doc.Plans))
	for _, p := range doc.Plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate plan id %s", p.ID)
		}
		seen[p.ID] = true
	}
	return doc.Plans, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	plans, err := ParsePlans(data)
	if err != nil {
		return err
	}

	byRef := make(map[string]*Plan, len(plans)*2)
	byApp := make(map[string][]*Plan)
	for _, p := range plans {
		byRef[p.ID] = p
		if p.PriceRef != "" {
			byRef[p.PriceRef] = p
		}
		byApp[p.AppID] = append(byApp[p.AppID], p)
	}
	for _, list := range byApp {
		sort.Slice(list, func(i, j int) bool { return list[i].PriceCents < list[j].PriceCents })
	}

	c.mu.Lock()
	c.byRef = byRef
	c.byApp = byApp
	hooks := append([]func(context.Context){}, c.onReload...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(context.Background())
	}
	c.log.WithFields(logrus.Fields{"path": c.path, "plans": len(plans)}).Info("catalog loaded")
	return nil
}

// OnReload registers fn to run after every successful reload.
func (c *FileCatalog) OnReload(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// GetPlan returns a copy of the plan with the given ID or price reference.
func (c *FileCatalog) GetPlan(_ context.Context, ref string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byRef[ref]
	if !ok {
		return nil, notFound(ref)
	}
	return clonePlan(p), nil
}

// ListPlans returns the active plans of an app ordered by price.
func (c *FileCatalog) ListPlans(_ context.Context, appID string) ([]*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Plan, 0, len(c.byApp[appID]))
	for _, p := range c.byApp[appID] {
		if p.Active {
			out = append(out, clonePlan(p))
		}
	}
	return out, nil
}

// Watch reloads the catalog when the file changes until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// handled.
func (c *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.WithError(err).WithField("path", c.path).Warn("catalog reload failed, keeping previous plans")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.WithError(err).Warn("catalog watcher error")
		}
	}
}

func clonePlan(p *Plan) *Plan {
	c := *p
	c.Features = append([]Feature(nil), p.Features...)
	return &c
}
