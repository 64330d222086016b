// Package fixture loads YAML seed data into a store.
//
// A fixture lists courses, categories, items and scheduled jobs. Times are
// Unix seconds so fixtures replay identically. Categories may appear in any
// order; parents are inserted before their children.
package fixture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// Fixture is the YAML document.
type Fixture struct {
	Courses    []Course   `yaml:"courses"`
	Categories []Category `yaml:"categories"`
	Items      []Item     `yaml:"items"`
	Jobs       []Job      `yaml:"jobs,omitempty"`
}

// Course is one course row.
type Course struct {
	ID        int64  `yaml:"id"`
	ShortName string `yaml:"short_name"`
	FullName  string `yaml:"full_name,omitempty"`
}

// Category is one category row. Parent 0 is a root.
type Category struct {
	ID       int64  `yaml:"id"`
	Course   int64  `yaml:"course"`
	Parent   int64  `yaml:"parent,omitempty"`
	Name     string `yaml:"name,omitempty"`
	Locked   bool   `yaml:"locked,omitempty"`
	Modified int64  `yaml:"modified,omitempty"`
}

// Item is a leaf (category set) or a category proxy (instance set).
type Item struct {
	ID       int64  `yaml:"id"`
	Course   int64  `yaml:"course"`
	Kind     string `yaml:"kind"`
	Category int64  `yaml:"category,omitempty"`
	Instance int64  `yaml:"instance,omitempty"`
	IDNumber string `yaml:"idnumber,omitempty"`
	Name     string `yaml:"name,omitempty"`
	Locked   bool   `yaml:"locked,omitempty"`
	Modified int64  `yaml:"modified,omitempty"`
}

// Job is a pending scheduled job.
type Job struct {
	IDNumber     string `yaml:"idnumber"`
	Pattern      string `yaml:"pattern,omitempty"`
	Action       string `yaml:"action"`
	ScheduledFor int64  `yaml:"scheduled_for"`
	CreatedAt    int64  `yaml:"created_at,omitempty"`
}

// Summary counts the rows a fixture inserted.
type Summary struct {
	Courses    int `json:"courses"`
	Categories int `json:"categories"`
	Items      int `json:"items"`
	Jobs       int `json:"jobs"`
}

// Load reads and parses a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a fixture, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

// Validate checks ids, kinds and actions without touching a store.
func (f *Fixture) Validate() error {
	catIDs := make(map[int64]bool, len(f.Categories))
	for i, c := range f.Categories {
		if c.ID <= 0 {
			return fmt.Errorf("categories[%d]: id must be positive", i)
		}
		if catIDs[c.ID] {
			return fmt.Errorf("categories[%d]: duplicate id %d", i, c.ID)
		}
		if c.Parent == c.ID {
			return fmt.Errorf("categories[%d]: category %d is its own parent", i, c.ID)
		}
		catIDs[c.ID] = true
	}

	itemIDs := make(map[int64]bool, len(f.Items))
	for i, it := range f.Items {
		if it.ID <= 0 {
			return fmt.Errorf("items[%d]: id must be positive", i)
		}
		if itemIDs[it.ID] {
			return fmt.Errorf("items[%d]: duplicate id %d", i, it.ID)
		}
		itemIDs[it.ID] = true

		switch model.ItemKind(it.Kind) {
		case model.KindLeaf:
			if it.Category == 0 {
				return fmt.Errorf("items[%d]: leaf item %d needs a category", i, it.ID)
			}
		case model.KindCategory:
			if it.Instance == 0 {
				return fmt.Errorf("items[%d]: category item %d needs an instance", i, it.ID)
			}
		default:
			return fmt.Errorf("items[%d]: unknown kind %q", i, it.Kind)
		}
	}

	for i, j := range f.Jobs {
		if strings.TrimSpace(j.IDNumber) == "" {
			return fmt.Errorf("jobs[%d]: idnumber is required", i)
		}
		if _, err := model.ParseAction(j.Action); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
	}

	_, err := orderCategories(f.Categories)
	return err
}

// Apply inserts the fixture in one transaction.
func (f *Fixture) Apply(ctx context.Context, s *store.Store) (Summary, error) {
	var sum Summary
	err := s.InTx(ctx, func(tx *store.Tx) error {
		var err error
		sum, err = f.ApplyTx(ctx, tx)
		return err
	})
	return sum, err
}

// ApplyTx inserts the fixture inside an existing transaction.
func (f *Fixture) ApplyTx(ctx context.Context, tx *store.Tx) (Summary, error) {
	var sum Summary

	for _, c := range f.Courses {
		if err := tx.InsertCourse(ctx, model.Course{ID: c.ID, ShortName: c.ShortName, FullName: c.FullName}); err != nil {
			return sum, fmt.Errorf("course %d: %w", c.ID, err)
		}
		sum.Courses++
	}

	ordered, err := orderCategories(f.Categories)
	if err != nil {
		return sum, err
	}
	for _, c := range ordered {
		modified := unix(c.Modified)
		cat := model.Category{
			ID:           c.ID,
			CourseID:     c.Course,
			ParentID:     c.Parent,
			FullName:     c.Name,
			Locked:       c.Locked,
			ModifiedTime: modified,
		}
		if c.Locked {
			cat.LockTime = modified
		}
		if _, err := tx.InsertCategory(ctx, cat); err != nil {
			return sum, fmt.Errorf("category %d: %w", c.ID, err)
		}
		sum.Categories++
	}

	for _, it := range f.Items {
		modified := unix(it.Modified)
		item := model.Item{
			ID:           it.ID,
			CourseID:     it.Course,
			CategoryID:   it.Category,
			ItemInstance: it.Instance,
			IDNumber:     it.IDNumber,
			Name:         it.Name,
			Kind:         model.ItemKind(it.Kind),
			Locked:       it.Locked,
			ModifiedTime: modified,
		}
		if it.Locked {
			item.LockTime = modified
		}
		if _, err := tx.InsertItem(ctx, item); err != nil {
			return sum, fmt.Errorf("item %d: %w", it.ID, err)
		}
		sum.Items++
	}

	for i, j := range f.Jobs {
		created := j.CreatedAt
		if created == 0 {
			created = j.ScheduledFor
		}
		_, err := tx.InsertJob(ctx, model.ScheduledJob{
			IDNumber:     j.IDNumber,
			Pattern:      j.Pattern,
			Action:       model.Action(j.Action),
			ScheduledFor: time.Unix(j.ScheduledFor, 0),
			CreatedAt:    time.Unix(created, 0),
		})
		if err != nil {
			return sum, fmt.Errorf("job %d: %w", i, err)
		}
		sum.Jobs++
	}
	return sum, nil
}

// orderCategories returns cats with every parent listed in the fixture
// placed before its children. Parents not in the fixture must already exist
// in the store.
func orderCategories(cats []Category) ([]Category, error) {
	byID := make(map[int64]Category, len(cats))
	for _, c := range cats {
		byID[c.ID] = c
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[int64]int, len(cats))
	out := make([]Category, 0, len(cats))

	var visit func(c Category) error
	visit = func(c Category) error {
		switch state[c.ID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("category cycle through %d", c.ID)
		}
		state[c.ID] = visiting
		if parent, ok := byID[c.Parent]; ok && c.Parent != 0 {
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[c.ID] = done
		out = append(out, c)
		return nil
	}

	for _, c := range cats {
		if err := visit(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
