package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/gradelock/internal/model"
)

// Category returns the category with the given id.
// Returns found=false (and no error) if it does not exist.
func (t *Tx) Category(ctx context.Context, id int64) (model.Category, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Category{}, false, nil
	}
	if err != nil {
		return model.Category{}, false, fmt.Errorf("read category %d: %w", id, err)
	}
	return c, true, nil
}

// Children returns the categories whose parent is parentID, ordered by id.
func (t *Tx) Children(ctx context.Context, parentID int64) ([]model.Category, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE parent_id = ?
		ORDER BY id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children of %d: %w", parentID, err)
	}
	return collectCategories(rows)
}

// CategoriesChangedSince returns categories modified at or after since OR
// with an id above afterID, ordered by id.
func (t *Tx) CategoriesChangedSince(ctx context.Context, since time.Time, afterID int64) ([]model.Category, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE (modified_time >= ? OR id > ?)
		ORDER BY id ASC
	`, since.Unix(), afterID)
	if err != nil {
		return nil, fmt.Errorf("query changed categories: %w", err)
	}
	return collectCategories(rows)
}

// UpdateCategory writes the lock state and modification time of c.
func (t *Tx) UpdateCategory(ctx context.Context, c model.Category) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE categories
		SET locked = ?, lock_time = ?, modified_time = ?
		WHERE id = ?
	`, boolInt(c.Locked), toUnix(c.LockTime), toUnix(c.ModifiedTime), c.ID)
	if err != nil {
		return fmt.Errorf("update category %d: %w", c.ID, err)
	}
	return expectOneRow(res, "category", c.ID)
}

// InsertCategory inserts c and maintains its materialized path from the
// parent's path. An id of 0 lets SQLite assign one. Returns the stored row.
func (t *Tx) InsertCategory(ctx context.Context, c model.Category) (model.Category, error) {
	parentPath := ""
	if c.ParentID != 0 {
		parent, ok, err := t.Category(ctx, c.ParentID)
		if err != nil {
			return model.Category{}, err
		}
		if !ok {
			return model.Category{}, fmt.Errorf("insert category: parent %d: %w", c.ParentID, ErrNotFound)
		}
		parentPath = parent.Path
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO categories (id, course_id, parent_id, path, full_name, locked, lock_time, modified_time)
		VALUES (?, ?, ?, '', ?, ?, ?, ?)
	`, nullableID(c.ID), c.CourseID, nullableID(c.ParentID), c.FullName,
		boolInt(c.Locked), toUnix(c.LockTime), toUnix(c.ModifiedTime))
	if err != nil {
		return model.Category{}, fmt.Errorf("insert category: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Category{}, fmt.Errorf("insert category: last insert id: %w", err)
	}

	c.ID = id
	c.Path = model.ChildPath(parentPath, id)
	if _, err := t.tx.ExecContext(ctx, `UPDATE categories SET path = ? WHERE id = ?`, c.Path, id); err != nil {
		return model.Category{}, fmt.Errorf("insert category: set path: %w", err)
	}
	return c, nil
}

// ItemsByCategory returns the leaf items attached to categoryID, ordered by id.
func (t *Tx) ItemsByCategory(ctx context.Context, categoryID int64) ([]model.Item, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE category_id = ? AND kind = 'leaf'
		ORDER BY id ASC
	`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("query items of category %d: %w", categoryID, err)
	}
	return collectItems(rows)
}

// ProxyItem returns the category proxy item mirroring categoryID.
func (t *Tx) ProxyItem(ctx context.Context, categoryID int64) (model.Item, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE item_instance = ? AND kind = 'category'
	`, categoryID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, false, nil
	}
	if err != nil {
		return model.Item{}, false, fmt.Errorf("read proxy of category %d: %w", categoryID, err)
	}
	return it, true, nil
}

// ItemsByInstance returns every item whose item_instance is instanceID.
func (t *Tx) ItemsByInstance(ctx context.Context, instanceID int64) ([]model.Item, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE item_instance = ?
		ORDER BY id ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query items of instance %d: %w", instanceID, err)
	}
	return collectItems(rows)
}

// ItemsByIDNumber returns every item carrying the given idnumber.
func (t *Tx) ItemsByIDNumber(ctx context.Context, idNumber string) ([]model.Item, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id_number = ?
		ORDER BY id ASC
	`, idNumber)
	if err != nil {
		return nil, fmt.Errorf("query items by idnumber %q: %w", idNumber, err)
	}
	return collectItems(rows)
}

// ItemsChangedSince returns items modified at or after since OR with an id
// above afterID, ordered by id.
func (t *Tx) ItemsChangedSince(ctx context.Context, since time.Time, afterID int64) ([]model.Item, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE (modified_time >= ? OR id > ?)
		ORDER BY id ASC
	`, since.Unix(), afterID)
	if err != nil {
		return nil, fmt.Errorf("query changed items: %w", err)
	}
	return collectItems(rows)
}

// Item returns the item with the given id.
func (t *Tx) Item(ctx context.Context, id int64) (model.Item, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, false, nil
	}
	if err != nil {
		return model.Item{}, false, fmt.Errorf("read item %d: %w", id, err)
	}
	return it, true, nil
}

// UpdateItem writes the lock state and modification time of it.
func (t *Tx) UpdateItem(ctx context.Context, it model.Item) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET locked = ?, lock_time = ?, modified_time = ?
		WHERE id = ?
	`, boolInt(it.Locked), toUnix(it.LockTime), toUnix(it.ModifiedTime), it.ID)
	if err != nil {
		return fmt.Errorf("update item %d: %w", it.ID, err)
	}
	return expectOneRow(res, "item", it.ID)
}

// InsertItem inserts it. An id of 0 lets SQLite assign one.
func (t *Tx) InsertItem(ctx context.Context, it model.Item) (model.Item, error) {
	if !it.Kind.Valid() {
		return model.Item{}, fmt.Errorf("insert item: invalid kind %q", it.Kind)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (id, course_id, category_id, item_instance, kind, id_number, name, locked, lock_time, modified_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableID(it.ID), it.CourseID, nullableID(it.CategoryID), nullableID(it.ItemInstance), string(it.Kind),
		it.IDNumber, it.Name, boolInt(it.Locked), toUnix(it.LockTime), toUnix(it.ModifiedTime))
	if err != nil {
		return model.Item{}, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Item{}, fmt.Errorf("insert item: last insert id: %w", err)
	}
	it.ID = id
	return it, nil
}

// InsertCourse inserts or replaces a course row.
func (t *Tx) InsertCourse(ctx context.Context, c model.Course) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO courses (id, short_name, full_name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET short_name = excluded.short_name, full_name = excluded.full_name
	`, c.ID, c.ShortName, c.FullName)
	if err != nil {
		return fmt.Errorf("insert course %d: %w", c.ID, err)
	}
	return nil
}

// CourseShortName returns the short name of courseID.
func (t *Tx) CourseShortName(ctx context.Context, courseID int64) (string, bool, error) {
	var name string
	err := t.tx.QueryRowContext(ctx, `SELECT short_name FROM courses WHERE id = ?`, courseID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read course %d: %w", courseID, err)
	}
	return name, true, nil
}

func collectCategories(rows *sql.Rows) ([]model.Category, error) {
	defer rows.Close()

	cats := []model.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return cats, nil
}

func collectItems(rows *sql.Rows) ([]model.Item, error) {
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func expectOneRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: rows affected: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}
