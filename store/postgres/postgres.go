// Package postgres implements store.Store on PostgreSQL using GORM.
//
// Every store.Store.Update call runs in one database transaction.
// LockDocument and LockUser issue SELECT ... FOR UPDATE, so concurrent
// writers touching the same document are serialized by the database.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

type documentRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Namespace     string `gorm:"not null;index"`
	Protected     bool   `gorm:"not null;default:false"`
	RedirectTo    *int64 `gorm:"index"`
	LastVersionID *int64
	CreatedAt     time.Time
}

func (documentRow) TableName() string { return "documents" }

type versionRow struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	DocumentID int64          `gorm:"not null;index"`
	AuthorID   int64          `gorm:"not null;index"`
	Comment    string         `gorm:"type:text;not null;default:''"`
	Data       datatypes.JSON `gorm:"type:jsonb"`
	Hidden     bool           `gorm:"not null;default:false"`
	Timestamp  time.Time      `gorm:"not null"`
}

func (versionRow) TableName() string { return "versions" }

type associationRow struct {
	DocumentID   int64 `gorm:"primaryKey"`
	AssociatedID int64 `gorm:"primaryKey;index"`
}

func (associationRow) TableName() string { return "document_associations" }

type tagRow struct {
	UserID     int64  `gorm:"primaryKey"`
	DocumentID int64  `gorm:"primaryKey;index"`
	Name       string `gorm:"primaryKey"`
	Value      string `gorm:"not null;default:''"`
	UpdatedAt  time.Time
}

func (tagRow) TableName() string { return "user_tags" }

type userRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Name      string         `gorm:"not null;uniqueIndex"`
	Roles     datatypes.JSON `gorm:"type:jsonb"`
	Blocked   bool           `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

// Store implements store.Store on a GORM connection.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL using dsn.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return New(db), nil
}

// New wraps an existing GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or extends the tables used by the store.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&documentRow{},
		&versionRow{},
		&associationRow{},
		&tagRow{},
		&userRow{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&pgTx{reader: reader{db: db}})
	})
}

func (s *Store) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	return s.reader(ctx).GetDocument(ctx, id)
}

func (s *Store) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	return s.reader(ctx).GetVersion(ctx, id)
}

func (s *Store) ListVersions(ctx context.Context, f store.VersionFilter, offset, limit int) (int64, []*model.Version, error) {
	return s.reader(ctx).ListVersions(ctx, f, offset, limit)
}

func (s *Store) ListDocuments(ctx context.Context, f store.DocumentFilter, offset, limit int) (int64, []*model.Document, error) {
	return s.reader(ctx).ListDocuments(ctx, f, offset, limit)
}

func (s *Store) ListTags(ctx context.Context, documentID int64, f store.TagFilter) ([]*model.Tag, error) {
	return s.reader(ctx).ListTags(ctx, documentID, f)
}

func (s *Store) Dependents(ctx context.Context, id int64) ([]int64, error) {
	return s.reader(ctx).Dependents(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.reader(ctx).GetUser(ctx, id)
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	return s.reader(ctx).CountUsers(ctx)
}

func (s *Store) reader(ctx context.Context) reader {
	return reader{db: s.db.WithContext(ctx)}
}

// reader runs queries on either the pool or an open transaction.
type reader struct {
	db *gorm.DB
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (r reader) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	var row documentRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to get document")
	}
	return r.toDocument(ctx, &row)
}

func (r reader) toDocument(ctx context.Context, row *documentRow) (*model.Document, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&associationRow{}).
		Where("document_id = ?", row.ID).
		Order("associated_id").
		Pluck("associated_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load associations")
	}
	return &model.Document{
		ID:            row.ID,
		Namespace:     row.Namespace,
		Protected:     row.Protected,
		RedirectTo:    row.RedirectTo,
		LastVersionID: row.LastVersionID,
		AssociatedIDs: ids,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func (r reader) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	var row versionRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to get version")
	}
	return toVersion(&row), nil
}

func toVersion(row *versionRow) *model.Version {
	return &model.Version{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		AuthorID:   row.AuthorID,
		Comment:    row.Comment,
		Data:       json.RawMessage(row.Data),
		Hidden:     row.Hidden,
		Timestamp:  row.Timestamp,
	}
}

// tagged restricts q to rows whose documentColumn carries a matching tag.
func tagged(q *gorm.DB, documentColumn string, f *store.TagFilter) *gorm.DB {
	sub := q.Session(&gorm.Session{NewDB: true}).Model(&tagRow{}).Select("document_id")
	if f.Name != "" {
		sub = sub.Where("name = ?", f.Name)
	}
	if f.Value != "" {
		sub = sub.Where("value = ?", f.Value)
	}
	if f.UserID != 0 {
		sub = sub.Where("user_id = ?", f.UserID)
	}
	return q.Where(documentColumn+" IN (?)", sub)
}

func (r reader) ListVersions(ctx context.Context, f store.VersionFilter, offset, limit int) (int64, []*model.Version, error) {
	q := r.db.WithContext(ctx).Model(&versionRow{})
	if f.DocumentID != 0 {
		q = q.Where("document_id = ?", f.DocumentID)
	}
	if f.AuthorID != 0 {
		q = q.Where("author_id = ?", f.AuthorID)
	}
	if f.Tag != nil {
		q = tagged(q, "document_id", f.Tag)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, nil, errors.Wrap(err, "failed to count versions")
	}
	var rows []versionRow
	if err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return 0, nil, errors.Wrap(err, "failed to list versions")
	}
	out := make([]*model.Version, len(rows))
	for i := range rows {
		out[i] = toVersion(&rows[i])
	}
	return total, out, nil
}

func (r reader) ListDocuments(ctx context.Context, f store.DocumentFilter, offset, limit int) (int64, []*model.Document, error) {
	q := r.db.WithContext(ctx).Model(&documentRow{})
	if f.Namespace != "" {
		q = q.Where("namespace = ?", f.Namespace)
	}
	if f.Tag != nil {
		q = tagged(q, "id", f.Tag)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, nil, errors.Wrap(err, "failed to count documents")
	}
	var rows []documentRow
	if err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return 0, nil, errors.Wrap(err, "failed to list documents")
	}
	out := make([]*model.Document, len(rows))
	for i := range rows {
		doc, err := r.toDocument(ctx, &rows[i])
		if err != nil {
			return 0, nil, err
		}
		out[i] = doc
	}
	return total, out, nil
}

func (r reader) ListTags(ctx context.Context, documentID int64, f store.TagFilter) ([]*model.Tag, error) {
	q := r.db.WithContext(ctx).Model(&tagRow{})
	if documentID != 0 {
		q = q.Where("document_id = ?", documentID)
	}
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	if f.Value != "" {
		q = q.Where("value = ?", f.Value)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	var rows []tagRow
	if err := q.Order("document_id, user_id, name").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list tags")
	}
	out := make([]*model.Tag, len(rows))
	for i, row := range rows {
		out[i] = &model.Tag{
			UserID:     row.UserID,
			DocumentID: row.DocumentID,
			Name:       row.Name,
			Value:      row.Value,
			UpdatedAt:  row.UpdatedAt,
		}
	}
	return out, nil
}

func (r reader) Dependents(ctx context.Context, id int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&associationRow{}).
		Where("associated_id = ?", id).
		Order("document_id").
		Pluck("document_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependents")
	}
	return ids, nil
}

func (r reader) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var row userRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to get user")
	}
	return toUser(&row)
}

func (r reader) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&userRow{}).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count users")
	}
	return n, nil
}

func toUser(row *userRow) (*model.User, error) {
	u := &model.User{ID: row.ID, Name: row.Name, Blocked: row.Blocked, CreatedAt: row.CreatedAt}
	if len(row.Roles) > 0 {
		if err := json.Unmarshal(row.Roles, &u.Roles); err != nil {
			return nil, errors.Wrap(err, "failed to decode roles")
		}
	}
	return u, nil
}

func fromUser(u *model.User) (*userRow, error) {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode roles")
	}
	return &userRow{ID: u.ID, Name: u.Name, Roles: datatypes.JSON(roles), Blocked: u.Blocked, CreatedAt: u.CreatedAt}, nil
}

// pgTx is a store.Tx bound to an open GORM transaction.
type pgTx struct {
	reader
}

func (tx *pgTx) LockDocument(ctx context.Context, id int64) (*model.Document, error) {
	var row documentRow
	err := tx.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to lock document")
	}
	return tx.toDocument(ctx, &row)
}

func (tx *pgTx) InsertDocument(ctx context.Context, doc *model.Document) error {
	row := documentRow{
		Namespace:     doc.Namespace,
		Protected:     doc.Protected,
		RedirectTo:    doc.RedirectTo,
		LastVersionID: doc.LastVersionID,
		CreatedAt:     doc.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := tx.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to insert document")
	}
	doc.ID = row.ID
	doc.CreatedAt = row.CreatedAt
	return tx.replaceAssociations(ctx, doc.ID, doc.AssociatedIDs)
}

func (tx *pgTx) UpdateDocument(ctx context.Context, doc *model.Document) error {
	res := tx.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ?", doc.ID).
		Updates(map[string]any{
			"namespace":       doc.Namespace,
			"protected":       doc.Protected,
			"redirect_to":     doc.RedirectTo,
			"last_version_id": doc.LastVersionID,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update document")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return tx.replaceAssociations(ctx, doc.ID, doc.AssociatedIDs)
}

func (tx *pgTx) replaceAssociations(ctx context.Context, id int64, associated []int64) error {
	db := tx.db.WithContext(ctx)
	if err := db.Where("document_id = ?", id).Delete(&associationRow{}).Error; err != nil {
		return errors.Wrap(err, "failed to clear associations")
	}
	if len(associated) == 0 {
		return nil
	}
	rows := make([]associationRow, len(associated))
	for i, a := range associated {
		rows[i] = associationRow{DocumentID: id, AssociatedID: a}
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return errors.Wrap(err, "failed to store associations")
	}
	return nil
}

func (tx *pgTx) DeleteDocument(ctx context.Context, id int64) error {
	if err := tx.replaceAssociations(ctx, id, nil); err != nil {
		return err
	}
	res := tx.db.WithContext(ctx).Delete(&documentRow{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete document")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (tx *pgTx) InsertVersion(ctx context.Context, v *model.Version) error {
	var n int64
	if err := tx.db.WithContext(ctx).Model(&documentRow{}).Where("id = ?", v.DocumentID).Count(&n).Error; err != nil {
		return errors.Wrap(err, "failed to look up document")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	row := versionRow{
		DocumentID: v.DocumentID,
		AuthorID:   v.AuthorID,
		Comment:    v.Comment,
		Data:       datatypes.JSON(v.Data),
		Hidden:     v.Hidden,
		Timestamp:  v.Timestamp,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if err := tx.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to insert version")
	}
	v.ID = row.ID
	v.Timestamp = row.Timestamp
	return nil
}

func (tx *pgTx) SetVersionHidden(ctx context.Context, id int64, hidden bool) error {
	res := tx.db.WithContext(ctx).Model(&versionRow{}).Where("id = ?", id).Update("hidden", hidden)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update version")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (tx *pgTx) ReassignVersions(ctx context.Context, from, to int64) (int64, error) {
	res := tx.db.WithContext(ctx).Model(&versionRow{}).Where("document_id = ?", from).Update("document_id", to)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to reassign versions")
	}
	return res.RowsAffected, nil
}

func (tx *pgTx) DeleteVersion(ctx context.Context, id int64) error {
	res := tx.db.WithContext(ctx).Delete(&versionRow{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete version")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (tx *pgTx) DeleteVersions(ctx context.Context, documentID int64) error {
	if err := tx.db.WithContext(ctx).Delete(&versionRow{}, "document_id = ?", documentID).Error; err != nil {
		return errors.Wrap(err, "failed to delete versions")
	}
	return nil
}

func (tx *pgTx) CountVersions(ctx context.Context, documentID int64) (int64, error) {
	var n int64
	if err := tx.db.WithContext(ctx).Model(&versionRow{}).Where("document_id = ?", documentID).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count versions")
	}
	return n, nil
}

func (tx *pgTx) LatestVisibleVersion(ctx context.Context, documentID, forbiddenID int64) (*model.Version, error) {
	q := tx.db.WithContext(ctx).Where("document_id = ? AND hidden = ?", documentID, false)
	if forbiddenID != 0 {
		q = q.Where("id <> ?", forbiddenID)
	}
	var row versionRow
	if err := q.Order("id DESC").First(&row).Error; err != nil {
		return nil, notFound(err, "failed to find latest visible version")
	}
	return toVersion(&row), nil
}

func (tx *pgTx) PutTag(ctx context.Context, tag *model.Tag) error {
	if tag.UpdatedAt.IsZero() {
		tag.UpdatedAt = time.Now()
	}
	row := tagRow{UserID: tag.UserID, DocumentID: tag.DocumentID, Name: tag.Name, Value: tag.Value, UpdatedAt: tag.UpdatedAt}
	err := tx.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "failed to store tag")
	}
	return nil
}

func (tx *pgTx) DeleteTag(ctx context.Context, userID, documentID int64, name string) error {
	res := tx.db.WithContext(ctx).Delete(&tagRow{}, "user_id = ? AND document_id = ? AND name = ?", userID, documentID, name)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete tag")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (tx *pgTx) DeleteTags(ctx context.Context, documentID int64) error {
	if err := tx.db.WithContext(ctx).Delete(&tagRow{}, "document_id = ?", documentID).Error; err != nil {
		return errors.Wrap(err, "failed to delete tags")
	}
	return nil
}

func (tx *pgTx) ReassignTags(ctx context.Context, from, to int64) error {
	db := tx.db.WithContext(ctx)
	// Drop source tags that would collide with a tag the destination already has.
	err := db.Exec(`DELETE FROM user_tags s USING user_tags d
		WHERE s.document_id = ? AND d.document_id = ?
		AND s.user_id = d.user_id AND s.name = d.name`, from, to).Error
	if err != nil {
		return errors.Wrap(err, "failed to drop duplicate tags")
	}
	if err := db.Model(&tagRow{}).Where("document_id = ?", from).Update("document_id", to).Error; err != nil {
		return errors.Wrap(err, "failed to reassign tags")
	}
	return nil
}

func (tx *pgTx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	var row userRow
	err := tx.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to lock user")
	}
	return toUser(&row)
}

func (tx *pgTx) InsertUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	row, err := fromUser(u)
	if err != nil {
		return err
	}
	row.ID = 0
	if err := tx.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "failed to insert user")
	}
	u.ID = row.ID
	return nil
}

func (tx *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	row, err := fromUser(u)
	if err != nil {
		return err
	}
	res := tx.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", u.ID).Updates(map[string]any{
		"name":    row.Name,
		"roles":   row.Roles,
		"blocked": row.Blocked,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update user")
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Store = (*Store)(nil)
