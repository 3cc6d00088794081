package catalog

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"animecatalog/internal/metrics"
)

// LinkGenres get-or-creates every genre and links it to the entry.
// Links that already exist are left untouched.
func (s *Store) LinkGenres(ctx context.Context, entryID uint64, names []string) error {
	names = nonEmpty(names)
	if len(names) == 0 {
		return nil
	}
	return linkGenres(s.db.WithContext(ctx), entryID, names)
}

func (s *Store) LinkThemes(ctx context.Context, entryID uint64, names []string) error {
	names = nonEmpty(names)
	if len(names) == 0 {
		return nil
	}
	return linkThemes(s.db.WithContext(ctx), entryID, names)
}

func linkGenres(db *gorm.DB, entryID uint64, names []string) error {
	rows := make([]Genre, 0, len(names))
	for _, name := range names {
		rows = append(rows, Genre{Name: name})
	}
	ids, err := ensureVocabulary(db, "genres", &rows, names)
	if err != nil {
		return err
	}
	links := make([]AnimeGenre, 0, len(ids))
	for _, id := range ids {
		links = append(links, AnimeGenre{AnimeID: entryID, GenreID: id})
	}
	return insertIgnoringDuplicates(db, "anime_genres", &links)
}

func linkThemes(db *gorm.DB, entryID uint64, names []string) error {
	rows := make([]Theme, 0, len(names))
	for _, name := range names {
		rows = append(rows, Theme{Name: name})
	}
	ids, err := ensureVocabulary(db, "themes", &rows, names)
	if err != nil {
		return err
	}
	links := make([]AnimeTheme, 0, len(ids))
	for _, id := range ids {
		links = append(links, AnimeTheme{AnimeID: entryID, ThemeID: id})
	}
	return insertIgnoringDuplicates(db, "anime_themes", &links)
}

// ensureVocabulary inserts missing names with a conditional insert and then
// re-reads the ids, so concurrent creators converge on the same rows.
func ensureVocabulary(db *gorm.DB, table string, rows any, names []string) ([]uint64, error) {
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rows)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return nil, fmt.Errorf("ensure %s: %w", table, result.Error)
	}
	if int(result.RowsAffected) < len(names) {
		metrics.StoreConflictsTotal.WithLabelValues(table).Inc()
	}

	var ids []uint64
	if err := db.Table(table).Where("name IN ?", names).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("read %s: no rows for %v", table, names)
	}
	return ids, nil
}

func insertIgnoringDuplicates(db *gorm.DB, table string, rows any) error {
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("link %s: %w", table, err)
	}
	return nil
}

func (s *Store) genreNames(ctx context.Context, entryID uint64) ([]string, error) {
	return s.vocabularyNames(ctx, "genres", "anime_genres", "genre_id", entryID)
}

func (s *Store) themeNames(ctx context.Context, entryID uint64) ([]string, error) {
	return s.vocabularyNames(ctx, "themes", "anime_themes", "theme_id", entryID)
}

func (s *Store) vocabularyNames(ctx context.Context, table, joinTable, joinColumn string, entryID uint64) ([]string, error) {
	var names []string
	err := s.read(ctx, "read "+table, func(db *gorm.DB) error {
		names = names[:0]
		return db.Table(table).
			Joins(fmt.Sprintf("JOIN %s ON %s.%s = %s.id", joinTable, joinTable, joinColumn, table)).
			Where(joinTable+".anime_id = ?", entryID).
			Order(table+".name").
			Pluck(table+".name", &names).Error
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// nonEmpty trims names and drops blanks and exact duplicates, which the
// database would otherwise reject within one statement.
func nonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		name := strings.Join(strings.Fields(value), " ")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
