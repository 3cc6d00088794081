package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"animecatalog/internal/domain"
	"animecatalog/internal/metrics"
)

// FindByTitleOriginal returns domain.ErrNotFound when no entry owns the name.
func (s *Store) FindByTitleOriginal(ctx context.Context, titleOriginal string) (domain.Entry, error) {
	name := domain.CanonicalTitle(titleOriginal)
	if name == "" {
		return domain.Entry{}, domain.ErrNotFound
	}
	var row Anime
	err := s.read(ctx, "find entry by title_original", func(db *gorm.DB) error {
		return db.Where("title_original = ?", name).Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Entry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Entry{}, err
	}
	return row.toEntry(), nil
}

// CreateEntry inserts a new entry in its own transaction. When another writer
// already owns title_original the insert is rolled back and the existing row
// is returned with created=false.
func (s *Store) CreateEntry(ctx context.Context, record domain.MetadataRecord) (domain.Entry, bool, error) {
	row := newAnimeRow(record)
	if row.TitleOriginal == "" {
		return domain.Entry{}, false, fmt.Errorf("create entry: title_original is required")
	}

	err := s.insertAnime(ctx, &row)
	if err == nil {
		return row.toEntry(), true, nil
	}
	if !isUniqueViolation(err) {
		return domain.Entry{}, false, fmt.Errorf("create entry %q: %w", row.TitleOriginal, err)
	}
	metrics.StoreConflictsTotal.WithLabelValues("anime").Inc()

	existing, findErr := s.FindByTitleOriginal(ctx, row.TitleOriginal)
	if findErr == nil {
		s.logger.Debug("entry insert lost race, reusing existing row",
			slog.String("titleOriginal", row.TitleOriginal),
			slog.Uint64("entryId", existing.ID),
		)
		return existing, false, nil
	}
	if !errors.Is(findErr, domain.ErrNotFound) {
		return domain.Entry{}, false, findErr
	}

	// The conflict was on the display title, owned by a different work.
	row.ID = 0
	row.Title = disambiguateTitle(row.Title, row.TitleOriginal, row.Year)
	row.SearchKey = domain.SearchKey(row.Title, row.TitleOriginal)
	err = s.insertAnime(ctx, &row)
	if err == nil {
		return row.toEntry(), true, nil
	}
	if !isUniqueViolation(err) {
		return domain.Entry{}, false, fmt.Errorf("create entry %q: %w", row.TitleOriginal, err)
	}
	metrics.StoreConflictsTotal.WithLabelValues("anime").Inc()
	existing, findErr = s.FindByTitleOriginal(ctx, row.TitleOriginal)
	if findErr != nil {
		return domain.Entry{}, false, fmt.Errorf("create entry %q: conflict not resolvable: %w", row.TitleOriginal, findErr)
	}
	return existing, false, nil
}

func (s *Store) insertAnime(ctx context.Context, row *Anime) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
}

func disambiguateTitle(title, original string, year int) string {
	if year > 0 {
		return fmt.Sprintf("%s (%s, %d)", title, original, year)
	}
	return fmt.Sprintf("%s (%s)", title, original)
}

func (s *Store) GetEntry(ctx context.Context, id uint64) (domain.EntryDetail, error) {
	var row Anime
	err := s.read(ctx, "get entry", func(db *gorm.DB) error {
		return db.Where("id = ?", id).Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.EntryDetail{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EntryDetail{}, err
	}

	detail := domain.EntryDetail{Entry: row.toEntry()}
	if detail.Genres, err = s.genreNames(ctx, id); err != nil {
		return domain.EntryDetail{}, err
	}
	if detail.Themes, err = s.themeNames(ctx, id); err != nil {
		return domain.EntryDetail{}, err
	}
	if detail.Players, err = s.ListLinks(ctx, id); err != nil {
		return domain.EntryDetail{}, err
	}
	return detail, nil
}

// SearchEntries matches the folded query against title and title_original.
func (s *Store) SearchEntries(ctx context.Context, query string, limit int) ([]domain.Entry, error) {
	key := domain.SearchKey(query)
	if key == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + escapeLike(key) + "%"

	var rows []Anime
	err := s.read(ctx, "search entries", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Where("search_key LIKE ? ESCAPE '!'", pattern).
			Order("request_count DESC").
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(value)
}

// IncrementRequestCount bumps the read counter and returns its new value.
func (s *Store) IncrementRequestCount(ctx context.Context, id uint64) (int, error) {
	result := s.db.WithContext(ctx).Model(&Anime{}).Where("id = ?", id).
		UpdateColumn("request_count", gorm.Expr("request_count + ?", 1))
	if result.Error != nil {
		return 0, fmt.Errorf("increment request_count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}
	var count int
	err := s.read(ctx, "read request_count", func(db *gorm.DB) error {
		return db.Model(&Anime{}).Where("id = ?", id).Select("request_count").Scan(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetRequestCountIfAtLeast zeroes the counter only if it reached threshold.
// Exactly one of several concurrent callers observes true.
func (s *Store) ResetRequestCountIfAtLeast(ctx context.Context, id uint64, threshold int) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Anime{}).
		Where("id = ? AND request_count >= ?", id, threshold).
		UpdateColumn("request_count", 0)
	if result.Error != nil {
		return false, fmt.Errorf("reset request_count: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ApplyRefresh overwrites descriptive fields present in record. The display
// title is only filled when empty and title_original never changes. Genre and
// theme sets are replaced when the payload carries them.
func (s *Store) ApplyRefresh(ctx context.Context, id uint64, record domain.MetadataRecord, refreshedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Anime
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("refresh entry %d: %w", id, err)
		}

		updates := map[string]any{"last_refreshed": refreshedAt.UTC()}
		title := domain.CanonicalTitle(record.Title)
		if strings.TrimSpace(row.Title) == "" && title != "" {
			updates["title"] = title
			updates["search_key"] = domain.SearchKey(title, row.TitleOriginal)
		}
		setString(updates, "poster", record.Poster)
		setString(updates, "description", record.Description)
		setString(updates, "kind", record.Kind)
		setString(updates, "age_rating", record.AgeRating)
		setString(updates, "studio", record.Studio)
		setString(updates, "status", string(record.Status))
		if record.Year > 0 {
			updates["year"] = record.Year
		}
		if record.Episodes > 0 {
			updates["episodes"] = record.Episodes
		}
		if record.Score > 0 {
			updates["score"] = record.Score
		}
		if err := tx.Model(&Anime{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("refresh entry %d: %w", id, err)
		}

		if names := nonEmpty(record.Genres); len(names) > 0 {
			if err := tx.Where("anime_id = ?", id).Delete(&AnimeGenre{}).Error; err != nil {
				return fmt.Errorf("refresh entry %d: clear genres: %w", id, err)
			}
			if err := linkGenres(tx, id, names); err != nil {
				return err
			}
		}
		if names := nonEmpty(record.Themes); len(names) > 0 {
			if err := tx.Where("anime_id = ?", id).Delete(&AnimeTheme{}).Error; err != nil {
				return fmt.Errorf("refresh entry %d: clear themes: %w", id, err)
			}
			if err := linkThemes(tx, id, names); err != nil {
				return err
			}
		}
		return nil
	})
}

func setString(updates map[string]any, column, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		updates[column] = trimmed
	}
}
