package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"animecatalog/internal/domain"
	"animecatalog/internal/metrics"
)

// EnsurePlayer returns the id of the player backend serving baseURL, creating it on first sight.
func (s *Store) EnsurePlayer(ctx context.Context, baseURL string) (uint64, error) {
	base := strings.ToLower(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if base == "" {
		return 0, fmt.Errorf("ensure player: empty base url")
	}
	db := s.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&Player{BaseURL: base})
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return 0, fmt.Errorf("ensure player %s: %w", base, result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.StoreConflictsTotal.WithLabelValues("players").Inc()
	}

	var player Player
	err := s.read(ctx, "read player", func(db *gorm.DB) error {
		return db.Where("base_url = ?", base).Take(&player).Error
	})
	if err != nil {
		return 0, fmt.Errorf("ensure player %s: %w", base, err)
	}
	return player.ID, nil
}

// AttachLink records one embeddable stream for an entry. A link that already
// exists for the (entry, player, embed_url) triple is a confirmation and
// returns created=false without error.
func (s *Store) AttachLink(ctx context.Context, entryID uint64, upstreamID string, ref domain.PlayerRef) (bool, error) {
	embed := domain.NormalizeEmbedURL(ref.EmbedURL)
	baseURL, err := domain.PlayerBaseURL(embed)
	if err != nil {
		return false, err
	}
	playerID, err := s.EnsurePlayer(ctx, baseURL)
	if err != nil {
		return false, err
	}

	link := AnimePlayer{
		AnimeID:     entryID,
		PlayerID:    playerID,
		EmbedURL:    embed,
		ExternalID:  domain.ComposeExternalID(upstreamID, embed),
		Translation: strings.TrimSpace(ref.Translation),
		Quality:     strings.TrimSpace(ref.Quality),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return false, fmt.Errorf("attach link %s: %w", embed, result.Error)
	}
	if result.Error == nil && result.RowsAffected == 1 {
		return true, nil
	}

	metrics.StoreConflictsTotal.WithLabelValues("anime_players").Inc()
	var existing AnimePlayer
	err = s.read(ctx, "read link", func(db *gorm.DB) error {
		return db.Where("anime_id = ? AND player_id = ? AND embed_url = ?", entryID, playerID, embed).Take(&existing).Error
	})
	if err != nil {
		return false, fmt.Errorf("attach link %s: confirm existing: %w", embed, err)
	}
	return false, nil
}

type linkRow struct {
	ID          uint64
	AnimeID     uint64
	BaseURL     string
	ExternalID  string
	EmbedURL    string
	Translation string
	Quality     string
}

func (s *Store) ListLinks(ctx context.Context, entryID uint64) ([]domain.PlayerLink, error) {
	var rows []linkRow
	err := s.read(ctx, "list links", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Table("anime_players").
			Select("anime_players.id, anime_players.anime_id, players.base_url, anime_players.external_id, anime_players.embed_url, anime_players.translation, anime_players.quality").
			Joins("JOIN players ON players.id = anime_players.player_id").
			Where("anime_players.anime_id = ?", entryID).
			Order("anime_players.id").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	links := make([]domain.PlayerLink, 0, len(rows))
	for _, row := range rows {
		links = append(links, domain.PlayerLink{
			ID:          row.ID,
			EntryID:     row.AnimeID,
			PlayerURL:   row.BaseURL,
			ExternalID:  row.ExternalID,
			EmbedURL:    row.EmbedURL,
			Translation: row.Translation,
			Quality:     row.Quality,
		})
	}
	return links, nil
}

// UpstreamIDForEntry recovers the metadata-provider identifier from the
// external_id prefix of the entry's oldest parseable link.
func (s *Store) UpstreamIDForEntry(ctx context.Context, entryID uint64) (string, bool, error) {
	var externalIDs []string
	err := s.read(ctx, "read external ids", func(db *gorm.DB) error {
		externalIDs = externalIDs[:0]
		return db.Model(&AnimePlayer{}).
			Where("anime_id = ?", entryID).
			Order("id").
			Pluck("external_id", &externalIDs).Error
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}
	for _, externalID := range externalIDs {
		if id, ok := domain.UpstreamIDFromExternalID(externalID); ok {
			return id, true, nil
		}
	}
	return "", false, nil
}
