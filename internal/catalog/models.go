package catalog

import (
	"time"

	"animecatalog/internal/domain"
)

type Anime struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	Title         string  `gorm:"size:255;not null;uniqueIndex:idx_anime_title"`
	TitleOriginal string  `gorm:"size:255;not null;uniqueIndex:idx_anime_title_original"`
	SearchKey     string  `gorm:"size:600;not null;default:'';index:idx_anime_search_key"`
	Poster        string  `gorm:"size:1024"`
	Description   string  `gorm:"type:text"`
	Year          int     `gorm:"not null;default:0"`
	Kind          string  `gorm:"size:32"`
	Episodes      int     `gorm:"not null;default:0"`
	AgeRating     string  `gorm:"size:32"`
	Score         float64 `gorm:"not null;default:0"`
	Studio        string  `gorm:"size:255"`
	Status        string  `gorm:"size:16"`
	RequestCount  int     `gorm:"not null;default:0"`
	LastRefreshed *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Anime) TableName() string { return "anime" }

type Genre struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:128;not null;uniqueIndex:idx_genres_name"`
}

func (Genre) TableName() string { return "genres" }

type Theme struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:128;not null;uniqueIndex:idx_themes_name"`
}

func (Theme) TableName() string { return "themes" }

type AnimeGenre struct {
	AnimeID uint64 `gorm:"primaryKey;autoIncrement:false"`
	GenreID uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (AnimeGenre) TableName() string { return "anime_genres" }

type AnimeTheme struct {
	AnimeID uint64 `gorm:"primaryKey;autoIncrement:false"`
	ThemeID uint64 `gorm:"primaryKey;autoIncrement:false"`
}

func (AnimeTheme) TableName() string { return "anime_themes" }

type Player struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	BaseURL   string `gorm:"size:255;not null;uniqueIndex:idx_players_base_url"`
	CreatedAt time.Time
}

func (Player) TableName() string { return "players" }

type AnimePlayer struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	AnimeID     uint64 `gorm:"not null;uniqueIndex:idx_anime_player_embed,priority:1"`
	PlayerID    uint64 `gorm:"not null;uniqueIndex:idx_anime_player_embed,priority:2"`
	EmbedURL    string `gorm:"size:512;not null;uniqueIndex:idx_anime_player_embed,priority:3"`
	ExternalID  string `gorm:"size:600;not null;index:idx_anime_players_external_id"`
	Translation string `gorm:"size:128"`
	Quality     string `gorm:"size:64"`
	CreatedAt   time.Time
}

func (AnimePlayer) TableName() string { return "anime_players" }

func allModels() []any {
	return []any{&Anime{}, &Genre{}, &Theme{}, &AnimeGenre{}, &AnimeTheme{}, &Player{}, &AnimePlayer{}}
}

func newAnimeRow(record domain.MetadataRecord) Anime {
	original := domain.CanonicalTitle(record.TitleOriginal)
	title := domain.CanonicalTitle(record.Title)
	if title == "" {
		title = original
	}
	return Anime{
		Title:         title,
		TitleOriginal: original,
		SearchKey:     domain.SearchKey(title, original),
		Poster:        record.Poster,
		Description:   record.Description,
		Year:          record.Year,
		Kind:          record.Kind,
		Episodes:      record.Episodes,
		AgeRating:     record.AgeRating,
		Score:         record.Score,
		Studio:        record.Studio,
		Status:        string(record.Status),
	}
}

func (a Anime) toEntry() domain.Entry {
	return domain.Entry{
		ID:            a.ID,
		Title:         a.Title,
		TitleOriginal: a.TitleOriginal,
		Poster:        a.Poster,
		Description:   a.Description,
		Year:          a.Year,
		Kind:          a.Kind,
		Episodes:      a.Episodes,
		AgeRating:     a.AgeRating,
		Score:         a.Score,
		Studio:        a.Studio,
		Status:        domain.Status(a.Status),
		RequestCount:  a.RequestCount,
		LastRefreshed: a.LastRefreshed,
	}
}
