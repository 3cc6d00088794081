package kodik

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"animecatalog/internal/domain"
	"animecatalog/internal/providers/common"
	"animecatalog/internal/upstream"
)

const (
	providerName     = "kodik"
	defaultBaseURL   = "https://kodikapi.com"
	defaultUserAgent = "anime-catalog/1.0"
	resultLimit      = "100"
	animeTypes       = "anime,anime-serial"
)

type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Client    *http.Client
}

type Provider struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Provider{
		client:    client,
		baseURL:   baseURL,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: userAgent,
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Enabled() bool {
	return p.token != ""
}

type translationDTO struct {
	ID    common.FlexString `json:"id"`
	Title common.FlexString `json:"title"`
	Type  common.FlexString `json:"type"`
}

type materialDTO struct {
	Title            common.FlexString `json:"title"`
	AnimeTitle       common.FlexString `json:"anime_title"`
	TitleEn          common.FlexString `json:"title_en"`
	Description      common.FlexString `json:"description"`
	AnimeDescription common.FlexString `json:"anime_description"`
	PosterURL        common.FlexString `json:"poster_url"`
	AnimePosterURL   common.FlexString `json:"anime_poster_url"`
	AnimeKind        common.FlexString `json:"anime_kind"`
	AnimeStatus      common.FlexString `json:"anime_status"`
	ShikimoriRating  common.FlexFloat  `json:"shikimori_rating"`
	EpisodesTotal    common.FlexInt    `json:"episodes_total"`
	EpisodesAired    common.FlexInt    `json:"episodes_aired"`
	RatingMPAA       common.FlexString `json:"rating_mpaa"`
	Year             common.FlexInt    `json:"year"`
	AiredAt          common.FlexString `json:"aired_at"`
	AnimeGenres      []string          `json:"anime_genres"`
	AnimeStudios     []string          `json:"anime_studios"`
}

type resultDTO struct {
	ID           common.FlexString `json:"id"`
	Type         common.FlexString `json:"type"`
	Link         common.FlexString `json:"link"`
	Title        common.FlexString `json:"title"`
	TitleOrig    common.FlexString `json:"title_orig"`
	Year         common.FlexInt    `json:"year"`
	Quality      common.FlexString `json:"quality"`
	ShikimoriID  common.FlexString `json:"shikimori_id"`
	Translation  *translationDTO   `json:"translation"`
	MaterialData *materialDTO      `json:"material_data"`
}

type searchResponse struct {
	Error   common.FlexString `json:"error"`
	Total   common.FlexInt    `json:"total"`
	Results []resultDTO       `json:"results"`
}

// Search runs one title search. strict=false asks for loose matching.
func (p *Provider) Search(ctx context.Context, query string, strict bool) ([]domain.LinkResult, error) {
	title := strings.TrimSpace(query)
	if title == "" {
		return nil, fmt.Errorf("%s: empty query: %w", providerName, upstream.ErrNoResults)
	}
	params := url.Values{
		"token":              {p.token},
		"title":              {title},
		"strict":             {fmt.Sprint(strict)},
		"with_material_data": {"true"},
		"types":              {animeTypes},
		"limit":              {resultLimit},
	}
	header := http.Header{}
	header.Set("User-Agent", p.userAgent)
	header.Set("Accept", "application/json")

	body, err := common.Fetch(ctx, p.client, providerName, p.baseURL+"/search?"+params.Encode(), header)
	if err != nil {
		return nil, err
	}

	var response searchResponse
	if err := sonic.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%s: decode search: %w: %v", providerName, upstream.ErrBadPayload, err)
	}
	if message := strings.TrimSpace(string(response.Error)); message != "" {
		return nil, envelopeError(message)
	}

	results := make([]domain.LinkResult, 0, len(response.Results))
	for _, item := range response.Results {
		if result, ok := toLinkResult(item); ok {
			results = append(results, result)
		}
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s: %q: %w", providerName, title, upstream.ErrNoResults)
	}
	return results, nil
}

// envelopeError maps the provider's {"error": "..."} answers, which arrive with HTTP 200.
func envelopeError(message string) error {
	lower := strings.ToLower(message)
	status := http.StatusBadRequest
	switch {
	case strings.Contains(lower, "токен"), strings.Contains(lower, "token"):
		status = http.StatusUnauthorized
	case strings.Contains(lower, "лимит"), strings.Contains(lower, "limit"), strings.Contains(lower, "many requests"):
		status = http.StatusTooManyRequests
	case strings.Contains(lower, "не найден"), strings.Contains(lower, "not found"):
		status = http.StatusNotFound
	}
	return &upstream.APIError{Provider: providerName, StatusCode: status, Message: message}
}

// toLinkResult drops results the catalog cannot key (no metadata identifier or no link).
func toLinkResult(item resultDTO) (domain.LinkResult, bool) {
	upstreamID := strings.TrimSpace(string(item.ShikimoriID))
	link := domain.NormalizeEmbedURL(string(item.Link))
	if upstreamID == "" || upstreamID == "0" || link == "" {
		return domain.LinkResult{}, false
	}
	result := domain.LinkResult{
		UpstreamID:    upstreamID,
		SourceID:      strings.TrimSpace(string(item.ID)),
		Title:         domain.CanonicalTitle(string(item.Title)),
		TitleOriginal: domain.CanonicalTitle(string(item.TitleOrig)),
		EmbedURL:      link,
		Quality:       strings.TrimSpace(string(item.Quality)),
	}
	if item.Translation != nil {
		result.Translation = strings.TrimSpace(string(item.Translation.Title))
	}
	if item.MaterialData != nil {
		result.Material = toRecord(upstreamID, item)
	}
	return result, true
}

func toRecord(upstreamID string, item resultDTO) *domain.MetadataRecord {
	material := item.MaterialData
	record := &domain.MetadataRecord{
		UpstreamID:    upstreamID,
		Title:         firstNonEmpty(string(material.AnimeTitle), string(material.Title), string(item.Title)),
		TitleOriginal: firstNonEmpty(string(item.TitleOrig), string(material.TitleEn)),
		Poster:        domain.NormalizeEmbedURL(firstNonEmpty(string(material.AnimePosterURL), string(material.PosterURL))),
		Description:   common.CleanDescription(firstNonEmpty(string(material.AnimeDescription), string(material.Description))),
		Kind:          strings.TrimSpace(string(material.AnimeKind)),
		Episodes:      int(material.EpisodesTotal),
		AgeRating:     normalizeRating(string(material.RatingMPAA)),
		Score:         float64(material.ShikimoriRating),
		Status:        domain.NormalizeStatus(string(material.AnimeStatus)),
		Year:          int(material.Year),
		Genres:        common.UniqueNames(material.AnimeGenres),
	}
	record.Title = domain.CanonicalTitle(record.Title)
	record.TitleOriginal = domain.CanonicalTitle(record.TitleOriginal)
	if record.Episodes == 0 {
		record.Episodes = int(material.EpisodesAired)
	}
	if record.Year == 0 {
		record.Year = int(item.Year)
	}
	if record.Year == 0 {
		record.Year = common.ParseYear(string(material.AiredAt))
	}
	for _, studio := range material.AnimeStudios {
		if name := strings.TrimSpace(studio); name != "" {
			record.Studio = name
			break
		}
	}
	return record
}

func normalizeRating(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
