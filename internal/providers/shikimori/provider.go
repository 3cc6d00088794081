package shikimori

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"animecatalog/internal/domain"
	"animecatalog/internal/providers/common"
	"animecatalog/internal/upstream"
)

const (
	providerName     = "shikimori"
	defaultBaseURL   = "https://shikimori.one"
	defaultUserAgent = "anime-catalog/1.0"
	searchLimit      = 20
)

type Config struct {
	BaseURL    string
	AltBaseURL string
	UserAgent  string
	Client     *http.Client
}

type Provider struct {
	client    *http.Client
	baseURL   string
	altURL    string
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
	altURL := strings.TrimRight(strings.TrimSpace(cfg.AltBaseURL), "/")
	if altURL == "" {
		altURL = baseURL
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Provider{
		client:    client,
		baseURL:   baseURL,
		altURL:    altURL,
		userAgent: userAgent,
	}
}

func (p *Provider) Name() string {
	return providerName
}

type imageSet struct {
	Original common.FlexString `json:"original"`
	Preview  common.FlexString `json:"preview"`
}

type tag struct {
	Name    common.FlexString `json:"name"`
	Russian common.FlexString `json:"russian"`
	Kind    common.FlexString `json:"kind"`
}

type studio struct {
	Name         common.FlexString `json:"name"`
	FilteredName common.FlexString `json:"filtered_name"`
}

type animeDTO struct {
	ID          common.FlexString `json:"id"`
	Name        common.FlexString `json:"name"`
	Russian     common.FlexString `json:"russian"`
	Image       *imageSet         `json:"image"`
	Kind        common.FlexString `json:"kind"`
	Score       common.FlexFloat  `json:"score"`
	Status      common.FlexString `json:"status"`
	Episodes    common.FlexInt    `json:"episodes"`
	AiredOn     common.FlexString `json:"aired_on"`
	ReleasedOn  common.FlexString `json:"released_on"`
	Rating      common.FlexString `json:"rating"`
	Description common.FlexString `json:"description"`
	Genres      []tag             `json:"genres"`
	Studios     []studio          `json:"studios"`
}

// Search lists titles matching a free-text query.
func (p *Provider) Search(ctx context.Context, title string) ([]domain.MetadataRecord, error) {
	query := strings.TrimSpace(title)
	if query == "" {
		return nil, fmt.Errorf("%s: empty query: %w", providerName, upstream.ErrNoResults)
	}
	params := url.Values{
		"search": {query},
		"limit":  {strconv.Itoa(searchLimit)},
	}
	body, err := common.Fetch(ctx, p.client, providerName, p.baseURL+"/api/animes?"+params.Encode(), p.jsonHeader())
	if err != nil {
		return nil, err
	}

	var items []animeDTO
	if err := sonic.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%s: decode search: %w: %v", providerName, upstream.ErrBadPayload, err)
	}
	records := make([]domain.MetadataRecord, 0, len(items))
	for _, item := range items {
		record := p.toRecord(item)
		if record.UpstreamID == "" || record.TitleOriginal == "" {
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %q: %w", providerName, query, upstream.ErrNoResults)
	}
	return records, nil
}

// Info reads one title from the JSON API.
func (p *Provider) Info(ctx context.Context, upstreamID string) (domain.MetadataRecord, error) {
	id := strings.TrimSpace(upstreamID)
	body, err := common.Fetch(ctx, p.client, providerName, p.baseURL+"/api/animes/"+url.PathEscape(id), p.jsonHeader())
	if err != nil {
		return domain.MetadataRecord{}, err
	}

	var item animeDTO
	if err := sonic.Unmarshal(body, &item); err != nil {
		return domain.MetadataRecord{}, fmt.Errorf("%s: decode info %s: %w: %v", providerName, id, upstream.ErrBadPayload, err)
	}
	record := p.toRecord(item)
	if record.TitleOriginal == "" && record.Title == "" {
		return domain.MetadataRecord{}, fmt.Errorf("%s: info %s: %w", providerName, id, upstream.ErrNoResults)
	}
	if record.UpstreamID == "" {
		record.UpstreamID = id
	}
	return record, nil
}

func (p *Provider) jsonHeader() http.Header {
	header := http.Header{}
	header.Set("User-Agent", p.userAgent)
	header.Set("Accept", "application/json")
	return header
}

func (p *Provider) toRecord(item animeDTO) domain.MetadataRecord {
	record := domain.MetadataRecord{
		UpstreamID:    strings.TrimSpace(string(item.ID)),
		Title:         domain.CanonicalTitle(string(item.Russian)),
		TitleOriginal: domain.CanonicalTitle(string(item.Name)),
		Description:   common.CleanDescription(string(item.Description)),
		Kind:          strings.TrimSpace(string(item.Kind)),
		Episodes:      int(item.Episodes),
		AgeRating:     strings.TrimSpace(string(item.Rating)),
		Score:         float64(item.Score),
		Status:        domain.NormalizeStatus(string(item.Status)),
		Year:          common.ParseYear(string(item.AiredOn)),
	}
	if record.Year == 0 {
		record.Year = common.ParseYear(string(item.ReleasedOn))
	}
	if record.AgeRating == "none" {
		record.AgeRating = ""
	}
	if item.Image != nil {
		poster := string(item.Image.Original)
		if poster == "" || strings.Contains(poster, "missing_") {
			poster = ""
		}
		record.Poster = common.AbsoluteURL(p.baseURL, poster)
	}
	for _, s := range item.Studios {
		name := strings.TrimSpace(string(s.Name))
		if name == "" {
			name = strings.TrimSpace(string(s.FilteredName))
		}
		if name != "" {
			record.Studio = name
			break
		}
	}
	record.Genres, record.Themes = splitTags(item.Genres)
	return record
}

// splitTags separates genres from themes; demographics are filed as themes.
func splitTags(tags []tag) (genres, themes []string) {
	for _, t := range tags {
		name := strings.TrimSpace(string(t.Russian))
		if name == "" {
			name = strings.TrimSpace(string(t.Name))
		}
		if name == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(string(t.Kind))) {
		case "theme", "demographic":
			themes = append(themes, name)
		default:
			genres = append(genres, name)
		}
	}
	return common.UniqueNames(genres), common.UniqueNames(themes)
}
