package shikimori

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"animecatalog/internal/domain"
	"animecatalog/internal/providers/common"
	"animecatalog/internal/upstream"
)

// InfoAlternate reads a title from its public HTML page. It is the secondary
// endpoint form used when the JSON API fails on the provider side.
func (p *Provider) InfoAlternate(ctx context.Context, upstreamID string) (domain.MetadataRecord, error) {
	id := strings.TrimSpace(upstreamID)
	header := http.Header{}
	header.Set("User-Agent", p.userAgent)
	header.Set("Accept", "text/html,application/xhtml+xml")
	header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8")

	body, err := common.Fetch(ctx, p.client, providerName, p.altURL+"/animes/"+url.PathEscape(id), header)
	if err != nil {
		return domain.MetadataRecord{}, err
	}
	record, err := parsePage(p.altURL, body)
	if err != nil {
		return domain.MetadataRecord{}, fmt.Errorf("%s: page %s: %w", providerName, id, err)
	}
	record.UpstreamID = id
	return record, nil
}

func parsePage(baseURL string, body []byte) (domain.MetadataRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.MetadataRecord{}, fmt.Errorf("%w: %v", upstream.ErrBadPayload, err)
	}

	var record domain.MetadataRecord
	record.Title, record.TitleOriginal = splitHeading(doc.Find("header.head h1").First())
	if record.Title == "" && record.TitleOriginal == "" {
		return domain.MetadataRecord{}, fmt.Errorf("title heading missing: %w", upstream.ErrNoResults)
	}
	if record.TitleOriginal == "" {
		if name, ok := doc.Find(`meta[itemprop="name"]`).First().Attr("content"); ok {
			record.TitleOriginal = domain.CanonicalTitle(name)
		}
	}

	if src, ok := doc.Find(".c-poster img").First().Attr("src"); ok {
		record.Poster = common.AbsoluteURL(baseURL, src)
	}
	if record.Poster == "" {
		if src, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
			record.Poster = common.AbsoluteURL(baseURL, src)
		}
	}

	description := doc.Find(".b-text_with_paragraphs").First().Text()
	if strings.TrimSpace(description) == "" {
		description, _ = doc.Find(`meta[name="description"]`).First().Attr("content")
	}
	record.Description = common.CleanDescription(description)

	if value, ok := doc.Find(`meta[itemprop="ratingValue"]`).First().Attr("content"); ok {
		record.Score, _ = strconv.ParseFloat(strings.TrimSpace(value), 64)
	}

	doc.Find(".b-entry-info .line").Each(func(_ int, line *goquery.Selection) {
		key := strings.ToLower(strings.TrimSpace(line.Find(".key").Text()))
		value := strings.Join(strings.Fields(line.Find(".value").Text()), " ")
		applyInfoLine(&record, key, value)
	})

	var genres, themes []string
	doc.Find(`.b-entry-info [itemprop="genre"]`).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find(".genre-ru").Text())
		if name == "" {
			name = strings.TrimSpace(s.Text())
		}
		if kind, _ := s.Attr("data-kind"); kind == "theme" || kind == "demographic" {
			themes = append(themes, name)
			return
		}
		genres = append(genres, name)
	})
	record.Genres = common.UniqueNames(genres)
	record.Themes = common.UniqueNames(themes)

	if studio, ok := doc.Find(".c-info-right .studio img, .b-entry-info .studio img").First().Attr("alt"); ok {
		record.Studio = strings.TrimSpace(studio)
	}
	return record, nil
}

// splitHeading reads "Localized <span>/</span> Original" headings.
func splitHeading(h1 *goquery.Selection) (string, string) {
	h1.Find(".b-separator").ReplaceWithHtml(" / ")
	text := strings.Join(strings.Fields(h1.Text()), " ")
	if text == "" {
		return "", ""
	}
	local, original, found := strings.Cut(text, " / ")
	if !found {
		return domain.CanonicalTitle(text), ""
	}
	return domain.CanonicalTitle(local), domain.CanonicalTitle(original)
}

func applyInfoLine(record *domain.MetadataRecord, key, value string) {
	if value == "" {
		return
	}
	switch {
	case strings.HasPrefix(key, "тип"), strings.HasPrefix(key, "type"):
		record.Kind = strings.ToLower(value)
	case strings.HasPrefix(key, "эпизоды"), strings.HasPrefix(key, "episodes"):
		fields := strings.Fields(strings.ReplaceAll(value, "/", " "))
		if len(fields) > 0 {
			record.Episodes, _ = strconv.Atoi(fields[len(fields)-1])
		}
	case strings.HasPrefix(key, "статус"), strings.HasPrefix(key, "status"):
		record.Status = statusFromText(value)
		if record.Year == 0 {
			record.Year = common.ParseYear(value)
		}
	case strings.HasPrefix(key, "рейтинг"), strings.HasPrefix(key, "rating"):
		record.AgeRating = strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(value, "-", "_"), " ", "_"))
	case strings.HasPrefix(key, "студия"), strings.HasPrefix(key, "studio"):
		record.Studio = value
	}
}

func statusFromText(value string) domain.Status {
	lower := strings.ToLower(value)
	switch {
	case strings.Contains(lower, "анонс"), strings.Contains(lower, "anons"), strings.Contains(lower, "announce"):
		return domain.StatusAnnounced
	case strings.Contains(lower, "онгоинг"), strings.Contains(lower, "ongoing"):
		return domain.StatusAiring
	case strings.Contains(lower, "вышло"), strings.Contains(lower, "released"):
		return domain.StatusFinished
	default:
		return domain.StatusUnknown
	}
}
