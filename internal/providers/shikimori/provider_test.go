package shikimori

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"animecatalog/internal/domain"
	"animecatalog/internal/upstream"
)

const infoPayload = `{
  "id": 5114,
  "name": "Fullmetal Alchemist:  Brotherhood",
  "russian": "Стальной алхимик: Братство",
  "image": {"original": "/system/animes/original/5114.jpg?1", "preview": "/system/animes/preview/5114.jpg"},
  "kind": "tv",
  "score": "9.09",
  "status": "released",
  "episodes": 64,
  "aired_on": "2009-04-05",
  "released_on": "2010-07-04",
  "rating": "r",
  "description": "Братья [character=11]Эдвард[/character] и Альфонс.",
  "genres": [
    {"id": 1, "name": "Action", "russian": "Экшен", "kind": "genre"},
    {"id": 27, "name": "Shounen", "russian": "Сёнен", "kind": "demographic"},
    {"id": 38, "name": "Military", "russian": "Военное", "kind": "theme"},
    {"id": 8, "name": "Drama", "russian": "Драма", "kind": "genre"}
  ],
  "studios": [{"id": 4, "name": "Bones", "filtered_name": "Bones"}]
}`

const pagePayload = `<html><head>
<meta property="og:image" content="/system/animes/original/5114.jpg">
<meta itemprop="name" content="Fullmetal Alchemist: Brotherhood">
</head><body>
<header class="head"><h1>Стальной алхимик: Братство <span class="b-separator inline">/</span> Fullmetal Alchemist: Brotherhood</h1></header>
<div class="b-entry-info">
  <div class="line"><div class="key">Тип:</div><div class="value">TV Сериал</div></div>
  <div class="line"><div class="key">Эпизоды:</div><div class="value">64</div></div>
  <div class="line"><div class="key">Статус:</div><div class="value">вышло с 5 апр. 2009 г. по 4 июля 2010 г.</div></div>
  <div class="line"><div class="key">Рейтинг:</div><div class="value">R-17</div></div>
  <a itemprop="genre" data-kind="genre"><span class="genre-ru">Экшен</span></a>
  <a itemprop="genre" data-kind="theme"><span class="genre-ru">Военное</span></a>
</div>
<meta itemprop="ratingValue" content="9.09">
<div class="b-text_with_paragraphs">Братья Элрики.</div>
</body></html>`

func TestInfoDecodesRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/animes/5114" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("missing user agent")
		}
		_, _ = w.Write([]byte(infoPayload))
	}))
	defer server.Close()

	p := NewProvider(Config{BaseURL: server.URL, UserAgent: "test-agent", Client: server.Client()})
	record, err := p.Info(context.Background(), "5114")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	if record.UpstreamID != "5114" {
		t.Errorf("UpstreamID = %q", record.UpstreamID)
	}
	if record.TitleOriginal != "Fullmetal Alchemist: Brotherhood" {
		t.Errorf("TitleOriginal = %q", record.TitleOriginal)
	}
	if record.Title != "Стальной алхимик: Братство" {
		t.Errorf("Title = %q", record.Title)
	}
	if record.Poster != server.URL+"/system/animes/original/5114.jpg?1" {
		t.Errorf("Poster = %q", record.Poster)
	}
	if record.Description != "Братья Эдвард и Альфонс." {
		t.Errorf("Description = %q", record.Description)
	}
	if record.Score != 9.09 || record.Episodes != 64 || record.Year != 2009 {
		t.Errorf("numbers = %v/%d/%d", record.Score, record.Episodes, record.Year)
	}
	if record.Status != domain.StatusFinished {
		t.Errorf("Status = %q", record.Status)
	}
	if record.Studio != "Bones" {
		t.Errorf("Studio = %q", record.Studio)
	}
	if !reflect.DeepEqual(record.Genres, []string{"Экшен", "Драма"}) {
		t.Errorf("Genres = %v", record.Genres)
	}
	if !reflect.DeepEqual(record.Themes, []string{"Сёнен", "Военное"}) {
		t.Errorf("Themes = %v", record.Themes)
	}
	if !record.Sufficient() {
		t.Errorf("expected sufficient record")
	}
}

func TestInfoStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"rate limited", http.StatusTooManyRequests, upstream.ErrRateLimited},
		{"missing", http.StatusNotFound, upstream.ErrNoResults},
		{"provider side", http.StatusBadGateway, upstream.ErrProviderSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p := NewProvider(Config{BaseURL: server.URL, Client: server.Client()})
			_, err := p.Info(context.Background(), "1")
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestInfoMalformedPayloadIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["not", "an", "object"`))
	}))
	defer server.Close()

	p := NewProvider(Config{BaseURL: server.URL, Client: server.Client()})
	_, err := p.Info(context.Background(), "1")
	if !errors.Is(err, upstream.ErrBadPayload) {
		t.Fatalf("expected bad payload, got %v", err)
	}
	if upstream.IsRateLimited(err) || errors.Is(err, upstream.ErrProviderSide) {
		t.Fatalf("malformed payload must not be retryable: %v", err)
	}
}

func TestSearchSkipsUnusableItemsAndReportsEmpty(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search")
		if gotQuery == "nothing" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"name":"Cowboy Bebop","russian":"Ковбой Бибоп","score":"8.75","status":"released"},{"id":2,"russian":"Без имени"}]`))
	}))
	defer server.Close()

	p := NewProvider(Config{BaseURL: server.URL, Client: server.Client()})
	records, err := p.Search(context.Background(), " cowboy ")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotQuery != "cowboy" {
		t.Fatalf("query not trimmed: %q", gotQuery)
	}
	if len(records) != 1 || records[0].TitleOriginal != "Cowboy Bebop" {
		t.Fatalf("unexpected records: %+v", records)
	}

	_, err = p.Search(context.Background(), "nothing")
	if !errors.Is(err, upstream.ErrNoResults) {
		t.Fatalf("expected no results, got %v", err)
	}
}

func TestInfoAlternateParsesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/animes/5114" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(pagePayload))
	}))
	defer server.Close()

	p := NewProvider(Config{BaseURL: "http://unused.invalid", AltBaseURL: server.URL, Client: server.Client()})
	record, err := p.InfoAlternate(context.Background(), "5114")
	if err != nil {
		t.Fatalf("InfoAlternate: %v", err)
	}
	if record.Title != "Стальной алхимик: Братство" || record.TitleOriginal != "Fullmetal Alchemist: Brotherhood" {
		t.Errorf("titles = %q / %q", record.Title, record.TitleOriginal)
	}
	if record.Poster != server.URL+"/system/animes/original/5114.jpg" {
		t.Errorf("Poster = %q", record.Poster)
	}
	if record.Description != "Братья Элрики." {
		t.Errorf("Description = %q", record.Description)
	}
	if record.Episodes != 64 || record.Year != 2009 || record.Score != 9.09 {
		t.Errorf("numbers = %d/%d/%v", record.Episodes, record.Year, record.Score)
	}
	if record.Status != domain.StatusFinished {
		t.Errorf("Status = %q", record.Status)
	}
	if record.AgeRating != "r_17" {
		t.Errorf("AgeRating = %q", record.AgeRating)
	}
	if !reflect.DeepEqual(record.Genres, []string{"Экшен"}) || !reflect.DeepEqual(record.Themes, []string{"Военное"}) {
		t.Errorf("genres/themes = %v / %v", record.Genres, record.Themes)
	}
	if record.UpstreamID != "5114" {
		t.Errorf("UpstreamID = %q", record.UpstreamID)
	}
}
