// Package tmdb resolves movie details from The Movie Database, with Trakt as
// a search fallback.
package tmdb

import (
	"cmp"
	"context"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	logx "cinebot/pkg/logx"
)

const (
	DefaultBaseURL      = "https://api.themoviedb.org/3"
	DefaultImageBaseURL = "https://image.tmdb.org/t/p/w500"
	DefaultTraktBaseURL = "https://api.trakt.tv"
	DefaultLanguage     = "es-ES"

	maxBody = 4 << 20

	// browseLimit caps genre and actor listings.
	browseLimit = 5
)

var genres = []catalog.Genre{
	{ID: 28, Name: "Acción"},
	{ID: 12, Name: "Aventura"},
	{ID: 16, Name: "Animación"},
	{ID: 35, Name: "Comedia"},
	{ID: 80, Name: "Crimen"},
	{ID: 99, Name: "Documental"},
	{ID: 18, Name: "Drama"},
	{ID: 10751, Name: "Familia"},
	{ID: 14, Name: "Fantasía"},
	{ID: 36, Name: "Historia"},
	{ID: 27, Name: "Terror"},
	{ID: 10402, Name: "Música"},
	{ID: 9648, Name: "Misterio"},
	{ID: 10749, Name: "Romance"},
	{ID: 878, Name: "Ciencia ficción"},
	{ID: 10770, Name: "Película de TV"},
	{ID: 53, Name: "Suspense"},
	{ID: 10752, Name: "Guerra"},
	{ID: 37, Name: "Western"},
}

type Config struct {
	APIKey       string
	BaseURL      string
	ImageBaseURL string
	Language     string
	Timeout      time.Duration
	RatePerSec   float64
	CacheSize    int
	CacheTTL     time.Duration

	TraktClientID string
	TraktBaseURL  string

	HTTPClient *http.Client
}

type Client struct {
	cfg   Config
	http  *http.Client
	lim   *rate.Limiter
	cache *expirable.LRU[int64, catalog.Detail]
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = DefaultImageBaseURL
	}
	if cfg.TraktBaseURL == "" {
		cfg.TraktBaseURL = DefaultTraktBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.TraktBaseURL = strings.TrimRight(cfg.TraktBaseURL, "/")
	return &Client{
		cfg:   cfg,
		http:  hc,
		lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
		cache: expirable.NewLRU[int64, catalog.Detail](cfg.CacheSize, nil, cfg.CacheTTL),
		log:   log,
	}
}

// Resolve returns the detail for a TMDB movie id. On upstream failure it
// returns nil and an error marked transient; an unknown id is NotFound.
func (c *Client) Resolve(ctx context.Context, id int64) (*catalog.Detail, error) {
	if id <= 0 {
		// Manually added items carry negative ids.
		return nil, errs.NotFoundf("item %d is not a tmdb id", id)
	}
	if d, ok := c.cache.Get(id); ok {
		return &d, nil
	}
	body, err := c.getTMDB(ctx, "/movie/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, err
	}
	d := c.parseDetail(gjson.ParseBytes(body))
	if d.ExternalID == 0 {
		d.ExternalID = id
	}
	c.cache.Add(id, d)
	return &d, nil
}

// Search lists TMDB matches for query. When TMDB yields nothing (or fails)
// and a Trakt client id is configured, Trakt results are returned instead.
func (c *Client) Search(ctx context.Context, query string) ([]catalog.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	out, err := c.searchTMDB(ctx, query, 0)
	if len(out) > 0 {
		return out, nil
	}
	if c.cfg.TraktClientID == "" {
		return nil, err
	}
	if err != nil {
		c.log.Warn("tmdb search failed, trying trakt", logx.String("query", query), logx.Err(err))
	}
	return c.searchTrakt(ctx, query)
}

// SearchTitle returns the id of the first TMDB hit for title in year.
func (c *Client) SearchTitle(ctx context.Context, title string, year int) (int64, error) {
	out, err := c.searchTMDB(ctx, title, year)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, errs.NotFoundf("no tmdb match for %q (%d)", title, year)
	}
	return out[0].ExternalID, nil
}

// Popular returns the first page of currently popular movies.
func (c *Client) Popular(ctx context.Context) ([]catalog.Detail, error) {
	body, err := c.getTMDB(ctx, "/movie/popular", url.Values{"page": {"1"}})
	if err != nil {
		return nil, err
	}
	return c.parseDetails(gjson.GetBytes(body, "results")), nil
}

// Genres lists the TMDB movie genres offered for browsing.
func (c *Client) Genres() []catalog.Genre { return slices.Clone(genres) }

// ByGenre returns the most popular movies of a TMDB genre.
func (c *Client) ByGenre(ctx context.Context, genreID int64) ([]catalog.Detail, error) {
	if genreID <= 0 {
		return nil, errs.Invariantf("bad genre id %d", genreID)
	}
	body, err := c.getTMDB(ctx, "/discover/movie", url.Values{
		"with_genres": {strconv.FormatInt(genreID, 10)},
		"sort_by":     {"popularity.desc"},
		"page":        {"1"},
	})
	if err != nil {
		return nil, err
	}
	out := c.parseDetails(gjson.GetBytes(body, "results"))
	return out[:min(browseLimit, len(out))], nil
}

// ByActor finds the first person matching name and returns their most
// popular movies. An unknown name is NotFound.
func (c *Client) ByActor(ctx context.Context, name string) ([]catalog.Detail, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invariantf("empty actor name")
	}
	body, err := c.getTMDB(ctx, "/search/person", url.Values{"query": {name}})
	if err != nil {
		return nil, err
	}
	person := gjson.GetBytes(body, "results.0.id").Int()
	if person == 0 {
		return nil, errs.NotFoundf("no person matches %q", name)
	}
	body, err = c.getTMDB(ctx, "/person/"+strconv.FormatInt(person, 10)+"/movie_credits", nil)
	if err != nil {
		return nil, err
	}
	cast := gjson.GetBytes(body, "cast").Array()
	slices.SortStableFunc(cast, func(a, b gjson.Result) int {
		return cmp.Compare(b.Get("popularity").Float(), a.Get("popularity").Float())
	})
	out := make([]catalog.Detail, 0, browseLimit)
	for _, v := range cast[:min(browseLimit, len(cast))] {
		out = append(out, c.parseDetail(v))
	}
	return out, nil
}

func (c *Client) parseDetails(list gjson.Result) []catalog.Detail {
	var out []catalog.Detail
	list.ForEach(func(_, v gjson.Result) bool {
		out = append(out, c.parseDetail(v))
		return true
	})
	return out
}

func (c *Client) searchTMDB(ctx context.Context, query string, year int) ([]catalog.Candidate, error) {
	q := url.Values{"query": {query}}
	if year > 0 {
		q.Set("year", strconv.Itoa(year))
	}
	body, err := c.getTMDB(ctx, "/search/movie", q)
	if err != nil {
		return nil, err
	}
	var out []catalog.Candidate
	gjson.GetBytes(body, "results").ForEach(func(_, v gjson.Result) bool {
		out = append(out, catalog.Candidate{
			ExternalID: v.Get("id").Int(),
			Title:      v.Get("title").String(),
			Year:       yearOf(v.Get("release_date").String()),
			Source:     "tmdb",
		})
		return true
	})
	return out, nil
}

func (c *Client) searchTrakt(ctx context.Context, query string) ([]catalog.Candidate, error) {
	u := c.cfg.TraktBaseURL + "/search/movie?" + url.Values{"query": {query}}.Encode()
	body, err := c.get(ctx, u, map[string]string{
		"Content-Type":      "application/json",
		"trakt-api-version": "2",
		"trakt-api-key":     c.cfg.TraktClientID,
	})
	if err != nil {
		return nil, err
	}
	var out []catalog.Candidate
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		id := v.Get("movie.ids.tmdb").Int()
		if id == 0 {
			return true
		}
		out = append(out, catalog.Candidate{
			ExternalID: id,
			Title:      v.Get("movie.title").String(),
			Year:       int(v.Get("movie.year").Int()),
			Source:     "trakt",
		})
		return true
	})
	return out, nil
}

func (c *Client) getTMDB(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, errs.Transient(nil, "tmdb api key not configured")
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("language", c.cfg.Language)
	return c.get(ctx, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
}

func (c *Client) get(ctx context.Context, u string, headers map[string]string) ([]byte, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, errs.Transient(err, "rate limit wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Transient(err, "upstream request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.NotFoundf("upstream: %s", req.URL.Path)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Transient(nil, "upstream status "+strconv.Itoa(resp.StatusCode)+": "+strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errs.Transient(err, "read upstream body")
	}
	if !gjson.ValidBytes(body) {
		return nil, errs.Transient(nil, "upstream returned invalid json")
	}
	return body, nil
}

func (c *Client) parseDetail(v gjson.Result) catalog.Detail {
	d := catalog.Detail{
		ExternalID:  v.Get("id").Int(),
		Title:       v.Get("title").String(),
		Synopsis:    strings.TrimSpace(v.Get("overview").String()),
		ReleaseDate: v.Get("release_date").String(),
		Score:       v.Get("vote_average").Float(),
	}
	if p := v.Get("poster_path").String(); p != "" {
		d.PosterURL = c.cfg.ImageBaseURL + p
	}
	d.Year = yearOf(d.ReleaseDate)
	return d
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}
