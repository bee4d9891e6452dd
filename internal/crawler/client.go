package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/models"
)

// Request selects one page of listings inside a bounding box.
type Request struct {
	Bounds     models.Bounds
	TradeType  models.TradeType
	Page       int
	SortByDate bool
}

// Page is one decoded upstream listing page.
type Page struct {
	Articles []Article
	More     bool
}

// Fetcher retrieves listing pages. The outcome drives the rate governor.
type Fetcher interface {
	FetchPage(ctx context.Context, req Request) (*Page, governor.Outcome, error)
}

// ClientConfig holds upstream client settings.
type ClientConfig struct {
	BaseURL         string
	EstateType      string
	Referer         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	UserAgents      []string
}

// Client provides access to the map-cluster listings API.
type Client struct {
	baseURL    string
	estateType string
	referer    string
	agents     []string
	httpClient *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Fetcher = (*Client)(nil)

// articleListResponse is the envelope of /cluster/articleList.
type articleListResponse struct {
	Code string    `json:"code"`
	More bool      `json:"more"`
	Body []Article `json:"body"`
}

// Article is one listing as returned by the upstream API.
type Article struct {
	AtclNo      string    `json:"atclNo"`
	HscpNo      string    `json:"hscpNo"`
	AtclNm      string    `json:"atclNm"`
	TradTpCd    string    `json:"tradTpCd"`
	Prc         flexFloat `json:"prc"`     // 만원
	RentPrc     flexFloat `json:"rentPrc"` // 만원
	Spc2        flexFloat `json:"spc2"`    // exclusive area, m²
	FlrInfo     string    `json:"flrInfo"`
	Direction   string    `json:"direction"`
	AtclFetrDes string    `json:"atclFetrDesc"`
	AtclCfmYmd  string    `json:"atclCfmYmd"` // YY.MM.DD
	Lat         flexFloat `json:"lat"`
	Lng         flexFloat `json:"lng"`
	RepImgURL   string    `json:"repImgUrl"`
	RltrNm      string    `json:"rltrNm"`
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

const manwon = 10_000

// Snapshot converts the article into a crawl snapshot of trade type tt.
// seen stamps FirstSeen; the differ keeps the original value for known listings.
func (a Article) Snapshot(tt models.TradeType, seen time.Time) (models.Snapshot, error) {
	s := models.Snapshot{
		ExternalID:    strings.TrimSpace(a.AtclNo),
		ComplexID:     strings.TrimSpace(a.HscpNo),
		ComplexName:   a.AtclNm,
		TradeType:     tt,
		Price:         int64(math.Round(float64(a.Prc) * manwon)),
		ExclusiveArea: float64(a.Spc2),
		Floor:         a.FlrInfo,
		Direction:     a.Direction,
		Description:   a.AtclFetrDes,
		Latitude:      float64(a.Lat),
		Longitude:     float64(a.Lng),
		ImageURL:      a.RepImgURL,
		Realtor:       a.RltrNm,
		FirstSeen:     seen,
	}
	if tt == models.TradeRent {
		s.MonthlyRent = int64(math.Round(float64(a.RentPrc) * manwon))
	}
	if a.AtclCfmYmd != "" {
		t, err := time.ParseInLocation("06.01.02", a.AtclCfmYmd, kst)
		if err != nil {
			return s, fmt.Errorf("article %s: bad confirm date %q", a.AtclNo, a.AtclCfmYmd)
		}
		s.ConfirmedAt = t
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("article %s: %w", a.AtclNo, err)
	}
	return s, nil
}

var kst = time.FixedZone("KST", 9*60*60)

// NewClient creates a new listings client. rng picks the user agent per request.
func NewClient(cfg ClientConfig, rng *rand.Rand) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		estateType: cfg.EstateType,
		referer:    cfg.Referer,
		agents:     cfg.UserAgents,
		rng:        rng,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			// a redirect here is the upstream bouncing us to a block page
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// FetchPage performs a single request. It does not retry; retry and pacing
// belong to the crawler and governor.
func (c *Client) FetchPage(ctx context.Context, req Request) (*Page, governor.Outcome, error) {
	u, err := url.Parse(c.baseURL + "/cluster/articleList")
	if err != nil {
		return nil, governor.NetworkError, fmt.Errorf("failed to parse URL: %w", err)
	}

	b := req.Bounds
	lat, lng := b.Center()
	q := u.Query()
	q.Set("rletTpCd", c.estateType)
	q.Set("tradTpCd", req.TradeType.Code())
	q.Set("lat", formatCoord(lat))
	q.Set("lon", formatCoord(lng))
	q.Set("btm", formatCoord(b.South))
	q.Set("lft", formatCoord(b.West))
	q.Set("top", formatCoord(b.North))
	q.Set("rgt", formatCoord(b.East))
	q.Set("page", strconv.Itoa(req.Page))
	if req.SortByDate {
		q.Set("sort", "dateDesc")
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, governor.NetworkError, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent())
	if c.referer != "" {
		httpReq.Header.Set("Referer", c.referer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if outcome := governor.Classify(resp, err); outcome != governor.OK {
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			err = fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return nil, outcome, err
	}
	defer resp.Body.Close()

	var body articleListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, governor.NetworkError, fmt.Errorf("failed to decode article list: %w", err)
	}
	if body.Code != "" && body.Code != "success" {
		return nil, governor.NetworkError, fmt.Errorf("upstream error code %q", body.Code)
	}
	return &Page{Articles: body.Body, More: body.More}, governor.OK, nil
}

func (c *Client) userAgent() string {
	if len(c.agents) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents[c.rng.Intn(len(c.agents))]
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 7, 64)
}
