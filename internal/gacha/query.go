package gacha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/iamgaru/gachatap/internal/capture"
)

// Endpoints served under the base URL
const (
	ConfigListEndpoint = "getConfigList"
	GachaLogEndpoint   = capture.Suffix
)

// RequiredFields must all be present in a usable gacha log URL
var RequiredFields = []string{
	"authkey_ver",
	"sign_type",
	"auth_appid",
	"gacha_id",
	"lang",
	"game_biz",
	"authkey",
	"region",
}

// OptionalFields are carried over when present
var OptionalFields = []string{"device_type", "ext", "game_version"}

var (
	// ErrInvalidURL is returned when the captured string is not a gacha log URL
	ErrInvalidURL = errors.New("invalid gacha log URL")
	// ErrMissingField is returned when a required query field is absent
	ErrMissingField = errors.New("missing required query field")
)

// APIError is a non-zero retcode reported by the gacha API
type APIError struct {
	Retcode int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gacha API returned retcode %d: %s", e.Retcode, e.Message)
}

// Query is the part of a captured URL that downstream API calls reuse
type Query struct {
	BaseURL string
	Fields  map[string]string
}

// ParseQuery validates a captured URL and extracts its base URL and query fields
func ParseQuery(raw string) (*Query, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	if !capture.Matches(u.Path) {
		return nil, fmt.Errorf("%w: path %q does not end with %s", ErrInvalidURL, u.Path, capture.Suffix)
	}

	values := u.Query()
	fields := make(map[string]string, len(RequiredFields)+len(OptionalFields))
	for _, name := range RequiredFields {
		if !values.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		fields[name] = values.Get(name)
	}
	for _, name := range OptionalFields {
		if values.Has(name) {
			fields[name] = values.Get(name)
		}
	}

	return &Query{
		BaseURL: u.Scheme + "://" + u.Host + strings.Replace(u.Path, capture.Suffix, "", 1),
		Fields:  fields,
	}, nil
}

// Get returns a query field, or "" when absent
func (q *Query) Get(name string) string {
	return q.Fields[name]
}

// Values returns the fields as a fresh url.Values
func (q *Query) Values() url.Values {
	values := make(url.Values, len(q.Fields))
	for name, value := range q.Fields {
		values.Set(name, value)
	}
	return values
}

// EndpointURL builds the URL for endpoint with the base query plus extra
func (q *Query) EndpointURL(endpoint string, extra url.Values) string {
	values := q.Values()
	for name, vs := range extra {
		for _, v := range vs {
			values.Add(name, v)
		}
	}
	return q.BaseURL + endpoint + "?" + values.Encode()
}

// CheckResponse inspects a gacha API response envelope and returns its data
func CheckResponse(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("gacha API returned invalid JSON")
	}

	envelope := gjson.ParseBytes(body)
	retcode := envelope.Get("retcode")
	if !retcode.Exists() {
		return gjson.Result{}, fmt.Errorf("gacha API response has no retcode")
	}
	if retcode.Int() != 0 {
		return gjson.Result{}, &APIError{Retcode: retcode.Int(), Message: envelope.Get("message").String()}
	}
	return envelope.Get("data"), nil
}

// Pool is a banner reported by the config list endpoint
type Pool struct {
	ID   string
	Key  string
	Name string
}

// Pull is one entry of a banner's wish history
type Pull struct {
	ID        string
	UID       string
	GachaType string
	Time      string
	Name      string
	ItemType  string
	RankType  int64
}

// PageSize is the number of pulls requested per log page
const PageSize = 20

// FetchPools calls the config list endpoint, which also proves the authkey is accepted
func FetchPools(ctx context.Context, client *http.Client, q *Query) ([]Pool, error) {
	data, err := getData(ctx, client, q.EndpointURL(ConfigListEndpoint, nil))
	if err != nil {
		return nil, fmt.Errorf("config list request failed: %w", err)
	}

	var pools []Pool
	data.Get("gacha_type_list").ForEach(func(_, item gjson.Result) bool {
		pools = append(pools, Pool{
			ID:   item.Get("id").String(),
			Key:  item.Get("key").String(),
			Name: item.Get("name").String(),
		})
		return true
	})
	return pools, nil
}

// FetchLog pages through the wish history of pool, starting at page 1 and
// stopping at the first empty page. Pulls are returned oldest first.
func FetchLog(ctx context.Context, client *http.Client, q *Query, pool Pool) ([]Pull, error) {
	var pulls []Pull
	for page := 1; ; page++ {
		extra := url.Values{}
		extra.Set("init_type", pool.Key)
		extra.Set("gacha_type", pool.Key)
		extra.Set("size", strconv.Itoa(PageSize))
		extra.Set("page", strconv.Itoa(page))

		data, err := getData(ctx, client, q.EndpointURL(GachaLogEndpoint, extra))
		if err != nil {
			return nil, fmt.Errorf("gacha log page %d of %s failed: %w", page, pool.Name, err)
		}

		list := data.Get("list").Array()
		if len(list) == 0 {
			break
		}
		for _, item := range list {
			pulls = append(pulls, Pull{
				ID:        item.Get("id").String(),
				UID:       item.Get("uid").String(),
				GachaType: item.Get("gacha_type").String(),
				Time:      item.Get("time").String(),
				Name:      item.Get("name").String(),
				ItemType:  item.Get("item_type").String(),
				RankType:  item.Get("rank_type").Int(),
			})
		}
	}

	// Pages come newest first
	for i, j := 0, len(pulls)-1; i < j; i, j = i+1, j-1 {
		pulls[i], pulls[j] = pulls[j], pulls[i]
	}
	return pulls, nil
}

// getData issues a GET and returns the data field of the response envelope
func getData(ctx context.Context, client *http.Client, target string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return CheckResponse(body)
}
