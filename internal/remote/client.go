// Package remote talks to the content server: it posts mutations and
// fetches listing pages.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"subsync/client/internal/auth"
)

const (
	ListingSubreddit     = "subreddit"
	ListingComments      = "comments"
	ListingProfile       = "profile"
	ListingSearch        = "search"
	ListingMessages      = "messages"
	ListingMessageThread = "message-thread"
)

// DefaultPageSize is the listing page size used when a caller passes zero.
const DefaultPageSize = 25

var thingIDPattern = regexp.MustCompile(`^t[1-6]_[0-9a-z]+$`)

// ValidThingID reports whether id is a well-formed fullname such as t3_abc12.
func ValidThingID(id string) bool {
	return thingIDPattern.MatchString(id)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	now        func() time.Time
}

func NewClient(httpClient *http.Client, baseURL, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userAgent:  strings.TrimSpace(userAgent),
		now:        time.Now,
	}
}

func (c *Client) Vote(ctx context.Context, creds auth.Credentials, thingID string, direction int) error {
	if err := checkThing(thingID); err != nil {
		return err
	}
	form := url.Values{"id": {thingID}, "dir": {strconv.Itoa(direction)}}
	return c.do(ctx, creds, "vote", http.MethodPost, "/api/vote", form, nil)
}

func (c *Client) Save(ctx context.Context, creds auth.Credentials, thingID string, saved bool) error {
	return c.toggle(ctx, creds, thingID, saved, "/api/save", "/api/unsave")
}

func (c *Client) Hide(ctx context.Context, creds auth.Credentials, thingID string, hidden bool) error {
	return c.toggle(ctx, creds, thingID, hidden, "/api/hide", "/api/unhide")
}

func (c *Client) MarkRead(ctx context.Context, creds auth.Credentials, thingID string, read bool) error {
	return c.toggle(ctx, creds, thingID, read, "/api/read_message", "/api/unread_message")
}

func (c *Client) toggle(ctx context.Context, creds auth.Credentials, thingID string, on bool, onPath, offPath string) error {
	if err := checkThing(thingID); err != nil {
		return err
	}
	path := offPath
	if on {
		path = onPath
	}
	return c.do(ctx, creds, strings.TrimPrefix(path, "/api/"), http.MethodPost, path, url.Values{"id": {thingID}}, nil)
}

type thingsResponse struct {
	JSON struct {
		Errors    [][]string `json:"errors"`
		Ratelimit float64    `json:"ratelimit"`
		Data      struct {
			Things []envelope `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

func (r thingsResponse) err() error {
	if len(r.JSON.Errors) == 0 {
		return nil
	}
	first := r.JSON.Errors[0]
	apiErr := &APIError{}
	if len(first) > 0 {
		apiErr.Code = first[0]
	}
	if len(first) > 1 {
		apiErr.Message = first[1]
	}
	if apiErr.Code == "RATELIMIT" {
		return &RateLimitError{
			RetryAfter: time.Duration(r.JSON.Ratelimit * float64(time.Second)),
			Message:    apiErr.Message,
		}
	}
	return apiErr
}

// Comment posts a reply to parentID and returns the id of the new comment.
func (c *Client) Comment(ctx context.Context, creds auth.Credentials, parentID, body string) (string, error) {
	if err := checkThing(parentID); err != nil {
		return "", err
	}
	form := url.Values{"thing_id": {parentID}, "text": {body}, "api_type": {"json"}}
	var out thingsResponse
	if err := c.do(ctx, creds, "comment", http.MethodPost, "/api/comment", form, &out); err != nil {
		return "", err
	}
	if err := out.err(); err != nil {
		return "", err
	}
	for _, thing := range out.JSON.Data.Things {
		var data thingData
		if err := json.Unmarshal(thing.Data, &data); err != nil {
			return "", fmt.Errorf("decode comment: %w", err)
		}
		if data.Name != "" {
			return data.Name, nil
		}
	}
	return "", &APIError{Code: "NO_THING", Message: "comment response carried no thing"}
}

func (c *Client) EditComment(ctx context.Context, creds auth.Credentials, thingID, body string) error {
	if err := checkThing(thingID); err != nil {
		return err
	}
	form := url.Values{"thing_id": {thingID}, "text": {body}, "api_type": {"json"}}
	var out thingsResponse
	if err := c.do(ctx, creds, "editusertext", http.MethodPost, "/api/editusertext", form, &out); err != nil {
		return err
	}
	return out.err()
}

func (c *Client) DeleteComment(ctx context.Context, creds auth.Credentials, thingID string) error {
	if err := checkThing(thingID); err != nil {
		return err
	}
	return c.do(ctx, creds, "del", http.MethodPost, "/api/del", url.Values{"id": {thingID}}, nil)
}

// FetchListing fetches one page of a listing. more is the continuation key
// returned with the previous page, empty for the first page.
func (c *Client) FetchListing(ctx context.Context, creds auth.Credentials, kind, query, more string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var rest []string
	if kind == ListingComments && more != "" {
		var batch []string
		batch, rest = splitChildren(more)
		more = strings.Join(batch, ",")
	}
	path, params, err := listingRequest(kind, query, more, limit)
	if err != nil {
		return Page{}, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, creds, "listing", http.MethodGet, path+"?"+params.Encode(), nil, &raw); err != nil {
		return Page{}, err
	}
	if kind == ListingComments && more != "" {
		return ParseMoreChildren(raw, rest)
	}
	return ParseListing(raw)
}

func listingRequest(kind, query, more string, limit int) (string, url.Values, error) {
	params := url.Values{"raw_json": {"1"}, "limit": {strconv.Itoa(limit)}}
	if more != "" && kind != ListingComments {
		params.Set("after", more)
	}
	query = strings.Trim(strings.TrimSpace(query), "/")
	switch kind {
	case ListingSubreddit:
		if query == "" {
			return "/hot", params, nil
		}
		return "/r/" + query, params, nil
	case ListingComments:
		if !ValidThingID(query) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidThing, query)
		}
		if more != "" {
			params.Set("api_type", "json")
			params.Set("link_id", query)
			params.Set("children", more)
			return "/api/morechildren", params, nil
		}
		return "/comments/" + shortID(query), params, nil
	case ListingProfile:
		return "/user/" + query + "/overview", params, nil
	case ListingSearch:
		params.Set("q", query)
		return "/search", params, nil
	case ListingMessages:
		if query == "" {
			query = "inbox"
		}
		return "/message/" + query, params, nil
	case ListingMessageThread:
		if !ValidThingID(query) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidThing, query)
		}
		return "/message/messages/" + shortID(query), params, nil
	default:
		return "", nil, fmt.Errorf("unknown listing kind %q", kind)
	}
}

func shortID(thingID string) string {
	if i := strings.IndexByte(thingID, '_'); i >= 0 {
		return thingID[i+1:]
	}
	return thingID
}

func checkThing(thingID string) error {
	if !ValidThingID(thingID) {
		return fmt.Errorf("%w: %q", ErrInvalidThing, thingID)
	}
	return nil
}

func (c *Client) do(ctx context.Context, creds auth.Credentials, op, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", creds.Authorization())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp.Header, c.now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
